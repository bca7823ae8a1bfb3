package completion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stowly/billing/internal/gateway"
	"github.com/stowly/billing/internal/invoices"
	"github.com/stowly/billing/internal/model"
	"github.com/stowly/billing/internal/outbox"
	"github.com/stowly/billing/internal/termination"
)

// Store is the slice of persistence the completion flow needs.
type Store interface {
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	MarkAppointmentBilled(ctx context.Context, id, status, invoiceID, hostedURL string) (bool, error)
	SetAppointmentSubscription(ctx context.Context, id, subscriptionID string) error
	FindActiveUsage(ctx context.Context, storageUnitID string) (model.StorageUnitUsage, bool, error)
	CloseUsage(ctx context.Context, storageUnitID, endAppointmentID string, endedAt time.Time) (bool, error)
}

// SubscriptionOrchestrator is implemented by internal/subscriptions.
type SubscriptionOrchestrator interface {
	CreateStorageSubscription(ctx context.Context, customerID string, appt model.Appointment) (gateway.Subscription, error)
	CancelAllSubscriptions(ctx context.Context, customerID string) ([]string, error)
}

// Terminator is implemented by internal/termination.
type Terminator interface {
	ProcessEndOfTerm(ctx context.Context, appt model.Appointment, now time.Time) termination.Outcome
}

// Notifier emits operational events; failures are logged, never propagated.
type Notifier interface {
	Emit(ctx context.Context, evt outbox.Event) error
}

// Service is the webhook entry point: it derives service metrics, charges the
// completion invoice, and fans out the per-type side effects. Only the base
// invoice is allowed to fail the event; everything after it settles
// best-effort into the Result.
type Service struct {
	store    Store
	invoices *invoices.Orchestrator
	subs     SubscriptionOrchestrator
	term     Terminator
	notifier Notifier
	logger   *slog.Logger
}

func New(store Store, inv *invoices.Orchestrator, subs SubscriptionOrchestrator, term Terminator, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		invoices: inv,
		subs:     subs,
		term:     term,
		notifier: notifier,
		logger:   logger,
	}
}

var errDuplicateBilling = errors.New("appointment was billed concurrently; this invoice is a duplicate charge")

type CompletionDetails struct {
	EventID     string
	CompletedAt time.Time
}

// ProcessCompletion handles one delivery-task completion. The returned error
// is non-nil only on the fatal path (appointment lookup, validation, or the
// base invoice): in that case nothing was persisted and the delivery is safe
// to retry. A nil error with failed best-effort steps means the appointment
// was billed correctly and the failures await reconciliation.
func (s *Service) ProcessCompletion(ctx context.Context, appointmentID string, details CompletionDetails) (Result, error) {
	res := newResult(appointmentID)

	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return res, err
	}

	// Idempotency: a retried delivery for an already-billed appointment must
	// be a no-op, not a double charge.
	if model.IsTerminalStatus(appt.Status) {
		res.AlreadyProcessed = true
		res.Status = appt.Status
		res.InvoiceID = appt.InvoiceID
		return res, nil
	}

	metrics := model.NewServiceMetrics(appt.ServiceStartTime, details.CompletedAt)
	res.ServiceMinutes = metrics.ServiceTimeMinutes
	targetStatus := model.CompletionStatusFor(appt.Type)

	// Fatal path: no invoice, no side effects.
	invRes, err := s.invoices.CreateAndPayAppointmentInvoice(ctx, appt, metrics)
	if err != nil {
		res.Steps.Invoice = failed(err)
		return res, err
	}
	res.Steps.Invoice = succeeded()
	res.InvoiceID = invRes.InvoiceID
	res.HostedInvoiceURL = invRes.HostedInvoiceURL
	res.TotalMinor = invRes.TotalMinor

	updated, err := s.store.MarkAppointmentBilled(ctx, appointmentID, targetStatus, invRes.InvoiceID, invRes.HostedInvoiceURL)
	switch {
	case err != nil:
		// The customer was charged but the status write failed. Flag for
		// manual reconciliation rather than retrying blind.
		res.Steps.StatusUpdate = failed(err)
		s.logger.Error("billed appointment but failed to persist status",
			"appointment_id", appointmentID, "invoice_id", invRes.InvoiceID, "err", err)
	case !updated:
		// A concurrent delivery beat us to the terminal status after our
		// idempotency check: this invoice is a duplicate charge.
		res.Steps.StatusUpdate = failed(errDuplicateBilling)
		s.logger.Error("concurrent completion already billed this appointment",
			"appointment_id", appointmentID, "duplicate_invoice_id", invRes.InvoiceID)
	default:
		res.Steps.StatusUpdate = succeeded()
		res.Status = targetStatus
	}

	if res.Steps.StatusUpdate.Status == StepSucceeded {
		s.emit(ctx, outbox.EventInvoicePaid, appointmentID, map[string]any{
			"appointment_id": appointmentID,
			"invoice_id":     invRes.InvoiceID,
			"total_minor":    invRes.TotalMinor,
			"status":         targetStatus,
		})

		switch {
		case appt.Type.IsStorageType():
			s.createSubscription(ctx, appt, &res)
		case appt.Type == model.EndStorageTerm:
			s.settleEndOfTerm(ctx, appt, metrics, &res)
		}
	}

	if res.NeedsReconciliation() {
		s.emit(ctx, outbox.EventReconcileRequired, appointmentID, map[string]any{
			"appointment_id": appointmentID,
			"customer_id":    appt.CustomerID,
			"invoice_id":     invRes.InvoiceID,
			"steps":          res.Steps,
		})
	}
	return res, nil
}

func (s *Service) createSubscription(ctx context.Context, appt model.Appointment, res *Result) {
	sub, err := s.subs.CreateStorageSubscription(ctx, appt.CustomerID, appt)
	if err != nil {
		res.Steps.Subscription = failed(err)
		s.logger.Error("storage subscription creation failed",
			"appointment_id", appt.ID, "customer_id", appt.CustomerID, "err", err)
		return
	}
	res.Steps.Subscription = succeeded()
	res.SubscriptionID = sub.ID

	if err := s.store.SetAppointmentSubscription(ctx, appt.ID, sub.ID); err != nil {
		// Subscription exists but isn't recorded; the reconciler will find it
		// by metadata before creating another.
		s.logger.Error("failed to record subscription id",
			"appointment_id", appt.ID, "subscription_id", sub.ID, "err", err)
	}

	s.emit(ctx, outbox.EventSubscriptionCreated, appt.ID, map[string]any{
		"appointment_id":  appt.ID,
		"customer_id":     appt.CustomerID,
		"subscription_id": sub.ID,
	})
}

// settleEndOfTerm runs the termination flow, then settles the remaining side
// effects concurrently: one failing must not cancel or block the others.
func (s *Service) settleEndOfTerm(ctx context.Context, appt model.Appointment, metrics model.ServiceMetrics, res *Result) {
	now := metrics.CompletionTime

	outcome := s.term.ProcessEndOfTerm(ctx, appt, now)
	res.FeeInvoiceID = outcome.FeeInvoiceID
	res.ClosedUnits = outcome.ClosedUnitIDs
	if outcome.Err != nil {
		res.Steps.Termination = failed(outcome.Err)
		s.logger.Error("end-of-term settlement failed",
			"appointment_id", appt.ID, "early_termination", outcome.HasEarlyTermination, "err", outcome.Err)
	} else {
		res.Steps.Termination = succeeded()
	}

	var g errgroup.Group
	var canceled []string
	var cancelErr error
	var closeErr error
	var lateClosed []string

	g.Go(func() error {
		canceled, cancelErr = s.subs.CancelAllSubscriptions(ctx, appt.CustomerID)
		return nil
	})
	// The usage records stay open whenever no fee invoice was collected and
	// we cannot prove none was due: either a fee was assessed and the charge
	// failed, or the termination flow failed before assessing one at all
	// (validation or store errors). Closing them here would end the term
	// without payment; leaving them open keeps a retry able to charge.
	feeUnsettled := outcome.FeeInvoiceID == "" && (outcome.HasEarlyTermination || outcome.Err != nil)

	g.Go(func() error {
		if feeUnsettled {
			return nil
		}
		// Sweep any unit the termination branch left open (a per-unit closure
		// error on this or a previous delivery). Already-closed units are
		// skipped.
		for _, unitID := range appt.RequestedUnitIDs {
			closed, err := s.store.CloseUsage(ctx, unitID, appt.ID, now)
			if err != nil {
				closeErr = err
				continue
			}
			if closed {
				lateClosed = append(lateClosed, unitID)
			}
		}
		return nil
	})
	_ = g.Wait()

	if cancelErr != nil {
		res.Steps.CancelSubscriptions = failed(cancelErr)
		s.logger.Error("subscription cancellation failed",
			"appointment_id", appt.ID, "customer_id", appt.CustomerID, "err", cancelErr)
	} else {
		res.Steps.CancelSubscriptions = succeeded()
		res.CanceledSubs = canceled
	}

	if closeErr != nil {
		res.Steps.CloseUsage = failed(closeErr)
	} else {
		res.Steps.CloseUsage = succeeded()
		res.ClosedUnits = append(res.ClosedUnits, lateClosed...)
	}

	if res.Steps.Termination.Status == StepSucceeded {
		s.emit(ctx, outbox.EventStorageTermEnded, appt.ID, map[string]any{
			"appointment_id":    appt.ID,
			"customer_id":       appt.CustomerID,
			"early_termination": outcome.HasEarlyTermination,
			"fee_invoice_id":    outcome.FeeInvoiceID,
			"closed_units":      res.ClosedUnits,
		})
	}
}

func (s *Service) emit(ctx context.Context, eventType, appointmentID string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.notifier.Emit(ctx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appointmentID,
		EventType:     eventType,
		Payload:       raw,
	}); err != nil {
		s.logger.Warn("outbox emit failed", "event_type", eventType, "appointment_id", appointmentID, "err", err)
	}
}
