package termination

import (
	"context"
	"log/slog"
	"time"

	"github.com/stowly/billing/internal/billing"
	"github.com/stowly/billing/internal/invoices"
	"github.com/stowly/billing/internal/model"
)

// UsageStore is the slice of persistence the termination flow needs.
type UsageStore interface {
	FindActiveUsage(ctx context.Context, storageUnitID string) (model.StorageUnitUsage, bool, error)
	CloseUsage(ctx context.Context, storageUnitID, endAppointmentID string, endedAt time.Time) (bool, error)
}

// Service settles the end of a storage term: it validates preconditions,
// charges the early-termination fee when one is due, and closes the usage
// records for the appointment's units.
type Service struct {
	invoices *invoices.Orchestrator
	usage    UsageStore
	logger   *slog.Logger
}

func New(inv *invoices.Orchestrator, usage UsageStore, logger *slog.Logger) *Service {
	return &Service{invoices: inv, usage: usage, logger: logger}
}

type Outcome struct {
	Success             bool
	HasEarlyTermination bool
	Fee                 billing.EarlyTerminationFee
	FeeInvoiceID        string
	FeeTotalMinor       int64
	ClosedUnitIDs       []string
	SkippedUnitIDs      []string
	Err                 error
}

// ProcessEndOfTerm runs the termination flow for a completed End-Storage-Term
// appointment. A validation failure returns without mutating anything; a fee
// invoice failure aborts before any usage record is closed, so a termination
// is never recorded without its fee being paid.
func (s *Service) ProcessEndOfTerm(ctx context.Context, appt model.Appointment, now time.Time) Outcome {
	if err := s.validate(ctx, appt); err != nil {
		return Outcome{Err: err}
	}

	usageStart, ok, err := s.earliestActiveStart(ctx, appt)
	if err != nil {
		return Outcome{Err: err}
	}
	if !ok {
		return Outcome{Err: &billing.ValidationError{Field: "storageUnitUsage", Reason: "no active usage record for the requested units"}}
	}

	fee := billing.CalculateEarlyTerminationFee(usageStart, appt.NumberOfUnits, appt.MonthlyStorageRate, appt.MonthlyInsuranceRate, now)

	out := Outcome{Success: true, Fee: fee, HasEarlyTermination: fee.Period.IsEarlyTermination}

	if fee.Period.IsEarlyTermination {
		res, err := s.invoices.CreateAndPayTerminationFeeInvoice(ctx, appt, fee)
		if err != nil {
			// Fee not collected: leave every usage record open so the
			// termination can be retried. Never end a term unpaid.
			return Outcome{HasEarlyTermination: true, Fee: fee, Err: err}
		}
		out.FeeInvoiceID = res.InvoiceID
		out.FeeTotalMinor = res.TotalMinor
	}

	s.closeUsageRecords(ctx, appt, now, &out)
	return out
}

func (s *Service) validate(ctx context.Context, appt model.Appointment) error {
	if appt.CustomerID == "" {
		return &billing.ValidationError{Field: "customerId", Reason: "is required"}
	}
	if appt.NumberOfUnits <= 0 {
		return &billing.ValidationError{Field: "units", Reason: "must be greater than zero"}
	}
	if appt.MonthlyStorageRate <= 0 {
		return &billing.ValidationError{Field: "storageRate", Reason: "must be greater than zero"}
	}
	if appt.MonthlyInsuranceRate < 0 {
		return &billing.ValidationError{Field: "insuranceRate", Reason: "must not be negative"}
	}
	if len(appt.RequestedUnitIDs) == 0 {
		return &billing.ValidationError{Field: "requestedStorageUnits", Reason: "at least one unit is required"}
	}
	return nil
}

// earliestActiveStart picks the oldest active usage across the requested
// units; the fee is computed against the longest-held unit.
func (s *Service) earliestActiveStart(ctx context.Context, appt model.Appointment) (time.Time, bool, error) {
	var earliest time.Time
	found := false
	for _, unitID := range appt.RequestedUnitIDs {
		usage, ok, err := s.usage.FindActiveUsage(ctx, unitID)
		if err != nil {
			return time.Time{}, false, err
		}
		if !ok {
			continue
		}
		if usage.UsageStartDate.IsZero() || !usage.Active() {
			continue
		}
		if !found || usage.UsageStartDate.Before(earliest) {
			earliest = usage.UsageStartDate
			found = true
		}
	}
	return earliest, found, nil
}

// closeUsageRecords ends each requested unit's active record independently:
// one unit failing must not block the others, and already-closed units are
// skipped so replays stay idempotent.
func (s *Service) closeUsageRecords(ctx context.Context, appt model.Appointment, now time.Time, out *Outcome) {
	for _, unitID := range appt.RequestedUnitIDs {
		closed, err := s.usage.CloseUsage(ctx, unitID, appt.ID, now)
		if err != nil {
			s.logger.Error("failed to close usage record",
				"appointment_id", appt.ID,
				"storage_unit_id", unitID,
				"err", err,
			)
			out.Success = false
			if out.Err == nil {
				out.Err = err
			}
			continue
		}
		if closed {
			out.ClosedUnitIDs = append(out.ClosedUnitIDs, unitID)
		} else {
			out.SkippedUnitIDs = append(out.SkippedUnitIDs, unitID)
		}
	}
}
