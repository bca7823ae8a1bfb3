package subscriptions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stowly/billing/internal/billing"
	"github.com/stowly/billing/internal/gateway"
	"github.com/stowly/billing/internal/model"
)

// TrialDays delays the first recurring charge: the first month is collected
// up front on the completion invoice, so the subscription starts billing one
// period later.
const TrialDays = 30

// Orchestrator owns the recurring storage+insurance subscription lifecycle.
type Orchestrator struct {
	gw                 gateway.PaymentGateway
	storageProductID   string
	insuranceProductID string
	logger             *slog.Logger
}

type Config struct {
	StorageProductID   string
	InsuranceProductID string
}

func New(gw gateway.PaymentGateway, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		gw:                 gw,
		storageProductID:   cfg.StorageProductID,
		insuranceProductID: cfg.InsuranceProductID,
		logger:             logger,
	}
}

// CreateStorageSubscription creates one recurring subscription with two
// per-unit line items (storage, insurance), a 30-day trial and no
// creation-time proration. The subscription carries the appointment id as
// correlation metadata.
func (o *Orchestrator) CreateStorageSubscription(ctx context.Context, customerID string, appt model.Appointment) (gateway.Subscription, error) {
	if customerID == "" {
		return gateway.Subscription{}, &billing.ValidationError{Field: "customerId", Reason: "is required"}
	}
	if err := billing.ValidatePricing(billing.Pricing{
		Units:           appt.NumberOfUnits,
		StorageRate:     appt.MonthlyStorageRate,
		InsuranceRate:   appt.MonthlyInsuranceRate,
		LoadingHelpRate: appt.LoadingHelpHourlyRate,
	}); err != nil {
		return gateway.Subscription{}, err
	}

	if _, err := o.gw.GetCustomer(ctx, customerID); err != nil {
		return gateway.Subscription{}, err
	}

	sub, err := o.gw.CreateSubscription(ctx, gateway.CreateSubscriptionParams{
		CustomerID: customerID,
		TrialDays:  TrialDays,
		Metadata:   map[string]string{"appointment_id": appt.ID},
		Items: []gateway.SubscriptionItem{
			{
				Description:     fmt.Sprintf("Monthly storage x %d unit(s)", appt.NumberOfUnits),
				ProductID:       o.storageProductID,
				UnitAmountMinor: billing.ToMinorUnits(appt.MonthlyStorageRate),
				Quantity:        int64(appt.NumberOfUnits),
			},
			{
				Description:     fmt.Sprintf("Storage insurance x %d unit(s)", appt.NumberOfUnits),
				ProductID:       o.insuranceProductID,
				UnitAmountMinor: billing.ToMinorUnits(appt.MonthlyInsuranceRate),
				Quantity:        int64(appt.NumberOfUnits),
			},
		},
	})
	if err != nil {
		return gateway.Subscription{}, err
	}

	o.logger.Info("storage subscription created",
		"appointment_id", appt.ID,
		"customer_id", customerID,
		"subscription_id", sub.ID,
	)
	return sub, nil
}

// CancelAllSubscriptions cancels every non-canceled subscription the customer
// has, regardless of status, and returns the ids it canceled. Re-running
// after everything is canceled is a no-op.
func (o *Orchestrator) CancelAllSubscriptions(ctx context.Context, customerID string) ([]string, error) {
	subs, err := o.gw.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}

	var canceled []string
	for _, sub := range subs {
		if sub.Canceled() {
			continue
		}
		if _, err := o.gw.CancelSubscription(ctx, sub.ID); err != nil {
			return canceled, err
		}
		canceled = append(canceled, sub.ID)
	}

	if len(canceled) > 0 {
		o.logger.Info("subscriptions canceled", "customer_id", customerID, "count", len(canceled))
	}
	return canceled, nil
}

// FindForAppointment looks for an existing subscription correlated to the
// appointment, used by the reconciler to avoid double-creating after a
// recording failure.
func (o *Orchestrator) FindForAppointment(ctx context.Context, customerID, appointmentID string) (gateway.Subscription, bool, error) {
	subs, err := o.gw.ListSubscriptions(ctx, customerID)
	if err != nil {
		return gateway.Subscription{}, false, err
	}
	for _, sub := range subs {
		if sub.Metadata["appointment_id"] == appointmentID && !sub.Canceled() {
			return sub, true, nil
		}
	}
	return gateway.Subscription{}, false, nil
}
