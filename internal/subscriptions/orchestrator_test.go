package subscriptions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stowly/billing/internal/billing"
	"github.com/stowly/billing/internal/gateway"
	"github.com/stowly/billing/internal/gateway/gatewaytest"
	"github.com/stowly/billing/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrchestrator(gw gateway.PaymentGateway) *Orchestrator {
	return New(gw, Config{
		StorageProductID:   "prod_storage",
		InsuranceProductID: "prod_insurance",
	}, testLogger())
}

func storageAppt() model.Appointment {
	return model.Appointment{
		ID:                    "appt-1",
		Type:                  model.InitialPickup,
		CustomerID:            "cus_123",
		MonthlyStorageRate:    100,
		MonthlyInsuranceRate:  15,
		LoadingHelpHourlyRate: 189,
		NumberOfUnits:         2,
	}
}

func TestCreateStorageSubscription(t *testing.T) {
	gw := gatewaytest.New()
	o := newOrchestrator(gw)

	sub, err := o.CreateStorageSubscription(context.Background(), "cus_123", storageAppt())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected a subscription id")
	}
	if sub.Metadata["appointment_id"] != "appt-1" {
		t.Fatalf("expected appointment correlation metadata, got %v", sub.Metadata)
	}

	if len(gw.CreatedSubs) != 1 {
		t.Fatalf("expected 1 create call, got %d", len(gw.CreatedSubs))
	}
	params := gw.CreatedSubs[0]
	if params.TrialDays != TrialDays {
		t.Fatalf("expected %d trial days, got %d", TrialDays, params.TrialDays)
	}
	if len(params.Items) != 2 {
		t.Fatalf("expected storage and insurance items, got %d", len(params.Items))
	}
	if params.Items[0].UnitAmountMinor != 10000 || params.Items[0].Quantity != 2 {
		t.Fatalf("unexpected storage item: %+v", params.Items[0])
	}
	if params.Items[1].UnitAmountMinor != 1500 || params.Items[1].ProductID != "prod_insurance" {
		t.Fatalf("unexpected insurance item: %+v", params.Items[1])
	}
}

func TestCreateStorageSubscription_InvalidPricing(t *testing.T) {
	gw := gatewaytest.New()
	o := newOrchestrator(gw)

	appt := storageAppt()
	appt.NumberOfUnits = 0
	_, err := o.CreateStorageSubscription(context.Background(), "cus_123", appt)
	var vErr *billing.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(gw.CreatedSubs) != 0 {
		t.Fatal("no subscription should be created for invalid pricing")
	}
}

func TestCreateStorageSubscription_CustomerLookupFails(t *testing.T) {
	gw := gatewaytest.New()
	gw.Customers = map[string]gateway.Customer{}
	o := newOrchestrator(gw)

	_, err := o.CreateStorageSubscription(context.Background(), "cus_gone", storageAppt())
	if !gateway.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestCancelAllSubscriptions(t *testing.T) {
	gw := gatewaytest.New()
	gw.Seed(gateway.Subscription{ID: "sub_a", CustomerID: "cus_123", Status: "active"})
	gw.Seed(gateway.Subscription{ID: "sub_b", CustomerID: "cus_123", Status: "canceled"})
	gw.Seed(gateway.Subscription{ID: "sub_c", CustomerID: "cus_123", Status: "trialing"})
	gw.Seed(gateway.Subscription{ID: "sub_d", CustomerID: "cus_other", Status: "active"})
	o := newOrchestrator(gw)

	canceled, err := o.CancelAllSubscriptions(context.Background(), "cus_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(canceled) != 2 {
		t.Fatalf("expected 2 cancellations, got %v", canceled)
	}

	// Second run finds everything already canceled.
	canceled, err = o.CancelAllSubscriptions(context.Background(), "cus_123")
	if err != nil {
		t.Fatalf("unexpected error on rerun: %v", err)
	}
	if len(canceled) != 0 {
		t.Fatalf("rerun should cancel nothing, got %v", canceled)
	}
}

func TestFindForAppointment(t *testing.T) {
	gw := gatewaytest.New()
	gw.Seed(gateway.Subscription{
		ID: "sub_old", CustomerID: "cus_123", Status: "canceled",
		Metadata: map[string]string{"appointment_id": "appt-1"},
	})
	gw.Seed(gateway.Subscription{
		ID: "sub_live", CustomerID: "cus_123", Status: "active",
		Metadata: map[string]string{"appointment_id": "appt-1"},
	})
	o := newOrchestrator(gw)

	sub, found, err := o.FindForAppointment(context.Background(), "cus_123", "appt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || sub.ID != "sub_live" {
		t.Fatalf("expected sub_live, got found=%v sub=%+v", found, sub)
	}

	_, found, err = o.FindForAppointment(context.Background(), "cus_123", "appt-other")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected no match for a different appointment")
	}
}
