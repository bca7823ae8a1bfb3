package termination

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stowly/billing/internal/billing"
	"github.com/stowly/billing/internal/gateway"
	"github.com/stowly/billing/internal/gateway/gatewaytest"
	"github.com/stowly/billing/internal/invoices"
	"github.com/stowly/billing/internal/model"
)

type fakeUsageStore struct {
	active   map[string]time.Time
	closed   map[string]string
	closeErr map[string]error
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{
		active:   map[string]time.Time{},
		closed:   map[string]string{},
		closeErr: map[string]error{},
	}
}

func (f *fakeUsageStore) FindActiveUsage(ctx context.Context, storageUnitID string) (model.StorageUnitUsage, bool, error) {
	start, ok := f.active[storageUnitID]
	if !ok {
		return model.StorageUnitUsage{}, false, nil
	}
	return model.StorageUnitUsage{
		StorageUnitID:  storageUnitID,
		UsageStartDate: start,
	}, true, nil
}

func (f *fakeUsageStore) CloseUsage(ctx context.Context, storageUnitID, endAppointmentID string, endedAt time.Time) (bool, error) {
	if err := f.closeErr[storageUnitID]; err != nil {
		return false, err
	}
	if _, ok := f.active[storageUnitID]; !ok {
		return false, nil
	}
	delete(f.active, storageUnitID)
	f.closed[storageUnitID] = endAppointmentID
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func endTermAppt() model.Appointment {
	return model.Appointment{
		ID:                    "appt-end",
		Type:                  model.EndStorageTerm,
		CustomerID:            "cus_123",
		MonthlyStorageRate:    100,
		MonthlyInsuranceRate:  15,
		LoadingHelpHourlyRate: 189,
		NumberOfUnits:         2,
		RequestedUnitIDs:      []string{"unit-a", "unit-b"},
	}
}

func newService(gw gateway.PaymentGateway, usage UsageStore) *Service {
	return New(invoices.New(gw, 0, testLogger()), usage, testLogger())
}

func TestProcessEndOfTerm_EarlyTermination(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	usage := newFakeUsageStore()
	usage.active["unit-a"] = now.AddDate(0, 0, -10)
	usage.active["unit-b"] = now.AddDate(0, 0, -5)
	gw := gatewaytest.New()
	svc := newService(gw, usage)

	out := svc.ProcessEndOfTerm(context.Background(), endTermAppt(), now)
	if !out.Success || out.Err != nil {
		t.Fatalf("expected success, got %+v", out)
	}
	if !out.HasEarlyTermination {
		t.Fatal("day 10 should trigger an early termination fee")
	}
	if out.FeeInvoiceID == "" {
		t.Fatal("expected a fee invoice")
	}
	// Fee is computed from the longest-held unit: 50 remaining days, 2 months.
	// (100 + 15) * 2 units * 2 months = 460.
	if out.FeeTotalMinor != 46000 {
		t.Fatalf("expected fee total 46000, got %d", out.FeeTotalMinor)
	}
	if len(out.ClosedUnitIDs) != 2 {
		t.Fatalf("expected both units closed, got %v", out.ClosedUnitIDs)
	}
	if usage.closed["unit-a"] != "appt-end" || usage.closed["unit-b"] != "appt-end" {
		t.Fatalf("usage records should reference the closing appointment: %v", usage.closed)
	}
}

func TestProcessEndOfTerm_PastMinimumNoFee(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	usage := newFakeUsageStore()
	usage.active["unit-a"] = now.AddDate(0, 0, -60)
	usage.active["unit-b"] = now.AddDate(0, 0, -90)
	gw := gatewaytest.New()
	svc := newService(gw, usage)

	out := svc.ProcessEndOfTerm(context.Background(), endTermAppt(), now)
	if !out.Success || out.Err != nil {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.HasEarlyTermination || out.FeeInvoiceID != "" {
		t.Fatalf("no fee should be charged at or past the minimum term: %+v", out)
	}
	if len(gw.CreatedInvoices) != 0 {
		t.Fatal("no invoice should be created when no fee is due")
	}
	if len(out.ClosedUnitIDs) != 2 {
		t.Fatalf("expected both units closed, got %v", out.ClosedUnitIDs)
	}
}

func TestProcessEndOfTerm_FeeFailureLeavesUsageOpen(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	usage := newFakeUsageStore()
	usage.active["unit-a"] = now.AddDate(0, 0, -10)
	usage.active["unit-b"] = now.AddDate(0, 0, -10)
	gw := gatewaytest.New()
	gw.Fail["PayInvoice"] = &gateway.Error{Kind: gateway.KindDeclined, Op: "PayInvoice"}
	svc := newService(gw, usage)

	out := svc.ProcessEndOfTerm(context.Background(), endTermAppt(), now)
	if out.Success {
		t.Fatal("expected failure when the fee cannot be collected")
	}
	if !gateway.IsDeclined(out.Err) {
		t.Fatalf("expected declined error, got %v", out.Err)
	}
	if len(usage.closed) != 0 {
		t.Fatalf("no usage record may be closed with the fee unpaid: %v", usage.closed)
	}
}

func TestProcessEndOfTerm_ReplaySkipsClosedUnits(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	usage := newFakeUsageStore()
	// unit-a already closed by a previous run; unit-b still active.
	usage.active["unit-b"] = now.AddDate(0, 0, -90)
	svc := newService(gatewaytest.New(), usage)

	out := svc.ProcessEndOfTerm(context.Background(), endTermAppt(), now)
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(out.ClosedUnitIDs) != 1 || out.ClosedUnitIDs[0] != "unit-b" {
		t.Fatalf("expected only unit-b closed, got %v", out.ClosedUnitIDs)
	}
	if len(out.SkippedUnitIDs) != 1 || out.SkippedUnitIDs[0] != "unit-a" {
		t.Fatalf("expected unit-a skipped, got %v", out.SkippedUnitIDs)
	}
}

func TestProcessEndOfTerm_OneUnitFailureDoesNotBlockOthers(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	usage := newFakeUsageStore()
	usage.active["unit-a"] = now.AddDate(0, 0, -90)
	usage.active["unit-b"] = now.AddDate(0, 0, -90)
	usage.closeErr["unit-a"] = errors.New("row lock timeout")
	svc := newService(gatewaytest.New(), usage)

	out := svc.ProcessEndOfTerm(context.Background(), endTermAppt(), now)
	if out.Success {
		t.Fatal("a failed close should mark the outcome unsuccessful")
	}
	if len(out.ClosedUnitIDs) != 1 || out.ClosedUnitIDs[0] != "unit-b" {
		t.Fatalf("unit-b should still close, got %v", out.ClosedUnitIDs)
	}
}

func TestProcessEndOfTerm_NoActiveUsage(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	svc := newService(gatewaytest.New(), newFakeUsageStore())

	out := svc.ProcessEndOfTerm(context.Background(), endTermAppt(), now)
	var vErr *billing.ValidationError
	if !errors.As(out.Err, &vErr) {
		t.Fatalf("expected validation error, got %v", out.Err)
	}
}

func TestProcessEndOfTerm_Validation(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	svc := newService(gatewaytest.New(), newFakeUsageStore())

	appt := endTermAppt()
	appt.RequestedUnitIDs = nil
	out := svc.ProcessEndOfTerm(context.Background(), appt, now)
	var vErr *billing.ValidationError
	if !errors.As(out.Err, &vErr) {
		t.Fatalf("expected validation error for missing units, got %v", out.Err)
	}
}
