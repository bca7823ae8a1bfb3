package billing

import (
	"math"
	"testing"
	"time"
)

func TestCalculateLoadingHelp_MinimumFloor(t *testing.T) {
	help := CalculateLoadingHelp(10, 189)
	if help.BilledMinutes != 60 {
		t.Fatalf("expected 60 billed minutes, got %d", help.BilledMinutes)
	}
	if math.Abs(help.Total-189) > 1e-9 {
		t.Fatalf("expected total 189, got %v", help.Total)
	}
}

func TestCalculateLoadingHelp_AboveFloor(t *testing.T) {
	help := CalculateLoadingHelp(90, 189)
	if help.BilledMinutes != 90 {
		t.Fatalf("expected 90 billed minutes, got %d", help.BilledMinutes)
	}
	if math.Abs(help.Total-283.5) > 1e-9 {
		t.Fatalf("expected total 283.5, got %v", help.Total)
	}
}

func TestCalculateLoadingHelp_RoundsMinutes(t *testing.T) {
	help := CalculateLoadingHelp(89.6, 120)
	if help.BilledMinutes != 90 {
		t.Fatalf("expected 90 billed minutes from 89.6, got %d", help.BilledMinutes)
	}
	help = CalculateLoadingHelp(89.4, 120)
	if help.BilledMinutes != 89 {
		t.Fatalf("expected 89 billed minutes from 89.4, got %d", help.BilledMinutes)
	}
}

func TestCalculateStorageCharges(t *testing.T) {
	charges := CalculateStorageCharges(3, 100, 15)
	if charges.StorageTotal != 300 {
		t.Fatalf("expected storage total 300, got %v", charges.StorageTotal)
	}
	if charges.InsuranceTotal != 45 {
		t.Fatalf("expected insurance total 45, got %v", charges.InsuranceTotal)
	}
}

func TestCalculateAccessCharges(t *testing.T) {
	if got := CalculateAccessCharges(3, DefaultAccessRatePerUnit); got != 150 {
		t.Fatalf("expected 150, got %v", got)
	}
}

func TestValidatePricing(t *testing.T) {
	valid := Pricing{Units: 2, StorageRate: 100, InsuranceRate: 15, LoadingHelpRate: 189}
	if err := ValidatePricing(valid); err != nil {
		t.Fatalf("valid pricing rejected: %v", err)
	}

	// Zero insurance means coverage waived, still valid.
	waived := valid
	waived.InsuranceRate = 0
	if err := ValidatePricing(waived); err != nil {
		t.Fatalf("waived insurance rejected: %v", err)
	}

	bad := []Pricing{
		{Units: 0, StorageRate: 100, InsuranceRate: 15, LoadingHelpRate: 189},
		{Units: 2, StorageRate: 0, InsuranceRate: 15, LoadingHelpRate: 189},
		{Units: 2, StorageRate: 100, InsuranceRate: -1, LoadingHelpRate: 189},
		{Units: 2, StorageRate: 100, InsuranceRate: 15, LoadingHelpRate: 0},
	}
	for i, p := range bad {
		err := ValidatePricing(p)
		if err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
		if _, ok := err.(*ValidationError); !ok {
			t.Fatalf("case %d: expected *ValidationError, got %T", i, err)
		}
	}
}

func TestComputeStoragePeriod_FloorsDays(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	// 10 days and 6 hours elapsed floors to 10 days.
	p := ComputeStoragePeriod(now.Add(-246*time.Hour), now)
	if p.DaysInStorage != 10 {
		t.Fatalf("expected 10 days, got %d", p.DaysInStorage)
	}
	if !p.IsEarlyTermination {
		t.Fatal("10 days should be early termination")
	}

	// A start time in the future clamps to zero.
	p = ComputeStoragePeriod(now.Add(24*time.Hour), now)
	if p.DaysInStorage != 0 {
		t.Fatalf("expected 0 days for future start, got %d", p.DaysInStorage)
	}
}

func TestCalculateEarlyTerminationFee_Day10(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, -10)

	fee := CalculateEarlyTerminationFee(start, 2, 100, 15, now)
	if !fee.Period.IsEarlyTermination {
		t.Fatal("expected early termination at day 10")
	}
	if fee.RemainingDays != 50 {
		t.Fatalf("expected 50 remaining days, got %d", fee.RemainingDays)
	}
	if fee.RemainingMonths != 2 {
		t.Fatalf("expected 2 remaining months, got %d", fee.RemainingMonths)
	}
	// (100 + 15) * 2 units * 2 months
	if math.Abs(fee.Total-460) > 1e-9 {
		t.Fatalf("expected total 460, got %v", fee.Total)
	}
	if math.Abs(fee.StoragePortion-400) > 1e-9 || math.Abs(fee.InsurancePortion-60) > 1e-9 {
		t.Fatalf("unexpected portions: storage=%v insurance=%v", fee.StoragePortion, fee.InsurancePortion)
	}
}

func TestCalculateEarlyTerminationFee_TermBoundary(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		daysIn     int
		wantEarly  bool
		wantMonths int
	}{
		{58, true, 1},
		{59, true, 1},
		{60, false, 0},
		{61, false, 0},
	}
	for _, tc := range cases {
		start := now.AddDate(0, 0, -tc.daysIn)
		fee := CalculateEarlyTerminationFee(start, 1, 100, 15, now)
		if fee.Period.IsEarlyTermination != tc.wantEarly {
			t.Fatalf("day %d: early=%v, want %v", tc.daysIn, fee.Period.IsEarlyTermination, tc.wantEarly)
		}
		if fee.RemainingMonths != tc.wantMonths {
			t.Fatalf("day %d: months=%d, want %d", tc.daysIn, fee.RemainingMonths, tc.wantMonths)
		}
		if !tc.wantEarly && fee.Total != 0 {
			t.Fatalf("day %d: expected zero fee, got %v", tc.daysIn, fee.Total)
		}
	}
}

func TestCalculateEarlyTerminationFee_Day31RoundsUp(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fee := CalculateEarlyTerminationFee(now.AddDate(0, 0, -31), 1, 100, 0, now)
	// 29 remaining days still bill a whole fee month.
	if fee.RemainingMonths != 1 {
		t.Fatalf("expected 1 month for 29 remaining days, got %d", fee.RemainingMonths)
	}
	if fee.Total != 100 {
		t.Fatalf("expected 100, got %v", fee.Total)
	}
}

func TestToMinorUnits(t *testing.T) {
	if got := ToMinorUnits(283.5); got != 28350 {
		t.Fatalf("expected 28350, got %d", got)
	}
	if got := ToMinorUnits(0.1 + 0.2); got != 30 {
		t.Fatalf("expected 30, got %d", got)
	}
	if got := FromMinorUnits(28350); math.Abs(got-283.5) > 1e-9 {
		t.Fatalf("expected 283.5, got %v", got)
	}
}
