package billing

import (
	"math"
	"time"
)

const (
	// MinimumLoadingMinutes is the loading-help billing floor: crews are paid
	// for at least one hour on site.
	MinimumLoadingMinutes = 60

	// MinimumStorageDays is the committed storage term. Ending storage before
	// this many days triggers an early-termination fee.
	MinimumStorageDays = 60

	// FeeMonthDays converts remaining committed days into whole fee months.
	// Calendar-agnostic on purpose: the fee schedule quotes 30-day months.
	FeeMonthDays = 30

	// DefaultAccessRatePerUnit is the flat per-unit charge for an access
	// visit, in dollars.
	DefaultAccessRatePerUnit = 50.0
)

// Pricing carries the per-appointment rate card. All rates are in dollars.
type Pricing struct {
	Units           int
	StorageRate     float64
	InsuranceRate   float64
	LoadingHelpRate float64
}

// ValidatePricing fails closed on the first missing or non-positive required
// field. InsuranceRate is the only rate allowed to be zero (coverage waived).
func ValidatePricing(p Pricing) error {
	if p.Units <= 0 {
		return &ValidationError{Field: "units", Reason: "must be greater than zero"}
	}
	if p.StorageRate <= 0 {
		return &ValidationError{Field: "storageRate", Reason: "must be greater than zero"}
	}
	if p.InsuranceRate < 0 {
		return &ValidationError{Field: "insuranceRate", Reason: "must not be negative"}
	}
	if p.LoadingHelpRate <= 0 {
		return &ValidationError{Field: "loadingHelpRate", Reason: "must be greater than zero"}
	}
	return nil
}

type LoadingHelp struct {
	BilledMinutes int
	HourlyRate    float64
	Total         float64
}

// CalculateLoadingHelp bills on-site labor by time with a one-hour minimum.
// Actual service time below the floor still bills the full 60 minutes.
func CalculateLoadingHelp(serviceMinutes, hourlyRate float64) LoadingHelp {
	billed := int(math.Round(serviceMinutes))
	if billed < MinimumLoadingMinutes {
		billed = MinimumLoadingMinutes
	}
	return LoadingHelp{
		BilledMinutes: billed,
		HourlyRate:    hourlyRate,
		Total:         hourlyRate / 60 * float64(billed),
	}
}

type StorageCharges struct {
	StorageTotal   float64
	InsuranceTotal float64
}

func CalculateStorageCharges(units int, storageRate, insuranceRate float64) StorageCharges {
	return StorageCharges{
		StorageTotal:   storageRate * float64(units),
		InsuranceTotal: insuranceRate * float64(units),
	}
}

// CalculateAccessCharges is a flat per-unit charge for an access visit, not a
// recurring amount.
func CalculateAccessCharges(units int, ratePerUnit float64) float64 {
	return ratePerUnit * float64(units)
}

type StoragePeriod struct {
	DaysInStorage      int
	MinimumDays        int
	IsEarlyTermination bool
}

// ComputeStoragePeriod measures whole days elapsed since the usage start,
// floored, against the committed minimum.
func ComputeStoragePeriod(usageStart, now time.Time) StoragePeriod {
	days := int(math.Floor(now.Sub(usageStart).Hours() / 24))
	if days < 0 {
		days = 0
	}
	return StoragePeriod{
		DaysInStorage:      days,
		MinimumDays:        MinimumStorageDays,
		IsEarlyTermination: days < MinimumStorageDays,
	}
}

type EarlyTerminationFee struct {
	Period           StoragePeriod
	RemainingDays    int
	RemainingMonths  int
	StoragePortion   float64
	InsurancePortion float64
	Total            float64
}

// CalculateEarlyTerminationFee charges the remaining committed months when a
// customer ends storage before the minimum term. On the early branch
// RemainingMonths is always at least 1 (remaining days are 1..MinimumStorageDays
// and fee months round up).
func CalculateEarlyTerminationFee(usageStart time.Time, units int, storageRate, insuranceRate float64, now time.Time) EarlyTerminationFee {
	period := ComputeStoragePeriod(usageStart, now)
	if !period.IsEarlyTermination {
		return EarlyTerminationFee{Period: period}
	}

	remainingDays := MinimumStorageDays - period.DaysInStorage
	remainingMonths := int(math.Ceil(float64(remainingDays) / FeeMonthDays))
	return EarlyTerminationFee{
		Period:           period,
		RemainingDays:    remainingDays,
		RemainingMonths:  remainingMonths,
		StoragePortion:   storageRate * float64(units) * float64(remainingMonths),
		InsurancePortion: insuranceRate * float64(units) * float64(remainingMonths),
		Total:            (storageRate + insuranceRate) * float64(units) * float64(remainingMonths),
	}
}
