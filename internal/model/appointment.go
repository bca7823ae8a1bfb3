package model

import "time"

type AppointmentType string

const (
	InitialPickup     AppointmentType = "initial_pickup"
	AdditionalStorage AppointmentType = "additional_storage"
	AccessStorage     AppointmentType = "access_storage"
	EndStorageTerm    AppointmentType = "end_storage_term"
)

// IsStorageType reports whether completing this appointment starts (or extends)
// a paid storage term.
func (t AppointmentType) IsStorageType() bool {
	return t == InitialPickup || t == AdditionalStorage
}

// Appointment statuses. The three completion statuses are terminal: once an
// appointment reaches one of them it has been billed and must never be billed
// again.
const (
	StatusScheduled        = "Scheduled"
	StatusInProgress       = "In Progress"
	StatusLoadingComplete  = "Loading Complete"
	StatusAccessComplete   = "Access Complete"
	StatusStorageTermEnded = "Storage Term Ended"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusLoadingComplete, StatusAccessComplete, StatusStorageTermEnded:
		return true
	default:
		return false
	}
}

// CompletionStatusFor maps an appointment type to the status it reaches when
// its field work completes.
func CompletionStatusFor(t AppointmentType) string {
	switch t {
	case InitialPickup, AdditionalStorage:
		return StatusLoadingComplete
	case EndStorageTerm:
		return StatusStorageTermEnded
	default:
		return StatusAccessComplete
	}
}

type Appointment struct {
	ID                     string
	Type                   AppointmentType
	Status                 string
	CustomerID             string // payment-provider customer id ("" = no card on file)
	MonthlyStorageRate     float64
	MonthlyInsuranceRate   float64
	LoadingHelpHourlyRate  float64
	NumberOfUnits          int
	InsuranceCoverageLabel string
	RequestedUnitIDs       []string
	ServiceStartTime       time.Time
	InvoiceID              string
	HostedInvoiceURL       string
	SubscriptionID         string
	UpdatedAt              time.Time
}

// StorageUnitUsage records which physical unit is assigned to a customer and
// for how long. A nil UsageEndDate means the unit is still occupied; at most
// one active record exists per unit.
type StorageUnitUsage struct {
	ID               int64
	StorageUnitID    string
	UsageStartDate   time.Time
	UsageEndDate     *time.Time
	EndAppointmentID string
}

func (u StorageUnitUsage) Active() bool {
	return u.UsageEndDate == nil
}

// ServiceMetrics is derived per completion event and never persisted.
type ServiceMetrics struct {
	ServiceTimeMinutes float64
	CompletionTime     time.Time
}

// NewServiceMetrics clamps negative durations to zero; field crews sometimes
// report completion timestamps earlier than the recorded start.
func NewServiceMetrics(serviceStart, completedAt time.Time) ServiceMetrics {
	minutes := completedAt.Sub(serviceStart).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return ServiceMetrics{
		ServiceTimeMinutes: minutes,
		CompletionTime:     completedAt,
	}
}
