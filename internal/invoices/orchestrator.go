package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stowly/billing/internal/billing"
	"github.com/stowly/billing/internal/gateway"
	"github.com/stowly/billing/internal/model"
)

// ErrMissingPaymentAccount means the appointment has no payment-provider
// customer on file, so nothing can be charged.
var ErrMissingPaymentAccount = errors.New("missing payment account")

// Orchestrator builds, finalizes and collects one gateway invoice per call.
// Idempotency is the caller's responsibility: it must not re-invoke for an
// appointment that has already been billed.
type Orchestrator struct {
	gw                gateway.PaymentGateway
	accessRatePerUnit float64
	logger            *slog.Logger
}

func New(gw gateway.PaymentGateway, accessRatePerUnit float64, logger *slog.Logger) *Orchestrator {
	if accessRatePerUnit <= 0 {
		accessRatePerUnit = billing.DefaultAccessRatePerUnit
	}
	return &Orchestrator{gw: gw, accessRatePerUnit: accessRatePerUnit, logger: logger}
}

type Result struct {
	InvoiceID        string
	HostedInvoiceURL string
	TotalMinor       int64
}

// CreateAndPayAppointmentInvoice charges the completion invoice for one
// appointment. Line sets depend on the appointment type; the early-termination
// fee is never part of this invoice, it goes on a dedicated one.
func (o *Orchestrator) CreateAndPayAppointmentInvoice(ctx context.Context, appt model.Appointment, metrics model.ServiceMetrics) (Result, error) {
	if appt.CustomerID == "" {
		return Result{}, ErrMissingPaymentAccount
	}

	help := billing.CalculateLoadingHelp(metrics.ServiceTimeMinutes, appt.LoadingHelpHourlyRate)

	var lines []gateway.InvoiceLine
	switch appt.Type {
	case model.InitialPickup, model.AdditionalStorage:
		if err := billing.ValidatePricing(billing.Pricing{
			Units:           appt.NumberOfUnits,
			StorageRate:     appt.MonthlyStorageRate,
			InsuranceRate:   appt.MonthlyInsuranceRate,
			LoadingHelpRate: appt.LoadingHelpHourlyRate,
		}); err != nil {
			return Result{}, err
		}
		lines = append(lines,
			gateway.InvoiceLine{
				Description:     fmt.Sprintf("First month storage: %d unit(s) x $%.2f/mo", appt.NumberOfUnits, appt.MonthlyStorageRate),
				UnitAmountMinor: billing.ToMinorUnits(appt.MonthlyStorageRate),
				Quantity:        int64(appt.NumberOfUnits),
			},
			gateway.InvoiceLine{
				Description:     fmt.Sprintf("First month insurance (%s): %d unit(s) x $%.2f/mo", coverageLabel(appt), appt.NumberOfUnits, appt.MonthlyInsuranceRate),
				UnitAmountMinor: billing.ToMinorUnits(appt.MonthlyInsuranceRate),
				Quantity:        int64(appt.NumberOfUnits),
			},
			loadingHelpLine(help),
		)

	case model.AccessStorage, model.EndStorageTerm:
		if appt.LoadingHelpHourlyRate <= 0 {
			return Result{}, &billing.ValidationError{Field: "loadingHelpRate", Reason: "must be greater than zero"}
		}
		if len(appt.RequestedUnitIDs) == 0 {
			return Result{}, &billing.ValidationError{Field: "requestedStorageUnits", Reason: "at least one unit is required"}
		}
		units := len(appt.RequestedUnitIDs)
		lines = append(lines,
			gateway.InvoiceLine{
				Description:     fmt.Sprintf("Unit access: %d unit(s) x $%.2f", units, o.accessRatePerUnit),
				UnitAmountMinor: billing.ToMinorUnits(o.accessRatePerUnit),
				Quantity:        int64(units),
			},
			loadingHelpLine(help),
		)

	default:
		return Result{}, &billing.UnsupportedTypeError{Type: string(appt.Type)}
	}

	return o.createAndPay(ctx, appt, fmt.Sprintf("Storage appointment %s", appt.ID), lines)
}

// CreateAndPayTerminationFeeInvoice charges the early-termination fee on its
// own invoice, itemized into a storage portion and an insurance portion.
func (o *Orchestrator) CreateAndPayTerminationFeeInvoice(ctx context.Context, appt model.Appointment, fee billing.EarlyTerminationFee) (Result, error) {
	if appt.CustomerID == "" {
		return Result{}, ErrMissingPaymentAccount
	}
	if !fee.Period.IsEarlyTermination || fee.RemainingMonths < 1 {
		return Result{}, &billing.ValidationError{Field: "earlyTerminationFee", Reason: "no fee due"}
	}

	lines := []gateway.InvoiceLine{
		{
			Description:     fmt.Sprintf("Early termination - storage: %d unit(s) x %d month(s) x $%.2f", appt.NumberOfUnits, fee.RemainingMonths, appt.MonthlyStorageRate),
			UnitAmountMinor: billing.ToMinorUnits(fee.StoragePortion),
			Quantity:        1,
		},
		{
			Description:     fmt.Sprintf("Early termination - insurance: %d unit(s) x %d month(s) x $%.2f", appt.NumberOfUnits, fee.RemainingMonths, appt.MonthlyInsuranceRate),
			UnitAmountMinor: billing.ToMinorUnits(fee.InsurancePortion),
			Quantity:        1,
		},
	}

	return o.createAndPay(ctx, appt, fmt.Sprintf("Early termination fee for appointment %s", appt.ID), lines)
}

func (o *Orchestrator) createAndPay(ctx context.Context, appt model.Appointment, description string, lines []gateway.InvoiceLine) (Result, error) {
	inv, err := o.gw.CreateInvoice(ctx, gateway.CreateInvoiceParams{
		CustomerID:  appt.CustomerID,
		Description: description,
		Metadata:    map[string]string{"appointment_id": appt.ID},
	})
	if err != nil {
		return Result{}, err
	}

	for _, line := range lines {
		if err := o.gw.AddInvoiceLine(ctx, appt.CustomerID, inv.ID, line); err != nil {
			return Result{}, err
		}
	}

	finalized, err := o.gw.FinalizeInvoice(ctx, inv.ID)
	if err != nil {
		return Result{}, err
	}

	paid, err := o.gw.PayInvoice(ctx, inv.ID)
	if err != nil {
		return Result{}, err
	}

	hostedURL := paid.HostedInvoiceURL
	if hostedURL == "" {
		hostedURL = finalized.HostedInvoiceURL
	}

	o.logger.Info("invoice collected",
		"appointment_id", appt.ID,
		"customer_id", appt.CustomerID,
		"invoice_id", paid.ID,
		"total_minor", paid.TotalMinor,
	)
	return Result{InvoiceID: paid.ID, HostedInvoiceURL: hostedURL, TotalMinor: paid.TotalMinor}, nil
}

func loadingHelpLine(help billing.LoadingHelp) gateway.InvoiceLine {
	return gateway.InvoiceLine{
		Description:     fmt.Sprintf("Loading help: %d min @ $%.2f/hr (1 hr minimum)", help.BilledMinutes, help.HourlyRate),
		UnitAmountMinor: billing.ToMinorUnits(help.Total),
		Quantity:        1,
	}
}

func coverageLabel(appt model.Appointment) string {
	if appt.InsuranceCoverageLabel == "" {
		return "standard"
	}
	return appt.InsuranceCoverageLabel
}
