package billing

import "github.com/stowly/billing/internal/model"

// PreviewRequest is the quote input for estimate UIs. Rates are in dollars.
type PreviewRequest struct {
	AppointmentType  model.AppointmentType
	Units            int
	StorageRate      float64
	InsuranceRate    float64
	LoadingHelpRate  float64
	AccessRate       float64
	EstimatedMinutes float64
}

type PreviewLine struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type Preview struct {
	Total float64       `json:"total"`
	Lines []PreviewLine `json:"breakdown"`
}

// CalculatePreview computes the first-invoice estimate for an appointment
// type without touching the gateway. Mirrors the line sets the invoice
// orchestrator produces.
func CalculatePreview(req PreviewRequest) (Preview, error) {
	accessRate := req.AccessRate
	if accessRate <= 0 {
		accessRate = DefaultAccessRatePerUnit
	}

	help := CalculateLoadingHelp(req.EstimatedMinutes, req.LoadingHelpRate)

	switch req.AppointmentType {
	case model.InitialPickup, model.AdditionalStorage:
		if err := ValidatePricing(Pricing{
			Units:           req.Units,
			StorageRate:     req.StorageRate,
			InsuranceRate:   req.InsuranceRate,
			LoadingHelpRate: req.LoadingHelpRate,
		}); err != nil {
			return Preview{}, err
		}
		charges := CalculateStorageCharges(req.Units, req.StorageRate, req.InsuranceRate)
		lines := []PreviewLine{
			{Description: "First month storage", Amount: charges.StorageTotal},
			{Description: "First month insurance", Amount: charges.InsuranceTotal},
			{Description: "Loading help", Amount: help.Total},
		}
		return Preview{
			Total: charges.StorageTotal + charges.InsuranceTotal + help.Total,
			Lines: lines,
		}, nil

	case model.AccessStorage, model.EndStorageTerm:
		if req.Units <= 0 {
			return Preview{}, &ValidationError{Field: "units", Reason: "must be greater than zero"}
		}
		if req.LoadingHelpRate <= 0 {
			return Preview{}, &ValidationError{Field: "loadingHelpRate", Reason: "must be greater than zero"}
		}
		access := CalculateAccessCharges(req.Units, accessRate)
		lines := []PreviewLine{
			{Description: "Unit access", Amount: access},
			{Description: "Loading help", Amount: help.Total},
		}
		return Preview{Total: access + help.Total, Lines: lines}, nil

	default:
		return Preview{}, &UnsupportedTypeError{Type: string(req.AppointmentType)}
	}
}
