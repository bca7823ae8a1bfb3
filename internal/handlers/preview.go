package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/stowly/billing/internal/billing"
	"github.com/stowly/billing/internal/model"
)

type previewRequest struct {
	AppointmentType  string  `json:"appointment_type"`
	Units            int     `json:"units"`
	StorageRate      float64 `json:"monthly_storage_rate"`
	InsuranceRate    float64 `json:"monthly_insurance_rate"`
	LoadingHelpRate  float64 `json:"loading_help_hourly_rate"`
	AccessRate       float64 `json:"access_rate_per_unit"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
}

// Preview quotes the first invoice for an appointment without touching the
// payment gateway. Used by estimate UIs and sales tooling.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var req previewRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	preview, err := billing.CalculatePreview(billing.PreviewRequest{
		AppointmentType:  model.AppointmentType(req.AppointmentType),
		Units:            req.Units,
		StorageRate:      req.StorageRate,
		InsuranceRate:    req.InsuranceRate,
		LoadingHelpRate:  req.LoadingHelpRate,
		AccessRate:       req.AccessRate,
		EstimatedMinutes: req.EstimatedMinutes,
	})
	if err != nil {
		var vErr *billing.ValidationError
		var uErr *billing.UnsupportedTypeError
		if errors.As(err, &vErr) || errors.As(err, &uErr) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to compute preview", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, preview)
}
