package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stowly/billing/internal/billing"
)

func testHandler() *Handler {
	return New(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPreview_InitialPickup(t *testing.T) {
	h := testHandler()
	body := `{
		"appointment_type": "initial_pickup",
		"units": 2,
		"monthly_storage_rate": 100,
		"monthly_insurance_rate": 15,
		"loading_help_hourly_rate": 189,
		"estimated_minutes": 90
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/preview", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Preview(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var preview billing.Preview
	if err := json.Unmarshal(rr.Body.Bytes(), &preview); err != nil {
		t.Fatalf("invalid response json: %v", err)
	}
	// 200 storage + 30 insurance + 283.5 loading help
	if math.Abs(preview.Total-513.5) > 1e-9 {
		t.Fatalf("expected total 513.5, got %v", preview.Total)
	}
	if len(preview.Lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(preview.Lines))
	}
}

func TestPreview_MethodNotAllowed(t *testing.T) {
	h := testHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/preview", nil)
	rr := httptest.NewRecorder()
	h.Preview(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestPreview_InvalidBody(t *testing.T) {
	h := testHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/preview", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.Preview(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestPreview_ValidationFailure(t *testing.T) {
	h := testHandler()
	body := `{"appointment_type": "initial_pickup", "units": 0}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/preview", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Preview(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPreview_UnknownType(t *testing.T) {
	h := testHandler()
	body := `{"appointment_type": "van_rental"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/preview", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Preview(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
