package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stowly/billing/internal/billing"
	"github.com/stowly/billing/internal/completion"
	"github.com/stowly/billing/internal/gateway"
	"github.com/stowly/billing/internal/httpx"
	"github.com/stowly/billing/internal/invoices"
	"github.com/stowly/billing/internal/model"
	"github.com/stowly/billing/internal/storage"
)

const webhookProvider = "delivery-task"

type Handler struct {
	repo       *storage.Repository
	completion *completion.Service
	logger     *slog.Logger
}

func New(repo *storage.Repository, svc *completion.Service, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, completion: svc, logger: logger}
}

type deliveryTaskRequest struct {
	EventID       string `json:"event_id"`
	AppointmentID string `json:"appointment_id"`
	Task          struct {
		CompletedAt string `json:"completed_at"`
	} `json:"task"`
}

// DeliveryTaskWebhook receives field-appointment completion events from the
// delivery-task system. It answers success for every best-effort failure and
// signals failure (triggering an upstream retry) only when the fatal base
// invoice path fails.
func (h *Handler) DeliveryTaskWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req deliveryTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.EventID = strings.TrimSpace(req.EventID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Task.CompletedAt = strings.TrimSpace(req.Task.CompletedAt)
	if req.EventID == "" || req.AppointmentID == "" || req.Task.CompletedAt == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	completedAt, err := time.Parse(time.RFC3339, req.Task.CompletedAt)
	if err != nil {
		http.Error(w, "invalid task.completed_at", http.StatusBadRequest)
		return
	}

	h.logger.Info("delivery task completion received",
		"provider", webhookProvider,
		"provider_event_id", req.EventID,
		"appointment_id", req.AppointmentID,
		"completed_at", completedAt.UTC().Format(time.RFC3339),
	)

	duplicate, err := h.recordDelivery(r.Context(), r, req.EventID, req.AppointmentID, body)
	if err != nil {
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}
	if duplicate {
		// A replayed event id is only safe to skip once the appointment is
		// terminally billed; a replay after a fatal failure must reprocess.
		appt, err := h.repo.GetAppointment(r.Context(), req.AppointmentID)
		if err == nil && model.IsTerminalStatus(appt.Status) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		h.logger.Info("duplicate delivery event for unbilled appointment, reprocessing",
			"provider_event_id", req.EventID, "appointment_id", req.AppointmentID)
	}

	res, err := h.completion.ProcessCompletion(r.Context(), req.AppointmentID, completion.CompletionDetails{
		EventID:     req.EventID,
		CompletedAt: completedAt.UTC(),
	})
	if err != nil {
		h.writeCompletionError(w, req, res, err)
		return
	}

	if res.AlreadyProcessed {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_processed", "result": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
}

// recordDelivery stores the provider event and an audit record in one
// transaction. Returns true when the event id was seen before.
func (h *Handler) recordDelivery(ctx context.Context, r *http.Request, eventID, appointmentID string, payload []byte) (bool, error) {
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.repo.InsertProviderEvent(ctx, tx, storage.ProviderEvent{
		Provider:        webhookProvider,
		ProviderEventID: eventID,
		EventType:       "task.completed",
		Payload:         payload,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			_ = tx.Commit(ctx)
			return true, nil
		}
		return false, err
	}

	if err := h.recordAudit(ctx, tx, r, "billing.webhook.delivery_task.received", appointmentID, map[string]any{
		"provider":          webhookProvider,
		"provider_event_id": eventID,
	}); err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

// writeCompletionError maps the fatal-path error taxonomy onto HTTP statuses.
// Retryable gateway failures answer 502 so the upstream retries; a declined
// card answers 402 because a retry cannot help without customer action.
func (h *Handler) writeCompletionError(w http.ResponseWriter, req deliveryTaskRequest, res completion.Result, err error) {
	h.logger.Error("completion processing failed",
		"provider_event_id", req.EventID,
		"appointment_id", req.AppointmentID,
		"err", err,
	)

	var vErr *billing.ValidationError
	var uErr *billing.UnsupportedTypeError
	switch {
	case errors.Is(err, storage.ErrAppointmentNotFound):
		http.Error(w, "appointment not found", http.StatusNotFound)
	case errors.Is(err, invoices.ErrMissingPaymentAccount):
		http.Error(w, "no payment account on file", http.StatusUnprocessableEntity)
	case errors.As(err, &vErr), errors.As(err, &uErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case gateway.IsDeclined(err):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{"status": "payment_declined", "result": res})
	case gateway.IsNotFound(err):
		http.Error(w, "payment account not found at gateway", http.StatusUnprocessableEntity)
	case gateway.IsRetryable(err):
		// Gateway timeout or outage: let the upstream deliver again.
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": "retry", "result": res})
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) recordAudit(ctx context.Context, tx pgx.Tx, r *http.Request, eventType, appointmentID string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if reqID := httpx.RequestIDFromContext(r.Context()); reqID != "" {
		metadata["request_id"] = reqID
	}
	raw, _ := json.Marshal(metadata)
	return h.repo.InsertAuditEvent(ctx, tx, storage.AuditEvent{
		EventType:     eventType,
		ActorType:     "provider",
		AppointmentID: appointmentID,
		Metadata:      raw,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
