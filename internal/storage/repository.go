package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stowly/billing/internal/db"
	"github.com/stowly/billing/internal/model"
)

var (
	ErrAppointmentNotFound    = errors.New("appointment not found")
	ErrDuplicateProviderEvent = errors.New("duplicate provider event")
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const appointmentColumns = `
	id, appointment_type, status, COALESCE(customer_id, ''),
	monthly_storage_rate, monthly_insurance_rate, loading_help_hourly_rate,
	number_of_units, COALESCE(insurance_coverage_label, ''), requested_unit_ids,
	service_start_time, COALESCE(invoice_id, ''), COALESCE(hosted_invoice_url, ''),
	COALESCE(subscription_id, ''), updated_at`

func (r *Repository) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	err := row.Scan(
		&a.ID, &a.Type, &a.Status, &a.CustomerID,
		&a.MonthlyStorageRate, &a.MonthlyInsuranceRate, &a.LoadingHelpHourlyRate,
		&a.NumberOfUnits, &a.InsuranceCoverageLabel, &a.RequestedUnitIDs,
		&a.ServiceStartTime, &a.InvoiceID, &a.HostedInvoiceURL,
		&a.SubscriptionID, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, ErrAppointmentNotFound
		}
		return model.Appointment{}, err
	}
	return a, nil
}

// MarkAppointmentBilled persists the completion status and invoice reference
// in one statement, guarded so an appointment already in a terminal status is
// never overwritten. Returns false when the guard rejected the update (a
// concurrent delivery won).
func (r *Repository) MarkAppointmentBilled(ctx context.Context, id, status, invoiceID, hostedURL string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    invoice_id = $3,
		    hosted_invoice_url = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ($5, $6, $7)
	`, id, status, nullIfEmpty(invoiceID), nullIfEmpty(hostedURL),
		model.StatusLoadingComplete, model.StatusAccessComplete, model.StatusStorageTermEnded)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) SetAppointmentSubscription(ctx context.Context, id, subscriptionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET subscription_id = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, nullIfEmpty(subscriptionID))
	return err
}

// ListBilledMissingSubscription returns storage-type appointments that were
// billed but never got their recurring subscription recorded. This is the
// reconciler's work queue.
func (r *Repository) ListBilledMissingSubscription(ctx context.Context, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = $1
		  AND subscription_id IS NULL
		  AND appointment_type IN ($2, $3)
		ORDER BY updated_at
		LIMIT $4
	`, model.StatusLoadingComplete, model.InitialPickup, model.AdditionalStorage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) FindActiveUsage(ctx context.Context, storageUnitID string) (model.StorageUnitUsage, bool, error) {
	var u model.StorageUnitUsage
	var endDate *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id, storage_unit_id, usage_start_date, usage_end_date, COALESCE(end_appointment_id, '')
		FROM storage_unit_usage
		WHERE storage_unit_id = $1 AND usage_end_date IS NULL
	`, storageUnitID).Scan(&u.ID, &u.StorageUnitID, &u.UsageStartDate, &endDate, &u.EndAppointmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StorageUnitUsage{}, false, nil
		}
		return model.StorageUnitUsage{}, false, err
	}
	u.UsageEndDate = endDate
	return u, true, nil
}

// CloseUsage ends the active usage record for one unit. Already-closed units
// are skipped (returns false) so webhook replays stay idempotent.
func (r *Repository) CloseUsage(ctx context.Context, storageUnitID, endAppointmentID string, endedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE storage_unit_usage
		SET usage_end_date = $2,
		    end_appointment_id = $3
		WHERE storage_unit_id = $1 AND usage_end_date IS NULL
	`, storageUnitID, endedAt, endAppointmentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

// InsertProviderEvent records a webhook delivery for idempotency. A replayed
// event id returns ErrDuplicateProviderEvent.
func (r *Repository) InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

type AuditEvent struct {
	EventType     string
	ActorType     string
	ActorID       string
	AppointmentID string
	Metadata      []byte
}

func (r *Repository) InsertAuditEvent(ctx context.Context, tx pgx.Tx, evt AuditEvent) error {
	var payload any
	if len(evt.Metadata) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(evt.Metadata, &payload); err != nil {
		return err
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO audit_events (event_type, actor_type, actor_id, appointment_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, evt.EventType, evt.ActorType, nullIfEmpty(evt.ActorID), nullIfEmpty(evt.AppointmentID), payload)
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
