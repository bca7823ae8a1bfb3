package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/stowly/billing/internal/db"
	"github.com/stowly/billing/internal/storage"
	"github.com/stowly/billing/internal/subscriptions"
)

// Reconciler self-heals appointments that were billed but never got their
// recurring subscription recorded (the subscription step is best effort at
// completion time). It looks the appointment up at the gateway first so a
// crash between gateway success and the local write never creates a second
// subscription.
type Reconciler struct {
	pool        *db.Pool
	repo        *storage.Repository
	subs        *subscriptions.Orchestrator
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	advisoryKey int64
}

type Config struct {
	Interval        time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

func New(pool *db.Pool, repo *storage.Repository, subs *subscriptions.Orchestrator, logger *slog.Logger, cfg Config) *Reconciler {
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 50
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		// Stable-ish default; override via env if you run multiple billing instances.
		lockKey = 7391002
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		pool:        pool,
		repo:        repo,
		subs:        subs,
		logger:      logger,
		interval:    interval,
		batchSize:   bs,
		advisoryKey: lockKey,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	// Best-effort leader election for multi-instance deployments.
	// Only the instance holding the advisory lock will reconcile.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("subscription reconcile: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			r.logger.Info("subscription reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		r.logger.Info("subscription reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
		break
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	r.reconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	appts, err := r.repo.ListBilledMissingSubscription(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("subscription reconcile: failed to list appointments", "err", err)
		return
	}
	if len(appts) == 0 {
		return
	}
	r.logger.Info("subscription reconcile: found appointments missing subscriptions", "count", len(appts))

	for _, appt := range appts {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(appt.CustomerID) == "" {
			r.logger.Warn("subscription reconcile: appointment has no payment account, skipping", "appointment_id", appt.ID)
			continue
		}

		// The gateway is the source of truth for whether a subscription
		// already exists for this appointment.
		existing, found, err := r.subs.FindForAppointment(ctx, appt.CustomerID, appt.ID)
		if err != nil {
			r.logger.Warn("subscription reconcile: gateway lookup failed", "err", err, "appointment_id", appt.ID)
			continue
		}

		subscriptionID := existing.ID
		if !found {
			sub, err := r.subs.CreateStorageSubscription(ctx, appt.CustomerID, appt)
			if err != nil {
				r.logger.Warn("subscription reconcile: create failed", "err", err, "appointment_id", appt.ID)
				continue
			}
			subscriptionID = sub.ID
		}

		if err := r.repo.SetAppointmentSubscription(ctx, appt.ID, subscriptionID); err != nil {
			r.logger.Warn("subscription reconcile: failed to record subscription", "err", err, "appointment_id", appt.ID, "subscription_id", subscriptionID)
			continue
		}
		r.logger.Info("subscription reconcile: repaired appointment", "appointment_id", appt.ID, "subscription_id", subscriptionID, "existing", found)
	}
}
