package outbox

import (
	"context"

	"github.com/stowly/billing/internal/db"
)

// Emitter writes a single outbox event in its own transaction. It exists for
// callers that are not already inside a database transaction (the completion
// flow talks to the payment gateway between writes, so it cannot hold one).
type Emitter struct {
	pool *db.Pool
	repo *Repository
}

func NewEmitter(pool *db.Pool, repo *Repository) *Emitter {
	return &Emitter{pool: pool, repo: repo}
}

func (e *Emitter) Emit(ctx context.Context, evt Event) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := e.repo.Insert(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
