package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// outcomeProcessing marks a ledger row claimed by an open transaction.
const outcomeProcessing = "processing"

// ProcessedEvent is a row of the webhook idempotency ledger.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	Outcome     string
	ProcessedAt time.Time
}

// IsWebhookEventProcessed reports whether the event ID is in the ledger.
func (db *DB) IsWebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_webhook_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	return exists, err
}

// GetProcessedEvent retrieves a ledger row.
func (db *DB) GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	var e ProcessedEvent
	err := db.pool.QueryRow(ctx,
		`SELECT event_id, event_type, outcome, processed_at
		 FROM processed_webhook_events WHERE event_id = $1`,
		eventID,
	).Scan(&e.EventID, &e.EventType, &e.Outcome, &e.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// WithWebhookEvent claims eventID in the ledger and runs fn in the same
// transaction. fn returns the outcome recorded for the event. If another
// delivery already claimed the event, fn is not called and applied is false.
// Any error rolls back both the ledger row and fn's writes.
func (db *DB) WithWebhookEvent(
	ctx context.Context,
	eventID, eventType string,
	fn func(Writer) (string, error),
) (applied bool, err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Concurrent deliveries of the same event block here until the first
	// transaction finishes, then see the conflict.
	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_webhook_events (event_id, event_type, outcome)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, outcomeProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	outcome, err := fn(&txWriter{q: tx})
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE processed_webhook_events SET outcome = $2, processed_at = NOW() WHERE event_id = $1`,
		eventID, outcome,
	); err != nil {
		return false, fmt.Errorf("failed to record event outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit event: %w", err)
	}
	return true, nil
}

// DeleteProcessedEvent removes a ledger row. Test cleanup only.
func (db *DB) DeleteProcessedEvent(ctx context.Context, eventID string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM processed_webhook_events WHERE event_id = $1`,
		eventID,
	)
	return err
}
