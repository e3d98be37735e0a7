// package stream fans ledger appends out to Kafka and S3. The database is
// the source of truth: every append writes a pending outbox row in the same
// transaction, and the streamer drains those rows in the background, marking
// success or failure per row so retries survive restarts.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amplifyworks/growth-engine/internal/canonical"
)

// Envelope is one outbox row awaiting streaming.
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	TS        time.Time       `json:"ts"`
	Attempts  int             `json:"-"`
}

// CanonicalBytes returns the deterministic byte form of the envelope used
// both as the Kafka message value and the archived S3 object body.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	payload, err := canonical.CanonicalizeRaw(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical.MarshalCanonical(map[string]interface{}{
		"id":        e.ID,
		"eventType": e.EventType,
		"payload":   json.RawMessage(payload),
		"ts":        e.TS.Format(time.RFC3339Nano),
	})
}

// Queue is the claim/ack surface the streamer drains. PGQueue implements it
// against the analytics_outbox table.
type Queue interface {
	FetchPending(ctx context.Context, limit int) ([]Envelope, error)
	MarkResult(ctx context.Context, id string, archivedKey string, ok bool, failure string) error
}

type PGQueue struct {
	db *sql.DB
}

func NewPGQueue(db *sql.DB) *PGQueue {
	return &PGQueue{db: db}
}

// FetchPending claims up to limit pending rows, flipping them to in_progress
// so concurrent streamer instances never double-deliver. SKIP LOCKED keeps
// claimers from blocking each other.
func (q *PGQueue) FetchPending(ctx context.Context, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const claimQuery = `
		UPDATE analytics_outbox
		SET stream_status='in_progress', attempts=attempts+1, updated_at=NOW()
		WHERE id IN (
			SELECT id FROM analytics_outbox
			WHERE stream_status='pending'
			ORDER BY ts
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, event_type, payload, ts, attempts
	`
	rows, err := tx.QueryContext(ctx, claimQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	defer rows.Close()

	var envelopes []Envelope
	for rows.Next() {
		var (
			env     Envelope
			payload []byte
		)
		if err := rows.Scan(&env.ID, &env.EventType, &payload, &env.TS, &env.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		env.Payload = append(json.RawMessage(nil), payload...)
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return envelopes, nil
}

// MarkResult records the outcome of one delivery attempt. Failures go back to
// pending so the next poll retries them.
func (q *PGQueue) MarkResult(ctx context.Context, id string, archivedKey string, ok bool, failure string) error {
	status := "streamed"
	if !ok {
		status = "pending"
	}
	const query = `
		UPDATE analytics_outbox
		SET stream_status=$2,
		    archived_key=NULLIF($3,''),
		    last_error=NULLIF($4,''),
		    updated_at=NOW()
		WHERE id=$1
	`
	res, err := q.db.ExecContext(ctx, query, id, status, archivedKey, failure)
	if err != nil {
		return fmt.Errorf("mark outbox result: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("outbox row %s not found", id)
	}
	return nil
}
