package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxBackend is the production Backend: queued jobs land as rows in a
// Postgres table, picked up by any number of worker processes via
// SELECT ... FOR UPDATE SKIP LOCKED.
type PgxBackend struct {
	pool *pgxpool.Pool
}

// NewPgxBackend builds a PgxBackend over an already-connected pool.
func NewPgxBackend(pool *pgxpool.Pool) *PgxBackend { return &PgxBackend{pool: pool} }

func (b *PgxBackend) Enqueue(ctx context.Context, job Job) error {
	optsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("queue: marshal options: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO queue_jobs (id, name, payload, options, priority, singleton_key, start_after, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), COALESCE(NULLIF($7, 0::timestamptz), now()), $8)
		ON CONFLICT (singleton_key) WHERE singleton_key IS NOT NULL DO NOTHING
	`, job.ID, job.Name, []byte(job.Payload), optsJSON, job.Options.Priority, job.Options.SingletonKey, job.Options.StartAfter, job.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("queue: enqueue job %s: %w", job.Name, err)
	}
	return nil
}

func (b *PgxBackend) EnqueueBatch(ctx context.Context, jobs []Job) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, job := range jobs {
		optsJSON, err := json.Marshal(job.Options)
		if err != nil {
			return fmt.Errorf("queue: marshal options for %s: %w", job.Name, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_jobs (id, name, payload, options, priority, singleton_key, start_after, enqueued_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), COALESCE(NULLIF($7, 0::timestamptz), now()), $8)
			ON CONFLICT (singleton_key) WHERE singleton_key IS NOT NULL DO NOTHING
		`, job.ID, job.Name, []byte(job.Payload), optsJSON, job.Options.Priority, job.Options.SingletonKey, job.Options.StartAfter, job.EnqueuedAt); err != nil {
			return fmt.Errorf("queue: enqueue batch item %s: %w", job.Name, err)
		}
	}
	return tx.Commit(ctx)
}

// PgxEventLogDB is the production EventLogDB backing the transactional
// outbox, keyed on the row's natural content since EventLogRow carries no
// surrogate id across the interface boundary.
type PgxEventLogDB struct {
	pool *pgxpool.Pool
}

// NewPgxEventLogDB builds a PgxEventLogDB.
func NewPgxEventLogDB(pool *pgxpool.Pool) *PgxEventLogDB { return &PgxEventLogDB{pool: pool} }

func (d *PgxEventLogDB) FetchPending(ctx context.Context, limit int) ([]EventLogRow, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT event_name, payload, send_options, signature
		FROM event_log
		WHERE dispatched_at IS NULL AND parked_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: fetch pending event log rows: %w", err)
	}
	defer rows.Close()

	var out []EventLogRow
	for rows.Next() {
		var row EventLogRow
		var optsJSON []byte
		if err := rows.Scan(&row.EventName, &row.Payload, &optsJSON, &row.Signature); err != nil {
			return nil, fmt.Errorf("queue: scan event log row: %w", err)
		}
		if len(optsJSON) > 0 {
			var opts SendOptions
			if err := json.Unmarshal(optsJSON, &opts); err != nil {
				return nil, fmt.Errorf("queue: unmarshal send options: %w", err)
			}
			row.SendOptions = &opts
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *PgxEventLogDB) Delete(ctx context.Context, row EventLogRow) error {
	_, err := d.pool.Exec(ctx, `
		DELETE FROM event_log WHERE event_name = $1 AND payload = $2 AND signature = $3
	`, row.EventName, []byte(row.Payload), row.Signature)
	if err != nil {
		return fmt.Errorf("queue: delete event log row for %s: %w", row.EventName, err)
	}
	return nil
}

func (d *PgxEventLogDB) Park(ctx context.Context, row EventLogRow, reason string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE event_log SET parked_at = now(), park_reason = $4
		WHERE event_name = $1 AND payload = $2 AND signature = $3
	`, row.EventName, []byte(row.Payload), row.Signature, reason)
	if err != nil {
		return fmt.Errorf("queue: park event log row for %s: %w", row.EventName, err)
	}
	return nil
}
