package shard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDB is the production DB backing Ledger, persisting shards,
// reservations, and slot occupancy to the multitenant control database.
type PgxDB struct {
	pool *pgxpool.Pool
}

// NewPgxDB builds a PgxDB over an already-connected pool.
func NewPgxDB(pool *pgxpool.Pool) *PgxDB { return &PgxDB{pool: pool} }

func (d *PgxDB) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("shard: begin tx: %w", err)
	}
	return &pgxShardTx{tx: tx}, nil
}

type pgxShardTx struct {
	tx pgx.Tx
}

// resourceLockKey derives a stable 64-bit advisory lock key from a
// canonical resource id, since pg_advisory_xact_lock takes a bigint.
func resourceLockKey(resourceID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(resourceID))
	return int64(binary.BigEndian.Uint64(h.Sum(nil)))
}

func (t *pgxShardTx) AdvisoryLock(ctx context.Context, resourceID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, resourceLockKey(resourceID)); err != nil {
		return fmt.Errorf("shard: advisory lock on %s: %w", resourceID, err)
	}
	return nil
}

func (t *pgxShardTx) GetShardByKind(ctx context.Context, kind, shardKey string) (*Shard, error) {
	var s Shard
	err := t.tx.QueryRow(ctx, `
		SELECT id, kind, shard_key, capacity, next_slot, active
		FROM shards WHERE kind = $1 AND shard_key = $2
	`, kind, shardKey).Scan(&s.ID, &s.Kind, &s.ShardKey, &s.Capacity, &s.NextSlot, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shard: get shard %s/%s: %w", kind, shardKey, err)
	}
	return &s, nil
}

func (t *pgxShardTx) InsertShard(ctx context.Context, s Shard) (*Shard, error) {
	s.ID = uuid.NewString()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO shards (id, kind, shard_key, capacity, next_slot, active)
		VALUES ($1, $2, $3, $4, 0, $5)
	`, s.ID, s.Kind, s.ShardKey, s.Capacity, s.Active)
	if err != nil {
		return nil, fmt.Errorf("shard: insert shard %s/%s: %w", s.Kind, s.ShardKey, err)
	}
	return &s, nil
}

func (t *pgxShardTx) SelectLeastLoadedShard(ctx context.Context, kind string) (*Shard, error) {
	var s Shard
	err := t.tx.QueryRow(ctx, `
		SELECT s.id, s.kind, s.shard_key, s.capacity, s.next_slot, s.active
		FROM shards s
		WHERE s.kind = $1 AND s.active
		  AND (SELECT count(*) FROM shard_slots sl WHERE sl.shard_id = s.id) < s.capacity
		ORDER BY (s.capacity - (SELECT count(*) FROM shard_slots sl WHERE sl.shard_id = s.id)) DESC
		FOR UPDATE OF s
		LIMIT 1
	`, kind).Scan(&s.ID, &s.Kind, &s.ShardKey, &s.Capacity, &s.NextSlot, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shard: select least loaded shard of kind %s: %w", kind, err)
	}
	return &s, nil
}

func (t *pgxShardTx) IncrementNextSlot(ctx context.Context, shardID string) (int, error) {
	var slot int
	err := t.tx.QueryRow(ctx, `
		UPDATE shards SET next_slot = next_slot + 1 WHERE id = $1 RETURNING next_slot - 1
	`, shardID).Scan(&slot)
	if err != nil {
		return 0, fmt.Errorf("shard: increment next slot for %s: %w", shardID, err)
	}
	return slot, nil
}

func (t *pgxShardTx) InsertSlot(ctx context.Context, shardID string, slotNo int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO shard_slots (shard_id, slot_no) VALUES ($1, $2)
		ON CONFLICT (shard_id, slot_no) DO NOTHING
	`, shardID, slotNo)
	if err != nil {
		return fmt.Errorf("shard: insert slot %s/%d: %w", shardID, slotNo, err)
	}
	return nil
}

func (t *pgxShardTx) GetReservationByResource(ctx context.Context, resource string) (*Reservation, error) {
	return t.scanReservation(ctx, `
		SELECT id, shard_id, shard_key, slot_no, kind, tenant_id, bucket_name, logical_name, resource, status, lease_expires_at
		FROM shard_reservations WHERE resource = $1
	`, resource)
}

func (t *pgxShardTx) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	return t.scanReservation(ctx, `
		SELECT id, shard_id, shard_key, slot_no, kind, tenant_id, bucket_name, logical_name, resource, status, lease_expires_at
		FROM shard_reservations WHERE id = $1
	`, id)
}

func (t *pgxShardTx) scanReservation(ctx context.Context, query string, arg any) (*Reservation, error) {
	var r Reservation
	var status string
	err := t.tx.QueryRow(ctx, query, arg).Scan(
		&r.ID, &r.ShardID, &r.ShardKey, &r.SlotNo, &r.Kind, &r.TenantID, &r.BucketName, &r.LogicalName,
		&r.Resource, &status, &r.LeaseExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shard: scan reservation: %w", err)
	}
	r.Status = Status(status)
	return &r, nil
}

func (t *pgxShardTx) DeleteStaleReservationsForSlot(ctx context.Context, shardID string, slotNo int) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM shard_reservations
		WHERE shard_id = $1 AND slot_no = $2 AND status IN ('cancelled', 'expired')
	`, shardID, slotNo)
	if err != nil {
		return fmt.Errorf("shard: delete stale reservations for %s/%d: %w", shardID, slotNo, err)
	}
	return nil
}

func (t *pgxShardTx) InsertReservation(ctx context.Context, r Reservation) (*Reservation, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO shard_reservations
			(id, shard_id, shard_key, slot_no, kind, tenant_id, bucket_name, logical_name, resource, status, lease_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.ShardID, r.ShardKey, r.SlotNo, r.Kind, r.TenantID, r.BucketName, r.LogicalName, r.Resource, string(r.Status), r.LeaseExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("shard: insert reservation for %s: %w", r.Resource, err)
	}
	return &r, nil
}

func (t *pgxShardTx) UpdateReservationStatus(ctx context.Context, id string, status Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE shard_reservations SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("shard: update reservation status %s: %w", id, err)
	}
	return nil
}

func (t *pgxShardTx) FreeSlot(ctx context.Context, shardID string, slotNo int) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM shard_slots WHERE shard_id = $1 AND slot_no = $2`, shardID, slotNo)
	if err != nil {
		return fmt.Errorf("shard: free slot %s/%d: %w", shardID, slotNo, err)
	}
	return nil
}

func (t *pgxShardTx) FindShardByResourceID(ctx context.Context, resource string) (*Shard, error) {
	var s Shard
	err := t.tx.QueryRow(ctx, `
		SELECT s.id, s.kind, s.shard_key, s.capacity, s.next_slot, s.active
		FROM shards s JOIN shard_reservations r ON r.shard_id = s.id
		WHERE r.resource = $1
	`, resource).Scan(&s.ID, &s.Kind, &s.ShardKey, &s.Capacity, &s.NextSlot, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shard: find shard by resource %s: %w", resource, err)
	}
	return &s, nil
}

func (t *pgxShardTx) MarkExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE shard_reservations SET status = 'expired'
		WHERE status = 'pending' AND lease_expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("shard: mark expired leases: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		if _, err := t.tx.Exec(ctx, `
			DELETE FROM shard_slots sl
			USING shard_reservations r
			WHERE r.shard_id = sl.shard_id AND r.slot_no = sl.slot_no AND r.status = 'expired'
		`); err != nil {
			return 0, fmt.Errorf("shard: free slots for expired leases: %w", err)
		}
	}
	return n, nil
}

func (t *pgxShardTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxShardTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
