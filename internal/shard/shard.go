// Package shard implements component J: the capacity-bounded shard
// reservation ledger. A canonical resource id ("<kind>::<bucketName>::
// <logicalName>") reserves one slot on the least-loaded active shard of
// its kind, under a transaction and an advisory lock on that id.
package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

const defaultLeaseMs = 60000

// Status is a reservation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Shard is a capacity-bounded placement target.
type Shard struct {
	ID       string
	Kind     string
	ShardKey string
	Capacity int
	NextSlot int
	Active   bool
}

// Reservation is a single slot held on a shard on behalf of a resource.
type Reservation struct {
	ID             string
	ShardID        string
	ShardKey       string
	SlotNo         int
	Kind           string
	TenantID       string
	BucketName     string
	LogicalName    string
	Resource       string
	Status         Status
	LeaseExpiresAt time.Time
}

// ReserveOptions parameterizes Reserve.
type ReserveOptions struct {
	Kind        string
	TenantID    string
	BucketName  string
	LogicalName string
	LeaseMs     int64
}

// resourceID builds the canonical resource id from Reserve's inputs.
func (o ReserveOptions) resourceID() string {
	return fmt.Sprintf("%s::%s::%s", o.Kind, o.BucketName, o.LogicalName)
}

// DB is the catalog-DB backend driving the ledger. Every method runs
// inside the transaction the caller already holds; Ledger is responsible
// for the advisory lock and commit/rollback around it.
type DB interface {
	// Tx opens a new transaction-scoped operation set. The returned Tx
	// is released by Commit or Rollback.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a single transaction's worth of ledger operations.
type Tx interface {
	AdvisoryLock(ctx context.Context, resourceID string) error
	GetShardByKind(ctx context.Context, kind, shardKey string) (*Shard, error)
	InsertShard(ctx context.Context, s Shard) (*Shard, error)
	SelectLeastLoadedShard(ctx context.Context, kind string) (*Shard, error) // FOR UPDATE
	IncrementNextSlot(ctx context.Context, shardID string) (int, error)
	InsertSlot(ctx context.Context, shardID string, slotNo int) error
	GetReservationByResource(ctx context.Context, resource string) (*Reservation, error)
	DeleteStaleReservationsForSlot(ctx context.Context, shardID string, slotNo int) error
	InsertReservation(ctx context.Context, r Reservation) (*Reservation, error)
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	UpdateReservationStatus(ctx context.Context, id string, status Status) error
	FreeSlot(ctx context.Context, shardID string, slotNo int) error
	FindShardByResourceID(ctx context.Context, resource string) (*Shard, error)
	MarkExpiredLeases(ctx context.Context, now time.Time) (int, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Ledger is the component J shard reservation ledger.
type Ledger struct {
	db      DB
	metrics *obs.Collector
}

// Options configures a Ledger. Metrics is optional.
type Options struct {
	DB      DB
	Metrics *obs.Collector
}

// New builds a Ledger.
func New(opts Options) *Ledger { return &Ledger{db: opts.DB, metrics: opts.Metrics} }

func (l *Ledger) observeError(kind string) {
	if l.metrics != nil {
		l.metrics.ShardReservationErrors.WithLabelValues(kind).Inc()
	}
}

func (l *Ledger) observeActiveDelta(delta float64) {
	if l.metrics != nil {
		l.metrics.ShardReservationsActive.Add(delta)
	}
}

// CreateShard is idempotent on (kind, shardKey).
func (l *Ledger) CreateShard(ctx context.Context, kind, shardKey string, capacity int, active bool) (*Shard, error) {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	existing, err := tx.GetShardByKind(ctx, kind, shardKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, tx.Commit(ctx)
	}

	created, err := tx.InsertShard(ctx, Shard{Kind: kind, ShardKey: shardKey, Capacity: capacity, Active: active})
	if err != nil {
		return nil, err
	}
	return created, tx.Commit(ctx)
}

// Reserve reserves one slot for the canonical resource id derived from
// opts, on the least-loaded active shard of opts.Kind.
func (l *Ledger) Reserve(ctx context.Context, opts ReserveOptions) (*Reservation, error) {
	resource := opts.resourceID()
	leaseMs := opts.LeaseMs
	if leaseMs <= 0 {
		leaseMs = defaultLeaseMs
	}

	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := tx.AdvisoryLock(ctx, resource); err != nil {
		return nil, err
	}

	if existing, err := tx.GetReservationByResource(ctx, resource); err != nil {
		return nil, err
	} else if existing != nil {
		switch existing.Status {
		case StatusPending, StatusConfirmed:
			return existing, tx.Commit(ctx)
		case StatusCancelled, StatusExpired:
			if err := tx.FreeSlot(ctx, existing.ShardID, existing.SlotNo); err != nil {
				return nil, err
			}
		}
	}

	shard, err := tx.SelectLeastLoadedShard(ctx, opts.Kind)
	if err != nil {
		return nil, err
	}
	if shard == nil {
		l.observeError("no_active_shard")
		return nil, svcerr.ErrNoActiveShard
	}

	slotNo, err := tx.IncrementNextSlot(ctx, shard.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertSlot(ctx, shard.ID, slotNo); err != nil {
		return nil, err
	}
	if err := tx.DeleteStaleReservationsForSlot(ctx, shard.ID, slotNo); err != nil {
		return nil, err
	}

	reservation := Reservation{
		ID: uuid.NewString(), ShardID: shard.ID, ShardKey: shard.ShardKey, SlotNo: slotNo,
		Kind: opts.Kind, TenantID: opts.TenantID, BucketName: opts.BucketName, LogicalName: opts.LogicalName,
		Resource: resource, Status: StatusPending, LeaseExpiresAt: time.Now().Add(time.Duration(leaseMs) * time.Millisecond),
	}
	created, err := tx.InsertReservation(ctx, reservation)
	if err != nil {
		// A uniqueness conflict on (resource) means a concurrent caller
		// won the race; re-read and return their reservation.
		if racer, readErr := tx.GetReservationByResource(ctx, resource); readErr == nil && racer != nil {
			return racer, tx.Commit(ctx)
		}
		return nil, err
	}
	l.observeActiveDelta(1)
	return created, tx.Commit(ctx)
}

// Confirm transitions reservationID from pending to confirmed, iff it is
// still pending and its lease has not expired.
func (l *Ledger) Confirm(ctx context.Context, reservationID, resource string) error {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r == nil {
		l.observeError("not_found")
		return svcerr.ErrReservationNotFound
	}
	if r.Status != StatusPending {
		l.observeError("invalid_status")
		return svcerr.ErrInvalidReservationStatus
	}
	if time.Now().After(r.LeaseExpiresAt) {
		if err := tx.FreeSlot(ctx, r.ShardID, r.SlotNo); err != nil {
			return err
		}
		if err := tx.UpdateReservationStatus(ctx, reservationID, StatusExpired); err != nil {
			return err
		}
		if cErr := tx.Commit(ctx); cErr != nil {
			return cErr
		}
		l.observeError("expired")
		l.observeActiveDelta(-1)
		return svcerr.ErrExpiredReservation
	}

	if err := tx.UpdateReservationStatus(ctx, reservationID, StatusConfirmed); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Cancel idempotently transitions a pending reservation to cancelled. A
// missing reservation is a no-op.
func (l *Ledger) Cancel(ctx context.Context, reservationID string) error {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r == nil || r.Status != StatusPending {
		return tx.Commit(ctx)
	}
	if err := tx.UpdateReservationStatus(ctx, reservationID, StatusCancelled); err != nil {
		return err
	}
	if cErr := tx.Commit(ctx); cErr != nil {
		return cErr
	}
	l.observeActiveDelta(-1)
	return nil
}

// ExpireLeases marks every pending reservation past its lease as
// expired, returning the count affected.
func (l *Ledger) ExpireLeases(ctx context.Context) (int, error) {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	n, err := tx.MarkExpiredLeases(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if cErr := tx.Commit(ctx); cErr != nil {
		return 0, cErr
	}
	if n > 0 {
		l.observeActiveDelta(-float64(n))
	}
	return n, nil
}

// FreeByLocation releases a slot identified by (shardID, slotNo).
// Autocommit: it runs in its own transaction.
func (l *Ledger) FreeByLocation(ctx context.Context, shardID string, slotNo int) error {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.FreeSlot(ctx, shardID, slotNo); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FreeByResource releases the slot held by a canonical resource id.
func (l *Ledger) FreeByResource(ctx context.Context, shardID, resource string) error {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	r, err := tx.GetReservationByResource(ctx, resource)
	if err != nil {
		return err
	}
	if r == nil {
		return tx.Commit(ctx)
	}
	if err := tx.FreeSlot(ctx, shardID, r.SlotNo); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindShardByResourceID looks up the shard backing a canonical resource id.
func (l *Ledger) FindShardByResourceID(ctx context.Context, resource string) (*Shard, error) {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	shard, err := tx.FindShardByResourceID(ctx, resource)
	if err != nil {
		return nil, err
	}
	return shard, tx.Commit(ctx)
}
