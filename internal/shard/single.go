package shard

import (
	"context"

	"github.com/google/uuid"
)

// SingleShard is the degenerate Ledger for single-tenant deployments with
// no physical sharding: it pretends one shard of unbounded capacity is
// always available and never persists reservation state. Reserve always
// succeeds; Confirm/Cancel/ExpireLeases are no-ops.
type SingleShard struct {
	ShardID string
}

// NewSingleShard builds a SingleShard. shardID defaults to "single" if empty.
func NewSingleShard(shardID string) *SingleShard {
	if shardID == "" {
		shardID = "single"
	}
	return &SingleShard{ShardID: shardID}
}

func (s *SingleShard) CreateShard(ctx context.Context, kind, shardKey string, capacity int, active bool) (*Shard, error) {
	return &Shard{ID: s.ShardID, Kind: kind, ShardKey: s.ShardID, Capacity: capacity, Active: true}, nil
}

func (s *SingleShard) Reserve(ctx context.Context, opts ReserveOptions) (*Reservation, error) {
	return &Reservation{
		ID: uuid.NewString(), ShardID: s.ShardID, ShardKey: s.ShardID, SlotNo: 0,
		Kind: opts.Kind, TenantID: opts.TenantID, BucketName: opts.BucketName, LogicalName: opts.LogicalName,
		Resource: opts.resourceID(), Status: StatusConfirmed,
	}, nil
}

func (s *SingleShard) Confirm(ctx context.Context, reservationID, resource string) error { return nil }

func (s *SingleShard) Cancel(ctx context.Context, reservationID string) error { return nil }

func (s *SingleShard) ExpireLeases(ctx context.Context) (int, error) { return 0, nil }

func (s *SingleShard) FreeByLocation(ctx context.Context, shardID string, slotNo int) error {
	return nil
}

func (s *SingleShard) FreeByResource(ctx context.Context, shardID, resource string) error {
	return nil
}

func (s *SingleShard) FindShardByResourceID(ctx context.Context, resource string) (*Shard, error) {
	return &Shard{ID: s.ShardID, ShardKey: s.ShardID, Active: true}, nil
}
