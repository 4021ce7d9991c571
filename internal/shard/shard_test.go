package shard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

// fakeDB is an in-memory DB/Tx implementation for exercising Ledger
// without a real Postgres connection. mu guards the maps against
// concurrent fakeTx access; unlike a real advisory lock it is only held
// per-method, not for a transaction's whole lifetime, so concurrent
// Reserve calls on the same resource can genuinely race into
// InsertReservation the way two separate Postgres connections would if
// the advisory lock were ever lost or skipped.
type fakeDB struct {
	mu           sync.Mutex
	shards       map[string]*Shard // keyed by id
	reservations map[string]*Reservation
	slots        map[string]map[int]bool // shardID -> slotNo -> occupied
	locks        map[string]bool
	nextShardID  int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		shards:       map[string]*Shard{},
		reservations: map[string]*Reservation{},
		slots:        map[string]map[int]bool{},
		locks:        map[string]bool{},
	}
}

type fakeTx struct {
	db *fakeDB
}

func (db *fakeDB) BeginTx(ctx context.Context) (Tx, error) { return &fakeTx{db: db}, nil }

func (t *fakeTx) AdvisoryLock(ctx context.Context, resourceID string) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.locks[resourceID] = true
	return nil
}

func (t *fakeTx) GetShardByKind(ctx context.Context, kind, shardKey string) (*Shard, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, s := range t.db.shards {
		if s.Kind == kind && s.ShardKey == shardKey {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) InsertShard(ctx context.Context, s Shard) (*Shard, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.nextShardID++
	s.ID = uuid.NewString()
	t.db.shards[s.ID] = &s
	t.db.slots[s.ID] = map[int]bool{}
	cp := s
	return &cp, nil
}

func (t *fakeTx) SelectLeastLoadedShard(ctx context.Context, kind string) (*Shard, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	var best *Shard
	bestFree := -1
	ids := make([]string, 0, len(t.db.shards))
	for id := range t.db.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := t.db.shards[id]
		if s.Kind != kind || !s.Active {
			continue
		}
		used := 0
		for _, occupied := range t.db.slots[s.ID] {
			if occupied {
				used++
			}
		}
		free := s.Capacity - used
		if free <= 0 {
			continue
		}
		if free > bestFree {
			bestFree = free
			cp := *s
			best = &cp
		}
	}
	return best, nil
}

func (t *fakeTx) IncrementNextSlot(ctx context.Context, shardID string) (int, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	s := t.db.shards[shardID]
	slot := s.NextSlot
	s.NextSlot++
	return slot, nil
}

func (t *fakeTx) InsertSlot(ctx context.Context, shardID string, slotNo int) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.slots[shardID][slotNo] = true
	return nil
}

func (t *fakeTx) GetReservationByResource(ctx context.Context, resource string) (*Reservation, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, r := range t.db.reservations {
		if r.Resource == resource {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) DeleteStaleReservationsForSlot(ctx context.Context, shardID string, slotNo int) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for id, r := range t.db.reservations {
		if r.ShardID == shardID && r.SlotNo == slotNo && (r.Status == StatusCancelled || r.Status == StatusExpired) {
			delete(t.db.reservations, id)
		}
	}
	return nil
}

func (t *fakeTx) InsertReservation(ctx context.Context, r Reservation) (*Reservation, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, existing := range t.db.reservations {
		if existing.Resource == r.Resource {
			return nil, errors.New("unique violation on resource")
		}
	}
	t.db.reservations[r.ID] = &r
	cp := r
	return &cp, nil
}

func (t *fakeTx) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	r, ok := t.db.reservations[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (t *fakeTx) UpdateReservationStatus(ctx context.Context, id string, status Status) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	r, ok := t.db.reservations[id]
	if !ok {
		return errors.New("reservation not found")
	}
	r.Status = status
	return nil
}

func (t *fakeTx) FreeSlot(ctx context.Context, shardID string, slotNo int) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if m, ok := t.db.slots[shardID]; ok {
		delete(m, slotNo)
	}
	return nil
}

func (t *fakeTx) FindShardByResourceID(ctx context.Context, resource string) (*Shard, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, r := range t.db.reservations {
		if r.Resource == resource {
			s := t.db.shards[r.ShardID]
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) MarkExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	n := 0
	for id, r := range t.db.reservations {
		if r.Status == StatusPending && now.After(r.LeaseExpiresAt) {
			r.Status = StatusExpired
			delete(t.db.slots[r.ShardID], r.SlotNo)
			t.db.reservations[id] = r
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) Commit(ctx context.Context) error   { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

func TestCreateShardIsIdempotent(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()

	first, err := l.CreateShard(ctx, "bucket", "shard-a", 10, true)
	if err != nil {
		t.Fatalf("CreateShard: %v", err)
	}
	second, err := l.CreateShard(ctx, "bucket", "shard-a", 999, true)
	if err != nil {
		t.Fatalf("CreateShard (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected idempotent create to return the same shard, got %s and %s", first.ID, second.ID)
	}
	if second.Capacity != 10 {
		t.Fatalf("expected repeat create to ignore the new capacity, got %d", second.Capacity)
	}
}

func TestReservePicksLeastLoadedShard(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()

	full, _ := l.CreateShard(ctx, "bucket", "full", 1, true)
	roomy, _ := l.CreateShard(ctx, "bucket", "roomy", 10, true)

	// Fill the "full" shard's single slot.
	if _, err := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"}); err != nil {
		t.Fatalf("Reserve (fill full): %v", err)
	}

	r, err := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "y"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if r.ShardID != roomy.ID {
		t.Fatalf("expected reservation on the roomier shard %s, got %s (full shard was %s)", roomy.ID, r.ShardID, full.ID)
	}
}

func TestReserveIsIdempotentOnResource(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "a", 10, true)

	opts := ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "same"}
	first, err := l.Reserve(ctx, opts)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	second, err := l.Reserve(ctx, opts)
	if err != nil {
		t.Fatalf("Reserve (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected repeat reserve on the same resource to return the same reservation")
	}
}

func TestReserveConcurrentCallsOnSameResourceConverge(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "a", 10, true)

	opts := ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "same"}

	const callers = 10
	results := make([]*Reservation, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			results[i], errs[i] = l.Reserve(ctx, opts)
		}(i)
	}
	start.Done()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Reserve (goroutine %d): %v", i, err)
		}
	}
	for _, r := range results[1:] {
		if r.ID != results[0].ID {
			t.Fatalf("expected every concurrent caller to converge on one reservation, got %s and %s", results[0].ID, r.ID)
		}
	}
}

func TestReserveReturnsErrNoActiveShardWhenFull(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "only", 1, true)

	if _, err := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "y"})
	if !errors.Is(err, svcerr.ErrNoActiveShard) {
		t.Fatalf("expected ErrNoActiveShard, got %v", err)
	}
}

func TestConfirmTransitionsPendingToConfirmed(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "a", 10, true)

	r, _ := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"})
	if err := l.Confirm(ctx, r.ID, r.Resource); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if db.reservations[r.ID].Status != StatusConfirmed {
		t.Fatalf("expected reservation to be confirmed, got %s", db.reservations[r.ID].Status)
	}
}

func TestConfirmMissingReservation(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	if err := l.Confirm(context.Background(), "missing", "r"); !errors.Is(err, svcerr.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestConfirmRejectsAlreadyConfirmed(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "a", 10, true)
	r, _ := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"})
	l.Confirm(ctx, r.ID, r.Resource)

	if err := l.Confirm(ctx, r.ID, r.Resource); !errors.Is(err, svcerr.ErrInvalidReservationStatus) {
		t.Fatalf("expected ErrInvalidReservationStatus, got %v", err)
	}
}

func TestConfirmExpiredLeaseFreesSlotAndReturnsError(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "a", 10, true)
	r, _ := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x", LeaseMs: 1})

	time.Sleep(5 * time.Millisecond)
	err := l.Confirm(ctx, r.ID, r.Resource)
	if !errors.Is(err, svcerr.ErrExpiredReservation) {
		t.Fatalf("expected ErrExpiredReservation, got %v", err)
	}
	if db.reservations[r.ID].Status != StatusExpired {
		t.Fatalf("expected reservation marked expired, got %s", db.reservations[r.ID].Status)
	}
	if db.slots[r.ShardID][r.SlotNo] {
		t.Fatalf("expected slot to be freed after expiry")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "a", 10, true)
	r, _ := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"})

	if err := l.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := l.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel (repeat): %v", err)
	}
	if err := l.Cancel(ctx, "never-existed"); err != nil {
		t.Fatalf("Cancel (missing): %v", err)
	}
	if db.reservations[r.ID].Status != StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", db.reservations[r.ID].Status)
	}
}

func TestCancelledSlotIsReusedOnNextReserve(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "only", 1, true)

	r, _ := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"})
	if err := l.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	r2, err := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "y"})
	if err != nil {
		t.Fatalf("Reserve after cancel should succeed once the slot is freed: %v", err)
	}
	if r2.ShardID != r.ShardID {
		t.Fatalf("expected the freed shard to be reused")
	}
}

func TestExpireLeasesMarksAndFreesStalePending(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "a", 10, true)
	r, _ := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x", LeaseMs: 1})
	time.Sleep(5 * time.Millisecond)

	n, err := l.ExpireLeases(ctx)
	if err != nil {
		t.Fatalf("ExpireLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired reservation, got %d", n)
	}
	if db.reservations[r.ID].Status != StatusExpired {
		t.Fatalf("expected reservation marked expired")
	}
}

func TestFreeByResourceReleasesSlot(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	l.CreateShard(ctx, "bucket", "only", 1, true)
	r, _ := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"})

	if err := l.FreeByResource(ctx, r.ShardID, r.Resource); err != nil {
		t.Fatalf("FreeByResource: %v", err)
	}
	if db.slots[r.ShardID][r.SlotNo] {
		t.Fatalf("expected slot to be freed")
	}

	if _, err := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "y"}); err != nil {
		t.Fatalf("Reserve after free should succeed: %v", err)
	}
}

func TestFindShardByResourceID(t *testing.T) {
	db := newFakeDB()
	l := New(Options{DB: db})
	ctx := context.Background()
	shard, _ := l.CreateShard(ctx, "bucket", "a", 10, true)
	r, _ := l.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"})

	found, err := l.FindShardByResourceID(ctx, r.Resource)
	if err != nil {
		t.Fatalf("FindShardByResourceID: %v", err)
	}
	if found == nil || found.ID != shard.ID {
		t.Fatalf("expected to find shard %s, got %+v", shard.ID, found)
	}

	missing, err := l.FindShardByResourceID(ctx, "bucket::other::z")
	if err != nil {
		t.Fatalf("FindShardByResourceID (missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for an unreserved resource, got %+v", missing)
	}
}

func TestSingleShardAlwaysReservesAndConfirms(t *testing.T) {
	s := NewSingleShard("")
	ctx := context.Background()

	r, err := s.Reserve(ctx, ReserveOptions{Kind: "bucket", BucketName: "b", LogicalName: "x"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if r.Status != StatusConfirmed {
		t.Fatalf("expected single-shard reservations to start confirmed, got %s", r.Status)
	}
	if err := s.Confirm(ctx, r.ID, r.Resource); err != nil {
		t.Fatalf("Confirm should be a no-op: %v", err)
	}
	if err := s.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel should be a no-op: %v", err)
	}
	if n, err := s.ExpireLeases(ctx); err != nil || n != 0 {
		t.Fatalf("ExpireLeases should be a no-op, got n=%d err=%v", n, err)
	}
}
