package migrate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const fullFleetBatchSize = 200

// JobDispatcher is the subset of the durable job queue the migration
// engine needs to schedule per-tenant migration jobs.
type JobDispatcher interface {
	Send(ctx context.Context, name string, payload []byte) error
}

// ListTenantsToMigrate paginates tenants whose migration version differs
// from the local target and whose status is not terminal-failed,
// invoking fn once per batch.
func (e *Engine) ListTenantsToMigrate(ctx context.Context, batchSize int, fn func(batch []TenantCursor) error) error {
	target := int64(len(e.tenantMigrations))
	var lastCursor int64
	var lagging float64
	if e.metrics != nil {
		e.metrics.TenantsLagging.Set(0)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		batch, err := e.controlPlane.ListTenantsToMigrate(ctx, int(target), batchSize, lastCursor)
		if err != nil {
			return fmt.Errorf("migrate: list tenants to migrate: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if e.metrics != nil {
			lagging += float64(len(batch))
			e.metrics.TenantsLagging.Set(lagging)
		}
		lastCursor = batch[len(batch)-1].Cursor
		if len(batch) < batchSize {
			return nil
		}
	}
}

// EnsureTenantMigrated runs the ON_REQUEST strategy: migrations execute
// inline the first time a request reaches a not-yet-migrated tenant.
func (e *Engine) EnsureTenantMigrated(ctx context.Context, tenantID, databaseURL string) error {
	version, status, err := e.controlPlane.GetTenantMigrationState(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("migrate: get migration state for %s: %w", tenantID, err)
	}
	if status == StatusFailed || status == StatusFailedStale {
		return fmt.Errorf("migrate: tenant %s migration state is %s, refusing inline run", tenantID, status)
	}
	if version >= len(e.tenantMigrations) {
		return nil
	}
	return e.RunMigrationsOnTenant(ctx, RunTenantOptions{DatabaseURL: databaseURL, TenantID: tenantID, WaitForLock: true})
}

// StartAsyncMigrations dispatches background migration work according to
// the FULL_FLEET strategy: a single instance holds the control-plane
// advisory lock and enqueues per-tenant jobs in cursor-ordered batches.
// Callers running PROGRESSIVE should drive a ProgressiveBuffer instead;
// ON_REQUEST needs no background loop.
func (e *Engine) StartAsyncMigrations(ctx context.Context, dispatcher JobDispatcher) error {
	conn, err := e.dialer(ctx, e.controlPlaneURL)
	if err != nil {
		return fmt.Errorf("migrate: dial control plane: %w", err)
	}
	defer conn.Close()

	locked, err := acquireAdvisoryLock(ctx, conn, migrationAdvisoryLockKey, false)
	if err != nil {
		return err
	}
	if !locked {
		e.log.Printf("full-fleet migration lock held elsewhere, skipping this instance")
		return nil
	}
	defer conn.AdvisoryUnlock(ctx, migrationAdvisoryLockKey)

	return e.ListTenantsToMigrate(ctx, fullFleetBatchSize, func(batch []TenantCursor) error {
		for _, t := range batch {
			if err := dispatcher.Send(ctx, "migrate.run_on_tenant", []byte(t.TenantID)); err != nil {
				return fmt.Errorf("migrate: dispatch job for tenant %s: %w", t.TenantID, err)
			}
		}
		return nil
	})
}

// ProgressiveBuffer accumulates tenant ids observed on live traffic and
// flushes them as a batch of queue jobs either when full or on a fixed
// interval, draining on Stop. Grounded on the teacher's
// accumulate-then-flush archiving shape, retargeted from S3 snapshot
// batches to migration-job batches.
type ProgressiveBuffer struct {
	dispatcher JobDispatcher
	interval   time.Duration
	maxSize    int

	mu      sync.Mutex
	pending []string

	stop chan struct{}
	done chan struct{}
}

// NewProgressiveBuffer builds a buffer. maxSize defaults to 200 per
// spec.md §4.I if unset.
func NewProgressiveBuffer(dispatcher JobDispatcher, interval time.Duration, maxSize int) *ProgressiveBuffer {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &ProgressiveBuffer{
		dispatcher: dispatcher,
		interval:   interval,
		maxSize:    maxSize,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Observe records tenantID as seen on live traffic, flushing immediately
// if the buffer has reached maxSize.
func (b *ProgressiveBuffer) Observe(ctx context.Context, tenantID string) {
	b.mu.Lock()
	b.pending = append(b.pending, tenantID)
	full := len(b.pending) >= b.maxSize
	b.mu.Unlock()
	if full {
		b.flush(ctx)
	}
}

// Run ticks the buffer on its configured interval until Stop is called,
// then performs a final drain.
func (b *ProgressiveBuffer) Run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush(ctx)
		case <-b.stop:
			b.flush(ctx)
			return
		case <-ctx.Done():
			b.flush(context.Background())
			return
		}
	}
}

// Stop signals Run to drain the remaining buffer and exit, blocking
// until it has.
func (b *ProgressiveBuffer) Stop() {
	close(b.stop)
	<-b.done
}

func (b *ProgressiveBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	for i, tenantID := range batch {
		if err := b.dispatcher.Send(ctx, "migrate.run_on_tenant", []byte(tenantID)); err != nil {
			b.mu.Lock()
			b.pending = append(b.pending, batch[i:]...)
			b.mu.Unlock()
			return
		}
	}
}
