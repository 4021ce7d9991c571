package migrate

import (
	"context"
	"fmt"
	"time"
)

const (
	advisoryLockBudget  = 3 * time.Second
	advisoryLockBackoff = 20 * time.Millisecond
)

// acquireAdvisoryLock tries conn's session advisory lock on key. If
// waitForLock it retries on a fixed 20ms backoff for up to a 3-second
// budget; otherwise a single failed attempt returns false immediately.
func acquireAdvisoryLock(ctx context.Context, conn Conn, key int64, waitForLock bool) (bool, error) {
	deadline := time.Now().Add(advisoryLockBudget)
	for {
		ok, err := conn.TryAdvisoryLock(ctx, key)
		if err != nil {
			return false, fmt.Errorf("migrate: advisory lock attempt: %w", err)
		}
		if ok {
			return true, nil
		}
		if !waitForLock || time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(advisoryLockBackoff):
		}
	}
}

// acquireAdvisoryLockBlocking retries until the lock is acquired or ctx
// is cancelled, used for the control-plane migration run which has no
// timeout budget.
func acquireAdvisoryLockBlocking(ctx context.Context, conn Conn, key int64) error {
	for {
		ok, err := conn.TryAdvisoryLock(ctx, key)
		if err != nil {
			return fmt.Errorf("migrate: advisory lock attempt: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(advisoryLockBackoff):
		}
	}
}
