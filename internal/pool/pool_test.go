package pool

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nimbusstore/tenantcore/internal/resilience"
)

type fakeConn struct {
	execs       []string
	execArgs    [][]any
	rolledBack  bool
	committed   bool
	execErr     error
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.execs = append(c.execs, sql)
	c.execArgs = append(c.execArgs, args)
	if c.execErr != nil {
		return pgconn.CommandTag{}, c.execErr
	}
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) Commit(ctx context.Context) error   { c.committed = true; return nil }
func (c *fakeConn) Rollback(ctx context.Context) error { c.rolledBack = true; return nil }

type fakeBackend struct {
	beginErrs []error // consumed in order; once exhausted, Begin succeeds
	begins    int
	closed    bool
	lastConn  *fakeConn
}

func (b *fakeBackend) Begin(ctx context.Context) (Conn, error) {
	b.begins++
	if len(b.beginErrs) > 0 {
		err := b.beginErrs[0]
		b.beginErrs = b.beginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	b.lastConn = &fakeConn{}
	return b.lastConn, nil
}

func (b *fakeBackend) Close() { b.closed = true }

func newFakeDialer(backend *fakeBackend) Dialer {
	return func(ctx context.Context, dsn string, maxConns int32) (Backend, error) {
		return backend, nil
	}
}

func TestGetPoolIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()

	opts := GetPoolOptions{TenantID: "t1", DBUrl: "postgres://x", MaxConnections: 10}
	if err := m.GetPool(context.Background(), opts); err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if err := m.GetPool(context.Background(), opts); err != nil {
		t.Fatalf("GetPool (second call): %v", err)
	}
	if !m.Registered("t1") {
		t.Errorf("expected tenant to be registered")
	}
}

func TestDeriveMaxConnectionsExternalSingleUse(t *testing.T) {
	n := deriveMaxConnections(GetPoolOptions{IsExternalPool: true, IsSingleUse: true, MaxConnections: 50})
	if n != 1 {
		t.Errorf("got %d, want 1", n)
	}
}

func TestDeriveMaxConnectionsFloorsAtOne(t *testing.T) {
	n := deriveMaxConnections(GetPoolOptions{MaxConnections: 1, ClusterSize: 10})
	if n != 1 {
		t.Errorf("got %d, want 1", n)
	}
}

func TestDeriveMaxConnectionsDividesAcrossCluster(t *testing.T) {
	n := deriveMaxConnections(GetPoolOptions{MaxConnections: 10, ClusterSize: 3})
	if n != 4 { // ceil(10/3)
		t.Errorf("got %d, want 4", n)
	}
}

func TestTransactionRequiresUser(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 5})

	if _, err := m.Transaction(context.Background(), "t1", TxOptions{}); err == nil {
		t.Errorf("expected error when User is empty")
	}
}

func TestTransactionRetriesOnSaturationThenSucceeds(t *testing.T) {
	backend := &fakeBackend{beginErrs: []error{
		&pgconn.PgError{Code: "08P01", Message: "no more connections allowed"},
		&pgconn.PgError{Code: "08P01", Message: "no more connections allowed"},
	}}
	fastBackoff := &resilience.PoolSaturationBackoff{
		BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 10, MaxElapsed: time.Second,
	}
	m := New(Options{Dialer: newFakeDialer(backend), Backoff: fastBackoff})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 5})

	tx, err := m.Transaction(context.Background(), "t1", TxOptions{User: "authenticated"})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if tx == nil {
		t.Fatal("expected non-nil tx")
	}
	if backend.begins != 3 {
		t.Errorf("got %d Begin() calls, want 3", backend.begins)
	}
}

func TestTransactionAppliesStatementTimeout(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 5})

	_, err := m.Transaction(context.Background(), "t1", TxOptions{User: "authenticated", StatementTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if len(backend.lastConn.execs) != 1 {
		t.Fatalf("got %d execs, want 1 (statement_timeout)", len(backend.lastConn.execs))
	}
}

func TestSetScopeWritesExpectedGUCs(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 5})

	tx, err := m.Transaction(context.Background(), "t1", TxOptions{User: "authenticated", Claims: Claims{Role: "authenticated", Sub: "user-1"}})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if err := m.SetScope(context.Background(), tx); err != nil {
		t.Fatalf("SetScope: %v", err)
	}
	if len(backend.lastConn.execs) != 9 {
		t.Errorf("got %d set_config calls, want 9", len(backend.lastConn.execs))
	}
}

func TestSetScopeAsSuperUserUsesConfiguredRole(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 5, SuperUser: "tenantcore_admin"})

	tx, err := m.Transaction(context.Background(), "t1", TxOptions{User: "authenticated", AsSuperUser: true})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if err := m.SetScope(context.Background(), tx); err != nil {
		t.Fatalf("SetScope: %v", err)
	}
	role, ok := backend.lastConn.execArgs[0][1].(string)
	if !ok || role != "tenantcore_admin" {
		t.Errorf("got role %v, want configured super-user tenantcore_admin", backend.lastConn.execArgs[0][1])
	}
}

func TestSetScopeAsSuperUserDefaultsWhenUnconfigured(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 5})

	tx, err := m.Transaction(context.Background(), "t1", TxOptions{User: "authenticated", AsSuperUser: true})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if err := m.SetScope(context.Background(), tx); err != nil {
		t.Fatalf("SetScope: %v", err)
	}
	role, ok := backend.lastConn.execArgs[0][1].(string)
	if !ok || role != "postgres" {
		t.Errorf("got role %v, want fallback postgres", backend.lastConn.execArgs[0][1])
	}
}

func TestDestroyRemovesPool(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 5})

	if err := m.Destroy(context.Background(), "t1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if m.Registered("t1") {
		t.Errorf("expected tenant to be unregistered after Destroy")
	}
	if !backend.closed {
		t.Errorf("expected backend to be closed")
	}
}

func TestRebalanceSwapsUnderlyingPool(t *testing.T) {
	backend1 := &fakeBackend{}
	dialCount := 0
	var backend2 *fakeBackend
	dialer := func(ctx context.Context, dsn string, maxConns int32) (Backend, error) {
		dialCount++
		if dialCount == 1 {
			return backend1, nil
		}
		backend2 = &fakeBackend{}
		return backend2, nil
	}
	m := New(Options{Dialer: dialer})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 10, ClusterSize: 1})

	if err := m.Rebalance(context.Background(), "t1", 2); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	// Allow the async close of the old backend to run.
	time.Sleep(10 * time.Millisecond)
	if !backend1.closed {
		t.Errorf("expected old backend to be closed after rebalance")
	}
	if backend2 == nil {
		t.Fatal("expected a new backend to be dialed")
	}
}

func TestDisposeSingleUseExternalPoolDestroys(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", IsExternalPool: true, IsSingleUse: true})

	if err := m.Dispose(context.Background(), "t1"); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if m.Registered("t1") {
		t.Errorf("expected single-use external pool to be destroyed by Dispose")
	}
}

func TestDisposeRecycledPoolIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	m := New(Options{Dialer: newFakeDialer(backend)})
	defer m.Stop()
	m.GetPool(context.Background(), GetPoolOptions{TenantID: "t1", DBUrl: "x", MaxConnections: 5})

	if err := m.Dispose(context.Background(), "t1"); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if !m.Registered("t1") {
		t.Errorf("expected recycled pool to persist across Dispose")
	}
}
