// Package pool implements component E: one logical connection pool per
// tenant database, transaction-scoped role/claim impersonation, idle
// reaping, and rebalance-on-config-change.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/resilience"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

// Conn is the subset of a pgx transaction the pool manager needs; defined
// locally so tests can substitute a fake without a live database.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is the subset of a pgxpool.Pool the manager drives.
type Backend interface {
	Begin(ctx context.Context) (Conn, error)
	Close()
}

// Dialer constructs a Backend for a DSN capped at maxConns, matching
// spec.md §3's "max=1 when declared single-use" and pool-mode sizing.
type Dialer func(ctx context.Context, dsn string, maxConns int32) (Backend, error)

// PgxDialer is the production Dialer, backed by pgxpool.
func PgxDialer(ctx context.Context, dsn string, maxConns int32) (Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pool: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pool: new pgxpool: %w", err)
	}
	return &pgxpoolBackend{p: p}, nil
}

type pgxpoolBackend struct{ p *pgxpool.Pool }

func (b *pgxpoolBackend) Begin(ctx context.Context) (Conn, error) { return b.p.Begin(ctx) }
func (b *pgxpoolBackend) Close()                                  { b.p.Close() }

// GetPoolOptions parameterize GetPool, mirroring spec.md §4.E's contract.
type GetPoolOptions struct {
	TenantID       string
	DBUrl          string
	User           string
	SuperUser      string
	MaxConnections int
	ClusterSize    int
	IsExternalPool bool
	IsSingleUse    bool
}

// TxOptions parameterize Transaction. User is required: the Open Question
// in spec.md §9 about setScope with no user is resolved by making User a
// required field rather than silently defaulting to role=anon.
type TxOptions struct {
	User             string
	AsSuperUser      bool
	StatementTimeout time.Duration
	SearchPath       string
	Claims           Claims
}

// Claims are the request-scoped values setScope writes as GUCs for
// row-level-security policies, per spec.md §4.E.
type Claims struct {
	Role       string
	JWT        string
	Sub        string
	JWTClaims  string // raw JSON
	Headers    string // raw JSON
	Method     string
	Path       string
	Operation  string
}

// Tx wraps an open transaction plus the scope it was opened with.
type Tx struct {
	conn      Conn
	opts      TxOptions
	superUser string
}

// Raw exposes the underlying connection for query execution.
func (t *Tx) Raw() Conn { return t.conn }

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error { return t.conn.Commit(ctx) }

// Rollback rolls back the transaction. A rollback failure is wrapped
// alongside the cause that triggered it when called via RollbackOnError.
func (t *Tx) Rollback(ctx context.Context) error { return t.conn.Rollback(ctx) }

// RollbackOnError rolls back and, if rollback itself fails, aggregates it
// with cause per spec.md §7's "rollback failure reported alongside the
// original cause".
func (t *Tx) RollbackOnError(ctx context.Context, cause error) error {
	if rbErr := t.conn.Rollback(ctx); rbErr != nil {
		return svcerr.Aggregate(cause, rbErr)
	}
	return cause
}

type tenantPool struct {
	backend  Backend
	opts     GetPoolOptions
	lastUsed time.Time
	mu       sync.Mutex
}

// Manager is the per-tenant connection pool registry.
type Manager struct {
	dial         Dialer
	idleTimeout  time.Duration
	backoff      resilience.PoolSaturationBackoff
	breakers     *resilience.Registry
	metrics      *obs.Collector
	log          *log.Logger

	mu    sync.RWMutex
	pools map[string]*tenantPool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Options configure a Manager.
type Options struct {
	Dialer          Dialer
	IdleTimeout     time.Duration
	ReapInterval    time.Duration
	Metrics         *obs.Collector
	Backoff         *resilience.PoolSaturationBackoff
}

// New builds a Manager and starts its background idle-reaper.
func New(opts Options) *Manager {
	dial := opts.Dialer
	if dial == nil {
		dial = PgxDialer
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	reapInterval := opts.ReapInterval
	if reapInterval <= 0 {
		reapInterval = 30 * time.Second
	}
	backoff := resilience.DefaultPoolSaturationBackoff()
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	m := &Manager{
		dial:        dial,
		idleTimeout: idleTimeout,
		backoff:     backoff,
		breakers:    resilience.NewRegistry(),
		metrics:     opts.Metrics,
		log:         log.New(log.Writer(), "[Pool] ", log.LstdFlags),
		pools:       make(map[string]*tenantPool),
		stopCh:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reapLoop(reapInterval)
	return m
}

// GetPool returns the existing pool for opts.TenantID, creating one if
// absent. Idempotent on TenantID.
func (m *Manager) GetPool(ctx context.Context, opts GetPoolOptions) error {
	m.mu.RLock()
	if _, ok := m.pools[opts.TenantID]; ok {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	maxConns := deriveMaxConnections(opts)
	backend, err := m.dial(ctx, opts.DBUrl, int32(maxConns))
	if err != nil {
		return svcerr.NewTenantError(opts.TenantID, fmt.Errorf("%w: %v", svcerr.ErrDatabaseError, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[opts.TenantID]; ok {
		backend.Close()
		return nil
	}
	m.pools[opts.TenantID] = &tenantPool{backend: backend, opts: opts, lastUsed: time.Now()}
	if m.metrics != nil {
		m.metrics.PoolsCreated.Inc()
		m.metrics.PoolsActive.Set(float64(len(m.pools)))
	}
	return nil
}

// deriveMaxConnections sizes a pool per spec.md §3: external single-use
// pools get max=1; otherwise max/clusterSize floored at 1. The teacher's
// resource-tier concept is kept as an optional override surface: callers
// that already know a tenant's tier can set MaxConnections directly
// before calling GetPool rather than this function consulting tiers
// itself, since tiering is additive scope, not a required feature.
func deriveMaxConnections(opts GetPoolOptions) int {
	if opts.IsExternalPool && opts.IsSingleUse {
		return 1
	}
	clusterSize := opts.ClusterSize
	if clusterSize <= 0 {
		clusterSize = 1
	}
	n := int(math.Ceil(float64(opts.MaxConnections) / float64(clusterSize)))
	if n < 1 {
		n = 1
	}
	return n
}

// Destroy drains and removes tenantID's pool.
func (m *Manager) Destroy(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	p, ok := m.pools[tenantID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.pools, tenantID)
	if m.metrics != nil {
		m.metrics.PoolsDestroyed.Inc()
		m.metrics.PoolsActive.Set(float64(len(m.pools)))
	}
	m.mu.Unlock()

	p.backend.Close()
	return nil
}

// Rebalance swaps the underlying pool for one sized by the new
// clusterSize, draining the old pool once outstanding acquires complete.
// Because Backend.Close() in pgxpool blocks until in-flight acquires
// finish, in-flight transactions on the old pool are not disrupted.
func (m *Manager) Rebalance(ctx context.Context, tenantID string, clusterSize int) error {
	m.mu.Lock()
	old, ok := m.pools[tenantID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	opts := old.opts
	opts.ClusterSize = clusterSize
	m.mu.Unlock()

	maxConns := deriveMaxConnections(opts)
	newBackend, err := m.dial(ctx, opts.DBUrl, int32(maxConns))
	if err != nil {
		return svcerr.NewTenantError(tenantID, fmt.Errorf("%w: %v", svcerr.ErrDatabaseError, err))
	}

	m.mu.Lock()
	m.pools[tenantID] = &tenantPool{backend: newBackend, opts: opts, lastUsed: time.Now()}
	m.mu.Unlock()

	go old.backend.Close()
	return nil
}

// Stop destroys every pool.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pools {
		p.backend.Close()
		delete(m.pools, id)
	}
}

// isRetryableSaturation reports whether err is the DB's "pool exhausted"
// signal: SQLSTATE 08P01, or the textual "too many clients already" /
// "no more connections allowed" / "max clients reached" a raw driver
// error may surface instead.
func isRetryableSaturation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "08P01" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no more connections allowed") ||
		strings.Contains(msg, "too many clients already") ||
		strings.Contains(msg, "max clients reached")
}

// Transaction begins a transaction against tenantID's pool, applying the
// bounded backoff on pool-saturation errors, statement timeout, and
// (for external pools) an explicit search_path.
func (m *Manager) Transaction(ctx context.Context, tenantID string, opts TxOptions) (*Tx, error) {
	if opts.User == "" {
		return nil, svcerr.NewTenantError(tenantID, fmt.Errorf("pool: TxOptions.User is required"))
	}

	m.mu.RLock()
	p, ok := m.pools[tenantID]
	m.mu.RUnlock()
	if !ok {
		return nil, svcerr.NewTenantError(tenantID, svcerr.ErrMissingTenantConfig)
	}

	breaker := m.breakers.Get(tenantID)
	var tx *Tx
	acquireStart := time.Now()

	retryErr := breaker.Execute(func() error {
		return m.backoff.Retry(ctx, isRetryableSaturation, func(attempt int) error {
			conn, err := p.backend.Begin(ctx)
			if err != nil {
				if attempt > 1 && m.metrics != nil {
					m.metrics.PoolSaturationRetries.WithLabelValues(tenantID).Inc()
				}
				return err
			}

			if opts.StatementTimeout > 0 {
				stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.StatementTimeout.Milliseconds())
				if _, err := conn.Exec(ctx, stmt); err != nil {
					conn.Rollback(ctx)
					return err
				}
			}
			if p.opts.IsExternalPool && opts.SearchPath != "" {
				if _, err := conn.Exec(ctx, fmt.Sprintf("SET LOCAL search_path = %s", opts.SearchPath)); err != nil {
					conn.Rollback(ctx)
					return err
				}
			}

			p.mu.Lock()
			p.lastUsed = time.Now()
			p.mu.Unlock()

			tx = &Tx{conn: conn, opts: opts, superUser: p.opts.SuperUser}
			return nil
		})
	})

	if retryErr != nil {
		if errors.Is(retryErr, resilience.ErrCircuitOpen) {
			return nil, svcerr.NewTenantError(tenantID, svcerr.ErrDatabaseTimeout)
		}
		if isRetryableSaturation(retryErr) {
			return nil, svcerr.NewTenantError(tenantID, svcerr.ErrDatabaseTimeout)
		}
		return nil, svcerr.NewTenantError(tenantID, fmt.Errorf("%w: %v", svcerr.ErrDatabaseError, retryErr))
	}
	if m.metrics != nil {
		m.metrics.PoolAcquireDuration.Observe(time.Since(acquireStart).Seconds())
	}
	return tx, nil
}

// SetScope writes the request-scoped GUCs row-level-security policies in
// the tenant schema depend on, per spec.md §4.E.
func (m *Manager) SetScope(ctx context.Context, tx *Tx) error {
	role := tx.opts.Claims.Role
	if tx.opts.AsSuperUser {
		role = tx.superUser
		if role == "" {
			role = "postgres"
		}
	}
	sets := []struct{ key, val string }{
		{"role", role},
		{"request.jwt.claim.role", role},
		{"request.jwt", tx.opts.Claims.JWT},
		{"request.jwt.claim.sub", tx.opts.Claims.Sub},
		{"request.jwt.claims", tx.opts.Claims.JWTClaims},
		{"request.headers", tx.opts.Claims.Headers},
		{"request.method", tx.opts.Claims.Method},
		{"request.path", tx.opts.Claims.Path},
		{"storage.operation", tx.opts.Claims.Operation},
	}
	for _, s := range sets {
		if _, err := tx.conn.Exec(ctx, "select set_config($1, $2, true)", s.key, s.val); err != nil {
			return fmt.Errorf("pool: set_config %s: %w", s.key, err)
		}
	}
	return nil
}

// Dispose releases a single-use external pool; otherwise a no-op, since
// the pool persists across calls.
func (m *Manager) Dispose(ctx context.Context, tenantID string) error {
	m.mu.RLock()
	p, ok := m.pools[tenantID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if p.opts.IsExternalPool && p.opts.IsSingleUse {
		return m.Destroy(ctx, tenantID)
	}
	return nil
}

func (m *Manager) reapLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()
	var toClose []Backend

	m.mu.Lock()
	for id, p := range m.pools {
		p.mu.Lock()
		idle := now.Sub(p.lastUsed)
		p.mu.Unlock()
		if idle >= m.idleTimeout {
			toClose = append(toClose, p.backend)
			delete(m.pools, id)
			m.log.Printf("reaping idle pool for tenant %s after %s", id, idle)
		}
	}
	if m.metrics != nil {
		m.metrics.PoolsActive.Set(float64(len(m.pools)))
	}
	m.mu.Unlock()

	for _, b := range toClose {
		b.Close()
		if m.metrics != nil {
			m.metrics.PoolsDestroyed.Inc()
		}
	}
}

// Registered reports whether tenantID currently has a pool, used by tests
// and the health checker.
func (m *Manager) Registered(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pools[tenantID]
	return ok
}

// Count returns the number of live pools, used by obs health checks.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}
