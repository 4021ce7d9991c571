// Package migrate implements component I: the tenant migration engine.
// It applies an ordered, externally supplied set of SQL migrations to
// per-tenant databases under a session advisory lock, validates applied
// hashes against the intended set, and dispatches work across three
// selectable strategies.
package migrate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

// Status is a tenant's migration state.
type Status string

const (
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusFailedStale Status = "FAILED_STALE"
)

// Migration is one intended, ordered SQL migration.
type Migration struct {
	ID                 int
	Name               string
	Hash               string
	SQL                string
	DisableTransaction bool
}

// AppliedMigration is a row in a database's migrations table.
type AppliedMigration struct {
	ID         int
	Name       string
	Hash       string
	ExecutedAt time.Time
}

// BackportRename describes a retroactively inserted migration at Index:
// applied rows whose name at that position is From are shifted down by
// one and renamed to match the now-corrected intended list.
type BackportRename struct {
	Index int
	From  string
	To    string
}

// Transformer rewrites a migration before it executes.
type Transformer func(Migration) Migration

// TenantCursor identifies a tenant row for paginated scans.
type TenantCursor struct {
	TenantID string
	Cursor   int64
}

// Conn is a dedicated, non-pooled connection to a single database (either
// the multitenant control-plane DB or one tenant DB), used for advisory
// locking and DDL. Migrations are schema operations and intentionally
// bypass internal/pool's pgxpool connections.
type Conn interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error
	ListAppliedMigrations(ctx context.Context) ([]AppliedMigration, error)
	ApplyMigration(ctx context.Context, m Migration) error
	DeleteAppliedAfter(ctx context.Context, afterID int) error
	InsertSyntheticApplied(ctx context.Context, m AppliedMigration) error
	UpdateAppliedHash(ctx context.Context, id int, hash string) error
	RewriteBackport(ctx context.Context, fromIndex int, rows []AppliedMigration) error
	Close()
}

// Dialer opens a dedicated Conn to databaseURL.
type Dialer func(ctx context.Context, databaseURL string) (Conn, error)

// ControlPlane is the multitenant DB's migration-state surface.
type ControlPlane interface {
	GetTenantMigrationState(ctx context.Context, tenantID string) (version int, status Status, err error)
	SetTenantMigrationState(ctx context.Context, tenantID string, version int, status Status) error
	ListTenantsToMigrate(ctx context.Context, targetVersion int, batchSize int, lastCursor int64) ([]TenantCursor, error)
}

// migrationAdvisoryLockKey is the fixed 64-bit key every migration run
// locks on, per spec.md §4.I.
const migrationAdvisoryLockKey int64 = 8042018375551001

// Engine is the component I migration engine.
type Engine struct {
	dialer       Dialer
	controlPlane ControlPlane

	controlPlaneURL      string
	controlPlaneMigrations []Migration
	tenantMigrations     []Migration
	transformers         []Transformer
	backports            []BackportRename

	freezeAt                string
	refreshHashesOnMismatch bool

	metrics *obs.Collector
	log     *log.Logger
}

// Options configures an Engine.
type Options struct {
	Dialer                  Dialer
	ControlPlane            ControlPlane
	ControlPlaneURL         string
	ControlPlaneMigrations  []Migration
	TenantMigrations        []Migration
	Transformers            []Transformer
	Backports               []BackportRename
	FreezeAt                string
	RefreshHashesOnMismatch bool
	Metrics                 *obs.Collector
}

// New builds an Engine.
func New(opts Options) *Engine {
	return &Engine{
		dialer:                  opts.Dialer,
		controlPlane:            opts.ControlPlane,
		controlPlaneURL:         opts.ControlPlaneURL,
		controlPlaneMigrations:  opts.ControlPlaneMigrations,
		tenantMigrations:        opts.TenantMigrations,
		transformers:            opts.Transformers,
		backports:               opts.Backports,
		freezeAt:                opts.FreezeAt,
		refreshHashesOnMismatch: opts.RefreshHashesOnMismatch,
		metrics:                 opts.Metrics,
		log:                     log.New(log.Writer(), "[Migrate] ", log.LstdFlags),
	}
}

// RunMultitenantMigrations applies the control-plane migration set to the
// multitenant DB, blocking until the advisory lock is acquired.
func (e *Engine) RunMultitenantMigrations(ctx context.Context) error {
	conn, err := e.dialer(ctx, e.controlPlaneURL)
	if err != nil {
		return fmt.Errorf("migrate: dial control plane: %w", err)
	}
	defer conn.Close()

	if err := acquireAdvisoryLockBlocking(ctx, conn, migrationAdvisoryLockKey); err != nil {
		return err
	}
	defer conn.AdvisoryUnlock(ctx, migrationAdvisoryLockKey)

	applied, err := conn.ListAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migrate: list applied control-plane migrations: %w", err)
	}
	if err := e.validateHashes(ctx, conn, "", applied, e.controlPlaneMigrations); err != nil {
		return err
	}
	start := time.Now()
	_, err = e.applyPending(ctx, conn, "", applied, e.controlPlaneMigrations)
	e.observeDuration("multitenant", start, err)
	return err
}

// RunTenantOptions parameterizes RunMigrationsOnTenant.
type RunTenantOptions struct {
	DatabaseURL   string
	TenantID      string
	WaitForLock   bool
	UpToMigration string
}

// RunMigrationsOnTenant applies tenant migrations up to UpToMigration (or
// all, if empty), observing the configured freeze bound.
func (e *Engine) RunMigrationsOnTenant(ctx context.Context, opts RunTenantOptions) error {
	conn, err := e.dialer(ctx, opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migrate: dial tenant %s: %w", opts.TenantID, err)
	}
	defer conn.Close()

	locked, err := acquireAdvisoryLock(ctx, conn, migrationAdvisoryLockKey, opts.WaitForLock)
	if err != nil {
		return err
	}
	if !locked {
		return svcerr.ErrLockTimeout
	}
	defer conn.AdvisoryUnlock(ctx, migrationAdvisoryLockKey)

	target, err := e.boundedTarget(opts.UpToMigration)
	if err != nil {
		return svcerr.NewMigrationError(opts.TenantID, opts.UpToMigration, err)
	}

	applied, err := conn.ListAppliedMigrations(ctx)
	if err != nil {
		return svcerr.NewMigrationError(opts.TenantID, "", err)
	}

	applied, err = e.applyBackports(ctx, conn, applied, target)
	if err != nil {
		e.markFailed(ctx, opts.TenantID)
		return err
	}
	if err := e.validateHashes(ctx, conn, opts.TenantID, applied, target); err != nil {
		e.markFailed(ctx, opts.TenantID)
		return err
	}

	start := time.Now()
	applied, err = e.applyPending(ctx, conn, opts.TenantID, applied, target)
	e.observeDuration("tenant", start, err)
	if err != nil {
		e.markFailed(ctx, opts.TenantID)
		return err
	}

	if opts.TenantID != "" && e.controlPlane != nil {
		if err := e.controlPlane.SetTenantMigrationState(ctx, opts.TenantID, len(applied), StatusCompleted); err != nil {
			return fmt.Errorf("migrate: update tenant migration state for %s: %w", opts.TenantID, err)
		}
	}
	return nil
}

func (e *Engine) markFailed(ctx context.Context, tenantID string) {
	if tenantID == "" || e.controlPlane == nil {
		return
	}
	if err := e.controlPlane.SetTenantMigrationState(ctx, tenantID, -1, StatusFailed); err != nil {
		e.log.Printf("failed to mark tenant %s as FAILED: %v", tenantID, err)
	}
}

func (e *Engine) observeDuration(strategy string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	if err != nil {
		e.metrics.MigrationFailures.WithLabelValues(string(StatusFailed)).Inc()
		return
	}
	e.metrics.MigrationDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
}

// boundedTarget returns e.tenantMigrations truncated at upTo (inclusive),
// further bounded by the configured freeze point, whichever is smaller.
func (e *Engine) boundedTarget(upTo string) ([]Migration, error) {
	target := e.tenantMigrations
	if e.freezeAt != "" {
		idx, err := indexOfMigration(target, e.freezeAt)
		if err != nil {
			return nil, err
		}
		target = target[:idx+1]
	}
	if upTo == "" {
		return target, nil
	}
	idx, err := indexOfMigration(target, upTo)
	if err != nil {
		return nil, err
	}
	return target[:idx+1], nil
}

func indexOfMigration(migrations []Migration, name string) (int, error) {
	for i, m := range migrations {
		if m.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("migrate: unknown migration bound %q", name)
}

// applyPending runs every target migration beyond len(applied), through
// the transformer chain, appending each success to applied.
func (e *Engine) applyPending(ctx context.Context, conn Conn, tenantID string, applied []AppliedMigration, target []Migration) ([]AppliedMigration, error) {
	for i := len(applied); i < len(target); i++ {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		default:
		}
		m := target[i]
		for _, tr := range e.transformers {
			m = tr(m)
		}
		if err := conn.ApplyMigration(ctx, m); err != nil {
			return applied, svcerr.NewMigrationError(tenantID, m.Name, err)
		}
		applied = append(applied, AppliedMigration{ID: m.ID, Name: m.Name, Hash: m.Hash, ExecutedAt: time.Now()})
	}
	return applied, nil
}

// validateHashes checks every applied row's hash against its canonical
// hash in target, refreshing in place if policy allows.
func (e *Engine) validateHashes(ctx context.Context, conn Conn, tenantID string, applied []AppliedMigration, target []Migration) error {
	for i, a := range applied {
		if i >= len(target) {
			continue
		}
		want := target[i].Hash
		if a.Hash == want {
			continue
		}
		if !e.refreshHashesOnMismatch {
			return svcerr.NewMigrationError(tenantID, a.Name, fmt.Errorf("hash mismatch: applied=%s intended=%s", a.Hash, want))
		}
		if err := conn.UpdateAppliedHash(ctx, a.ID, want); err != nil {
			return svcerr.NewMigrationError(tenantID, a.Name, fmt.Errorf("refresh hash: %w", err))
		}
	}
	return nil
}

// applyBackports rewrites applied rows affected by a retroactive insert,
// per spec.md §4.I's backport contract.
func (e *Engine) applyBackports(ctx context.Context, conn Conn, applied []AppliedMigration, target []Migration) ([]AppliedMigration, error) {
	for _, bp := range e.backports {
		if bp.Index >= len(applied) || applied[bp.Index].Name != bp.From {
			continue
		}
		if bp.Index+1 >= len(target) || target[bp.Index+1].Name != bp.To {
			return applied, fmt.Errorf("migrate: backport rename at index %d does not match intended list", bp.Index)
		}
		shifted := make([]AppliedMigration, 0, len(applied)-bp.Index)
		for i := bp.Index; i < len(applied); i++ {
			t := target[i+1]
			shifted = append(shifted, AppliedMigration{ID: t.ID, Name: t.Name, Hash: t.Hash, ExecutedAt: applied[i].ExecutedAt})
		}
		if err := conn.RewriteBackport(ctx, bp.Index, shifted); err != nil {
			return applied, fmt.Errorf("migrate: rewrite backport at index %d: %w", bp.Index, err)
		}
		copy(applied[bp.Index:], shifted)
	}
	return applied, nil
}

// ResetOptions parameterizes ResetMigration.
type ResetOptions struct {
	TenantID                   string
	DatabaseURL                string
	UntilMigration             string
	MarkCompletedTillMigration string
}

// ResetMigration rolls a tenant's applied-migrations table back to
// UntilMigration under the advisory lock, optionally marking synthetic
// rows completed up to MarkCompletedTillMigration to suppress re-runs.
func (e *Engine) ResetMigration(ctx context.Context, opts ResetOptions) error {
	conn, err := e.dialer(ctx, opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migrate: dial tenant %s: %w", opts.TenantID, err)
	}
	defer conn.Close()

	locked, err := acquireAdvisoryLock(ctx, conn, migrationAdvisoryLockKey, true)
	if err != nil {
		return err
	}
	if !locked {
		return svcerr.ErrLockTimeout
	}
	defer conn.AdvisoryUnlock(ctx, migrationAdvisoryLockKey)

	untilIdx, err := indexOfMigration(e.tenantMigrations, opts.UntilMigration)
	if err != nil {
		return svcerr.NewMigrationError(opts.TenantID, opts.UntilMigration, err)
	}

	applied, err := conn.ListAppliedMigrations(ctx)
	if err != nil {
		return svcerr.NewMigrationError(opts.TenantID, "", err)
	}

	if len(applied) > untilIdx+1 {
		if err := conn.DeleteAppliedAfter(ctx, e.tenantMigrations[untilIdx].ID); err != nil {
			return svcerr.NewMigrationError(opts.TenantID, opts.UntilMigration, err)
		}
		applied = applied[:untilIdx+1]
	}

	if opts.MarkCompletedTillMigration != "" {
		markIdx, err := indexOfMigration(e.tenantMigrations, opts.MarkCompletedTillMigration)
		if err != nil {
			return svcerr.NewMigrationError(opts.TenantID, opts.MarkCompletedTillMigration, err)
		}
		for i := len(applied); i <= markIdx; i++ {
			m := e.tenantMigrations[i]
			row := AppliedMigration{ID: m.ID, Name: m.Name, Hash: m.Hash, ExecutedAt: time.Now()}
			if err := conn.InsertSyntheticApplied(ctx, row); err != nil {
				return svcerr.NewMigrationError(opts.TenantID, m.Name, err)
			}
			applied = append(applied, row)
		}
	}

	if e.controlPlane != nil {
		if err := e.controlPlane.SetTenantMigrationState(ctx, opts.TenantID, len(applied), StatusCompleted); err != nil {
			return fmt.Errorf("migrate: update tenant migration state for %s: %w", opts.TenantID, err)
		}
	}
	return nil
}
