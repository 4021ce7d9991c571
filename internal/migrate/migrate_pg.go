package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxConn is the production Conn: a dedicated, non-pooled connection used
// for advisory locking and schema DDL against one database.
type pgxConn struct {
	conn *pgx.Conn
}

// PgxDialer is the production Dialer.
func PgxDialer(ctx context.Context, databaseURL string) (Conn, error) {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrate: connect: %w", err)
	}
	return &pgxConn{conn: conn}, nil
}

func (c *pgxConn) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var locked bool
	if err := c.conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		return false, fmt.Errorf("migrate: try advisory lock %d: %w", key, err)
	}
	return locked, nil
}

func (c *pgxConn) AdvisoryUnlock(ctx context.Context, key int64) error {
	if _, err := c.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
		return fmt.Errorf("migrate: advisory unlock %d: %w", key, err)
	}
	return nil
}

func (c *pgxConn) ListAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT id, name, hash, executed_at FROM schema_migrations ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate: list applied migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.ID, &m.Name, &m.Hash, &m.ExecutedAt); err != nil {
			return nil, fmt.Errorf("migrate: scan applied migration row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *pgxConn) ApplyMigration(ctx context.Context, m Migration) error {
	apply := func(execCtx context.Context) error {
		if _, err := c.conn.Exec(execCtx, m.SQL); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", m.Name, err)
		}
		if _, err := c.conn.Exec(execCtx, `
			INSERT INTO schema_migrations (id, name, hash, executed_at) VALUES ($1, $2, $3, now())
		`, m.ID, m.Name, m.Hash); err != nil {
			return fmt.Errorf("migrate: record %s: %w", m.Name, err)
		}
		return nil
	}

	if m.DisableTransaction {
		return apply(ctx)
	}

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("migrate: begin for %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("migrate: apply %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (id, name, hash, executed_at) VALUES ($1, $2, $3, now())
	`, m.ID, m.Name, m.Hash); err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("migrate: record %s: %w", m.Name, err)
	}
	return tx.Commit(ctx)
}

func (c *pgxConn) DeleteAppliedAfter(ctx context.Context, afterID int) error {
	if _, err := c.conn.Exec(ctx, `DELETE FROM schema_migrations WHERE id > $1`, afterID); err != nil {
		return fmt.Errorf("migrate: delete applied after %d: %w", afterID, err)
	}
	return nil
}

func (c *pgxConn) InsertSyntheticApplied(ctx context.Context, m AppliedMigration) error {
	_, err := c.conn.Exec(ctx, `
		INSERT INTO schema_migrations (id, name, hash, executed_at) VALUES ($1, $2, $3, $4)
	`, m.ID, m.Name, m.Hash, m.ExecutedAt)
	if err != nil {
		return fmt.Errorf("migrate: insert synthetic applied %s: %w", m.Name, err)
	}
	return nil
}

func (c *pgxConn) UpdateAppliedHash(ctx context.Context, id int, hash string) error {
	_, err := c.conn.Exec(ctx, `UPDATE schema_migrations SET hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("migrate: update applied hash for %d: %w", id, err)
	}
	return nil
}

func (c *pgxConn) RewriteBackport(ctx context.Context, fromIndex int, rows []AppliedMigration) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("migrate: begin backport rewrite: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		if _, err := tx.Exec(ctx, `
			UPDATE schema_migrations SET id = $2, name = $3, hash = $4 WHERE id = $1
		`, fromIndex, row.ID, row.Name, row.Hash); err != nil {
			return fmt.Errorf("migrate: rewrite backport row %s: %w", row.Name, err)
		}
		fromIndex++
	}
	return tx.Commit(ctx)
}

func (c *pgxConn) Close() { c.conn.Close(context.Background()) }

// PgxControlPlane is the production ControlPlane, tracking per-tenant
// migration state in the multitenant control database.
type PgxControlPlane struct {
	pool *pgxpool.Pool
}

// NewPgxControlPlane builds a PgxControlPlane.
func NewPgxControlPlane(pool *pgxpool.Pool) *PgxControlPlane { return &PgxControlPlane{pool: pool} }

func (cp *PgxControlPlane) GetTenantMigrationState(ctx context.Context, tenantID string) (int, Status, error) {
	var version int
	var status string
	err := cp.pool.QueryRow(ctx, `
		SELECT migration_version, migration_status FROM tenants WHERE id = $1
	`, tenantID).Scan(&version, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", fmt.Errorf("migrate: tenant %s not found", tenantID)
	}
	if err != nil {
		return 0, "", fmt.Errorf("migrate: get migration state for %s: %w", tenantID, err)
	}
	return version, Status(status), nil
}

func (cp *PgxControlPlane) SetTenantMigrationState(ctx context.Context, tenantID string, version int, status Status) error {
	_, err := cp.pool.Exec(ctx, `
		UPDATE tenants SET migration_version = $2, migration_status = $3 WHERE id = $1
	`, tenantID, version, string(status))
	if err != nil {
		return fmt.Errorf("migrate: set migration state for %s: %w", tenantID, err)
	}
	return nil
}

func (cp *PgxControlPlane) ListTenantsToMigrate(ctx context.Context, targetVersion, batchSize int, lastCursor int64) ([]TenantCursor, error) {
	rows, err := cp.pool.Query(ctx, `
		SELECT id, cursor FROM tenants
		WHERE cursor > $1 AND migration_version < $2 AND migration_status <> $3
		ORDER BY cursor
		LIMIT $4
	`, lastCursor, targetVersion, string(StatusFailedStale), batchSize)
	if err != nil {
		return nil, fmt.Errorf("migrate: list tenants to migrate: %w", err)
	}
	defer rows.Close()

	var out []TenantCursor
	for rows.Next() {
		var tc TenantCursor
		if err := rows.Scan(&tc.TenantID, &tc.Cursor); err != nil {
			return nil, fmt.Errorf("migrate: scan tenant cursor row: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
