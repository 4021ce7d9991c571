package jwks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDB is the production DB backing Store, persisting JWKS rows to the
// multitenant control database's jwks table.
type PgxDB struct {
	pool *pgxpool.Pool
}

// NewPgxDB builds a PgxDB over an already-connected pool.
func NewPgxDB(pool *pgxpool.Pool) *PgxDB { return &PgxDB{pool: pool} }

func (d *PgxDB) InsertJWK(ctx context.Context, tenantID, encryptedContent, kind string, idempotent bool) (string, error) {
	if idempotent {
		var existingID string
		err := d.pool.QueryRow(ctx, `
			SELECT id FROM jwks WHERE tenant_id = $1 AND kind = $2 AND active
		`, tenantID, kind).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("jwks: check existing active key for %s/%s: %w", tenantID, kind, err)
		}
	}

	id := uuid.NewString()
	_, err := d.pool.Exec(ctx, `
		INSERT INTO jwks (id, tenant_id, kind, encrypted_content, active, cursor)
		VALUES ($1, $2, $3, $4, true, nextval('jwks_cursor_seq'))
	`, id, tenantID, kind, encryptedContent)
	if err != nil {
		return "", fmt.Errorf("jwks: insert key for %s/%s: %w", tenantID, kind, err)
	}
	return id, nil
}

func (d *PgxDB) ToggleActiveJWK(ctx context.Context, tenantID, id string, newState bool) (bool, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE jwks SET active = $3 WHERE tenant_id = $1 AND id = $2 AND active <> $3
	`, tenantID, id, newState)
	if err != nil {
		return false, fmt.Errorf("jwks: toggle key %s for %s: %w", id, tenantID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (d *PgxDB) ListActiveJWKs(ctx context.Context, tenantID string) ([]Row, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, kind, encrypted_content, active, cursor
		FROM jwks WHERE tenant_id = $1 AND active
		ORDER BY cursor
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("jwks: list active keys for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Kind, &r.EncryptedContent, &r.Active, &r.Cursor); err != nil {
			return nil, fmt.Errorf("jwks: scan active key row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *PgxDB) ListTenantsWithoutKind(ctx context.Context, kind string, batchSize int, lastCursor int64) ([]TenantCursor, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT t.id, t.cursor
		FROM tenants t
		WHERE t.cursor > $2
		  AND NOT EXISTS (
		    SELECT 1 FROM jwks j WHERE j.tenant_id = t.id AND j.kind = $1 AND j.active
		  )
		ORDER BY t.cursor
		LIMIT $3
	`, kind, lastCursor, batchSize)
	if err != nil {
		return nil, fmt.Errorf("jwks: list tenants missing kind %s: %w", kind, err)
	}
	defer rows.Close()

	var out []TenantCursor
	for rows.Next() {
		var tc TenantCursor
		if err := rows.Scan(&tc.TenantID, &tc.Cursor); err != nil {
			return nil, fmt.Errorf("jwks: scan tenant cursor row: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
