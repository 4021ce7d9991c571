package s3creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDB is the production DB backing Manager, persisting credentials to
// the multitenant control database's s3_credentials table.
type PgxDB struct {
	pool *pgxpool.Pool
}

// NewPgxDB builds a PgxDB over an already-connected pool.
func NewPgxDB(pool *pgxpool.Pool) *PgxDB { return &PgxDB{pool: pool} }

func (d *PgxDB) InsertCredential(ctx context.Context, row Row) error {
	claimsJSON, err := json.Marshal(row.Claims)
	if err != nil {
		return fmt.Errorf("s3creds: marshal claims for %s: %w", row.ID, err)
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO s3_credentials (id, tenant_id, access_key, encrypted_secret_key, description, claims, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, row.ID, row.TenantID, row.AccessKey, row.EncryptedSecretKey, row.Description, claimsJSON, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("s3creds: insert credential for %s: %w", row.TenantID, err)
	}
	return nil
}

func (d *PgxDB) GetCredentialByAccessKey(ctx context.Context, tenantID, accessKey string) (*Row, error) {
	var row Row
	var claimsJSON []byte
	err := d.pool.QueryRow(ctx, `
		SELECT id, tenant_id, access_key, encrypted_secret_key, description, claims, created_at
		FROM s3_credentials WHERE tenant_id = $1 AND access_key = $2
	`, tenantID, accessKey).Scan(
		&row.ID, &row.TenantID, &row.AccessKey, &row.EncryptedSecretKey, &row.Description, &claimsJSON, &row.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3creds: get credential %s/%s: %w", tenantID, accessKey, err)
	}
	if len(claimsJSON) > 0 {
		if err := json.Unmarshal(claimsJSON, &row.Claims); err != nil {
			return nil, fmt.Errorf("s3creds: unmarshal claims for %s: %w", row.ID, err)
		}
	}
	return &row, nil
}

func (d *PgxDB) DeleteCredential(ctx context.Context, tenantID, id string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM s3_credentials WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("s3creds: delete credential %s/%s: %w", tenantID, id, err)
	}
	return nil
}

func (d *PgxDB) ListCredentials(ctx context.Context, tenantID string) ([]Row, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, tenant_id, access_key, encrypted_secret_key, description, claims, created_at
		FROM s3_credentials WHERE tenant_id = $1
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("s3creds: list credentials for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var claimsJSON []byte
		if err := rows.Scan(&row.ID, &row.TenantID, &row.AccessKey, &row.EncryptedSecretKey, &row.Description, &claimsJSON, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("s3creds: scan credential row: %w", err)
		}
		if len(claimsJSON) > 0 {
			if err := json.Unmarshal(claimsJSON, &row.Claims); err != nil {
				return nil, fmt.Errorf("s3creds: unmarshal claims for %s: %w", row.ID, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *PgxDB) CountCredentials(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := d.pool.QueryRow(ctx, `SELECT count(*) FROM s3_credentials WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("s3creds: count credentials for %s: %w", tenantID, err)
	}
	return n, nil
}
