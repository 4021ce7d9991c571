package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxLoader is the production Loader: tenant rows live in the
// multitenant control database's tenants table.
type PgxLoader struct {
	pool *pgxpool.Pool
}

// NewPgxLoader builds a PgxLoader over an already-connected pool.
func NewPgxLoader(pool *pgxpool.Pool) *PgxLoader { return &PgxLoader{pool: pool} }

func (l *PgxLoader) LoadTenantRow(ctx context.Context, tenantID string) (*Row, error) {
	var (
		row         Row
		featuresRaw []byte
		disabledRaw []byte
	)
	err := l.pool.QueryRow(ctx, `
		SELECT id, database_dsn, pool_mode, max_connections, file_size_limit,
		       features, encrypted_jwt_secret, legacy_jwks, encrypted_service_key_token,
		       migration_version, migration_status, tracing_mode, disabled_events
		FROM tenants
		WHERE id = $1
	`, tenantID).Scan(
		&row.ID, &row.DatabaseDSN, &row.PoolMode, &row.MaxConnections, &row.FileSizeLimit,
		&featuresRaw, &row.EncryptedJWTSecret, &row.LegacyJWKS, &row.EncryptedServiceKeyToken,
		&row.MigrationVersion, &row.MigrationStatus, &row.TracingMode, &disabledRaw,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load tenant row %s: %w", tenantID, err)
	}
	if len(featuresRaw) > 0 {
		if err := json.Unmarshal(featuresRaw, &row.Features); err != nil {
			return nil, fmt.Errorf("catalog: unmarshal features for %s: %w", tenantID, err)
		}
	}
	if len(disabledRaw) > 0 {
		if err := json.Unmarshal(disabledRaw, &row.DisabledEvents); err != nil {
			return nil, fmt.Errorf("catalog: unmarshal disabled events for %s: %w", tenantID, err)
		}
	}
	return &row, nil
}
