// Package config loads the process-wide settings snapshot described in
// spec.md §4.A and §6: a flat namespace of environment variables, read
// once at construction, with an explicit Reload entry point for tests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MigrationStrategy selects how the tenant migration engine dispatches
// work (spec.md §4.I).
type MigrationStrategy string

const (
	StrategyOnRequest  MigrationStrategy = "ON_REQUEST"
	StrategyProgressive MigrationStrategy = "PROGRESSIVE"
	StrategyFullFleet  MigrationStrategy = "FULL_FLEET"
)

// Config is the one-shot snapshot every component captures what it needs
// from at construction time; nothing downstream re-reads the environment.
type Config struct {
	// Tenancy
	IsMultitenant                bool
	TenantID                     string
	RequestXForwardedHostRegexp string

	// DB
	DatabaseURL                      string
	DatabasePoolURL                  string
	MultitenantDatabaseURL           string
	DatabaseMaxConnections           int
	DatabaseFreePoolAfterInactivity  time.Duration
	DatabaseConnectionTimeout        time.Duration
	DatabaseStatementTimeout         time.Duration
	DatabaseSSLRootCert              string
	DBSearchPath                     string
	DBPostgresVersion                string
	DBInstallRoles                   bool
	DBSuperUser                      string
	DBAnonRole                       string
	DBAuthenticatedRole              string
	DBServiceRole                    string

	// Migrations
	MigrationStrategy               MigrationStrategy
	MigrationFreezeAt               string
	RefreshMigrationHashesOnMismatch bool

	// Auth
	EncryptionKey   string
	PgrstJWTSecret  string
	PgrstJWTAlgorithm string
	JWTJWKS         string

	// Queue
	PGQueueEnable            bool
	PGQueueConnectionURL     string
	PGQueueApplicationName   string

	// Region/obs
	Region         string
	TracingEnabled bool
	LogLevel       string

	// Ambient (not in spec.md §6's enumerated families, added by SPEC_FULL.md §5)
	MetricsAddr string
	HTTPAddr    string
	AdminToken  string
}

// Load reads the process environment, optionally merging values from an
// .env file named by ENV_FILE, and validates required single-tenant keys.
// Unknown keys are ignored, matching spec.md §4.A.
func Load() (*Config, error) {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	}
	return fromEnv()
}

// Reload is the explicit re-read entry point spec.md §4.A calls out for
// tests: it re-parses the current process environment into a fresh Config
// without touching any dotenv file.
func Reload() (*Config, error) { return fromEnv() }

func fromEnv() (*Config, error) {
	c := &Config{
		IsMultitenant:                bool_(os.Getenv("IS_MULTITENANT")),
		TenantID:                     os.Getenv("TENANT_ID"),
		RequestXForwardedHostRegexp: os.Getenv("REQUEST_X_FORWARDED_HOST_REGEXP"),

		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DatabasePoolURL:        os.Getenv("DATABASE_POOL_URL"),
		MultitenantDatabaseURL: os.Getenv("MULTITENANT_DATABASE_URL"),
		DatabaseMaxConnections: int_(os.Getenv("DATABASE_MAX_CONNECTIONS"), 10),
		DatabaseFreePoolAfterInactivity: duration_(os.Getenv("DATABASE_FREE_POOL_AFTER_INACTIVITY"), 5*time.Minute),
		DatabaseConnectionTimeout:       duration_(os.Getenv("DATABASE_CONNECTION_TIMEOUT"), 10*time.Second),
		DatabaseStatementTimeout:        duration_(os.Getenv("DATABASE_STATEMENT_TIMEOUT"), 0),
		DatabaseSSLRootCert:             os.Getenv("DATABASE_SSL_ROOT_CERT"),
		DBSearchPath:                    os.Getenv("DB_SEARCH_PATH"),
		DBPostgresVersion:               os.Getenv("DB_POSTGRES_VERSION"),
		DBInstallRoles:                  bool_(os.Getenv("DB_INSTALL_ROLES")),
		DBSuperUser:                     orDefault(os.Getenv("DB_SUPER_USER"), "postgres"),
		DBAnonRole:                      orDefault(os.Getenv("DB_ANON_ROLE"), "anon"),
		DBAuthenticatedRole:             orDefault(os.Getenv("DB_AUTHENTICATED_ROLE"), "authenticated"),
		DBServiceRole:                   orDefault(os.Getenv("DB_SERVICE_ROLE"), "service_role"),

		MigrationStrategy:                MigrationStrategy(orDefault(os.Getenv("DB_MIGRATION_STRATEGY"), string(StrategyOnRequest))),
		MigrationFreezeAt:                os.Getenv("DB_MIGRATION_FREEZE_AT"),
		RefreshMigrationHashesOnMismatch: bool_(os.Getenv("DB_REFRESH_MIGRATION_HASHES_ON_MISMATCH")),

		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		PgrstJWTSecret:    os.Getenv("PGRST_JWT_SECRET"),
		PgrstJWTAlgorithm: orDefault(os.Getenv("PGRST_JWT_ALGORITHM"), "HS256"),
		JWTJWKS:           os.Getenv("JWT_JWKS"),

		PGQueueEnable:          bool_(os.Getenv("PG_QUEUE_ENABLE")),
		PGQueueConnectionURL:   os.Getenv("PG_QUEUE_CONNECTION_URL"),
		PGQueueApplicationName: orDefault(os.Getenv("PG_QUEUE_APPLICATION_NAME"), "tenantcore"),

		Region:         os.Getenv("REGION"),
		TracingEnabled: bool_(os.Getenv("TRACING_ENABLED")),
		LogLevel:       orDefault(os.Getenv("LOG_LEVEL"), "info"),

		MetricsAddr: orDefault(os.Getenv("METRICS_ADDR"), ":9090"),
		HTTPAddr:    orDefault(os.Getenv("HTTP_ADDR"), ":8080"),
		AdminToken:  os.Getenv("ADMIN_TOKEN"),
	}

	if !isValidStrategy(c.MigrationStrategy) {
		return nil, fmt.Errorf("config: invalid DB_MIGRATION_STRATEGY %q", c.MigrationStrategy)
	}

	if !c.IsMultitenant {
		if err := c.requireSingleTenant(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Config) requireSingleTenant() error {
	var missing []string
	if c.TenantID == "" {
		missing = append(missing, "TENANT_ID")
	}
	if c.PgrstJWTSecret == "" {
		missing = append(missing, "PGRST_JWT_SECRET")
	}
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required single-tenant keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

func isValidStrategy(s MigrationStrategy) bool {
	switch s {
	case StrategyOnRequest, StrategyProgressive, StrategyFullFleet:
		return true
	default:
		return false
	}
}

func bool_(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func int_(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func duration_(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
