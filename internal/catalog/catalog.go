// Package catalog implements component D: the tenant catalog. It loads
// tenant rows from the multitenant DB, decrypts secrets, caches entries in
// memory with coalesced concurrent loads, and reacts to cross-node
// invalidation delivered over the pub/sub bus.
package catalog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nimbusstore/tenantcore/internal/cryptoutil"
	"github.com/nimbusstore/tenantcore/internal/keyedmutex"
	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/pubsub"
	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

// PoolMode values for TenantConfig.PoolMode, per spec.md §3.
const (
	PoolModeSingleUse = "single_use"
	PoolModeRecycled  = "recycled"
)

// Migration status values, per spec.md §3.
const (
	MigrationCompleted  = "COMPLETED"
	MigrationFailed     = "FAILED"
	MigrationFailedStale = "FAILED_STALE"
)

// TenantConfig is the decrypted, in-memory shape of a tenant row.
type TenantConfig struct {
	ID                string
	DatabaseDSN       string
	PoolMode          string
	MaxConnections    int
	FileSizeLimit     int64
	Features          map[string]bool
	JWTSecret         string
	LegacyJWKS        []byte
	ServiceKeyToken   string
	MigrationVersion  int
	MigrationStatus   string
	TracingMode       string
	DisabledEvents    map[string]bool
}

// ServiceKeyUser is returned by GetServiceKeyUser: a process-wide
// precomputed service token plus the claims it carries.
type ServiceKeyUser struct {
	JWT    string
	Claims map[string]any
}

// JwtSecretBundle is returned by GetJwtSecret: the tenant's symmetric
// secret merged with JWKS material from component F.
type JwtSecretBundle struct {
	Secret        string
	URLSigningKey string
	JWKS          []byte
}

// Capabilities reports which schema-gated features a tenant's migration
// version has unlocked.
type Capabilities struct {
	ListV2         bool
	IcebergCatalog bool
	VectorBuckets  bool
}

// capabilityFloor names the minimum migration version at which each
// schema-gated capability becomes available. Ordered ascending.
var capabilityFloor = struct {
	ListV2         int
	IcebergCatalog int
	VectorBuckets  int
}{ListV2: 1, IcebergCatalog: 5, VectorBuckets: 8}

// Row is what a raw multitenant DB row looks like before decryption; the
// Loader implementation is responsible for producing one of these per
// lookup, keeping SQL and pgx usage out of this package's direct
// dependency surface, matching spec.md §9's "duck-typed JSON rows from the
// DB, decryption happens at the boundary" guidance.
type Row struct {
	ID                string
	DatabaseDSN       string
	PoolMode          string
	MaxConnections    int
	FileSizeLimit     int64
	Features          map[string]bool
	EncryptedJWTSecret string
	LegacyJWKS        []byte
	EncryptedServiceKeyToken string
	MigrationVersion  int
	MigrationStatus   string
	TracingMode       string
	DisabledEvents    map[string]bool
}

// Loader fetches a single tenant row from the multitenant DB. Returning
// (nil, nil) means the row does not exist.
type Loader interface {
	LoadTenantRow(ctx context.Context, tenantID string) (*Row, error)
}

// PoolController is the subset of the connection-pool manager (component
// E) the catalog drives on config change.
type PoolController interface {
	Rebalance(ctx context.Context, tenantID string, clusterSize int) error
	Destroy(ctx context.Context, tenantID string) error
}

// JWKSSource is the subset of component F the catalog merges into
// GetJwtSecret.
type JWKSSource interface {
	GetJwksTenantConfig(ctx context.Context, tenantID string) (urlSigningKey string, jwks []byte, err error)
}

// Options configure a Catalog.
type Options struct {
	Loader       Loader
	Box          *cryptoutil.Box
	Pool         PoolController
	JWKS         JWKSSource
	ClusterSize  int
	IsMultitenant bool
	TenantID     string // single-tenant mode
	ServiceUser  *ServiceKeyUser
	Metrics      *obs.Collector
}

// Catalog is the process-local tenant config cache.
type Catalog struct {
	loader       Loader
	box          *cryptoutil.Box
	pool         PoolController
	jwks         JWKSSource
	clusterSize  int
	isMultitenant bool
	serviceUser  *ServiceKeyUser

	coalesce *keyedmutex.Group
	log      *log.Logger
	metrics  *obs.Collector

	mu    sync.RWMutex
	cache map[string]*TenantConfig
}

// New builds a Catalog. ClusterSize defaults to 1 if unset.
func New(opts Options) *Catalog {
	clusterSize := opts.ClusterSize
	if clusterSize <= 0 {
		clusterSize = 1
	}
	return &Catalog{
		loader:        opts.Loader,
		box:           opts.Box,
		pool:          opts.Pool,
		jwks:          opts.JWKS,
		clusterSize:   clusterSize,
		isMultitenant: opts.IsMultitenant,
		serviceUser:   opts.ServiceUser,
		coalesce:      keyedmutex.New(),
		log:           log.New(log.Writer(), "[Catalog] ", log.LstdFlags),
		metrics:       opts.Metrics,
		cache:         make(map[string]*TenantConfig),
	}
}

// GetTenantConfig returns the cached config for tenantID, loading it from
// the multitenant DB on a cache miss. Concurrent misses for the same
// tenant coalesce through the keyed mutex so at most one load is
// in-flight, matching spec.md §8's testable property.
func (c *Catalog) GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	if tenantID == "" {
		return nil, svcerr.ErrInvalidTenantId
	}

	c.mu.RLock()
	if cfg, ok := c.cache[tenantID]; ok {
		c.mu.RUnlock()
		if c.metrics != nil {
			c.metrics.CatalogCacheHits.Inc()
		}
		return cfg, nil
	}
	c.mu.RUnlock()

	if c.metrics != nil {
		c.metrics.CatalogCacheMisses.Inc()
	}
	v, err := c.coalesce.Run("tenant-config:"+tenantID, func() (any, error) {
		return c.load(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TenantConfig), nil
}

func (c *Catalog) load(ctx context.Context, tenantID string) (*TenantConfig, error) {
	// Another goroutine may have populated the cache while we waited to
	// acquire the coalescing slot.
	c.mu.RLock()
	if cfg, ok := c.cache[tenantID]; ok {
		c.mu.RUnlock()
		return cfg, nil
	}
	c.mu.RUnlock()

	start := time.Now()
	row, err := c.loader.LoadTenantRow(ctx, tenantID)
	if c.metrics != nil {
		c.metrics.CatalogLoadDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, svcerr.NewTenantError(tenantID, err)
	}
	if row == nil {
		return nil, svcerr.NewTenantError(tenantID, svcerr.ErrMissingTenantConfig)
	}

	cfg, err := c.decrypt(row)
	if err != nil {
		return nil, svcerr.NewTenantError(tenantID, err)
	}

	c.mu.Lock()
	c.cache[tenantID] = cfg
	size := len(c.cache)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.TenantsCached.Set(float64(size))
	}
	return cfg, nil
}

func (c *Catalog) decrypt(row *Row) (*TenantConfig, error) {
	secret, err := c.box.DecryptString(row.EncryptedJWTSecret)
	if err != nil {
		return nil, err
	}
	var serviceToken string
	if row.EncryptedServiceKeyToken != "" {
		serviceToken, err = c.box.DecryptString(row.EncryptedServiceKeyToken)
		if err != nil {
			return nil, err
		}
	}
	return &TenantConfig{
		ID:               row.ID,
		DatabaseDSN:      row.DatabaseDSN,
		PoolMode:         row.PoolMode,
		MaxConnections:   row.MaxConnections,
		FileSizeLimit:    row.FileSizeLimit,
		Features:         row.Features,
		JWTSecret:        secret,
		LegacyJWKS:       row.LegacyJWKS,
		ServiceKeyToken:  serviceToken,
		MigrationVersion: row.MigrationVersion,
		MigrationStatus:  row.MigrationStatus,
		TracingMode:      row.TracingMode,
		DisabledEvents:   row.DisabledEvents,
	}, nil
}

// GetServiceKeyUser returns the precomputed process-wide service token in
// single-tenant mode, per spec.md §4.D.
func (c *Catalog) GetServiceKeyUser(ctx context.Context, tenantID string) (*ServiceKeyUser, error) {
	if !c.isMultitenant {
		if c.serviceUser == nil {
			return nil, svcerr.ErrMissingTenantConfig
		}
		return c.serviceUser, nil
	}
	cfg, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &ServiceKeyUser{JWT: cfg.ServiceKeyToken, Claims: map[string]any{"role": "service_role"}}, nil
}

// GetJwtSecret merges the tenant's inline legacy JWKS with JWKS rows from
// component F. If no active URL-signing JWK exists, urlSigningKey falls
// back to the tenant's symmetric secret.
func (c *Catalog) GetJwtSecret(ctx context.Context, tenantID string) (*JwtSecretBundle, error) {
	cfg, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	bundle := &JwtSecretBundle{Secret: cfg.JWTSecret, URLSigningKey: cfg.JWTSecret, JWKS: cfg.LegacyJWKS}
	if c.jwks == nil {
		return bundle, nil
	}
	urlSigningKey, jwks, err := c.jwks.GetJwksTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, svcerr.NewTenantError(tenantID, err)
	}
	if urlSigningKey != "" {
		bundle.URLSigningKey = urlSigningKey
	}
	if len(jwks) > 0 {
		bundle.JWKS = mergeJWKS(cfg.LegacyJWKS, jwks)
	}
	return bundle, nil
}

func mergeJWKS(legacy, fromStore []byte) []byte {
	if len(legacy) == 0 {
		return fromStore
	}
	if len(fromStore) == 0 {
		return legacy
	}
	// Both present: prefer the store's JWKS, which supersedes the
	// legacy inline set once any key has been migrated into component F.
	return fromStore
}

// GetTenantCapabilities derives enabled capabilities purely from the
// tenant's migration version against the fixed capabilityFloor enum.
func (c *Catalog) GetTenantCapabilities(ctx context.Context, tenantID string) (*Capabilities, error) {
	cfg, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Capabilities{
		ListV2:         cfg.MigrationVersion >= capabilityFloor.ListV2,
		IcebergCatalog: cfg.MigrationVersion >= capabilityFloor.IcebergCatalog,
		VectorBuckets:  cfg.MigrationVersion >= capabilityFloor.VectorBuckets,
	}, nil
}

// TenantHasFeature is always true in single-tenant mode; otherwise it
// reads the tenant's feature-flag map.
func (c *Catalog) TenantHasFeature(ctx context.Context, tenantID, feature string) (bool, error) {
	if !c.isMultitenant {
		return true, nil
	}
	cfg, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return cfg.Features[feature], nil
}

// ListenForTenantUpdate registers the tenants_update handler that evicts
// cache entries and triggers pool rebalance/destroy per spec.md §4.D's
// cache policy.
func (c *Catalog) ListenForTenantUpdate(bus *pubsub.Bus) {
	bus.Subscribe(pubsub.ChannelTenantsUpdate, func(tenantID string) {
		c.handleInvalidation(tenantID)
	})
}

func (c *Catalog) handleInvalidation(tenantID string) {
	c.mu.Lock()
	old, had := c.cache[tenantID]
	delete(c.cache, tenantID)
	size := len(c.cache)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.TenantsCached.Set(float64(size))
	}

	ctx := context.Background()
	fresh, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		c.log.Printf("re-fetch after invalidation for tenant %s failed: %v", tenantID, err)
		return
	}
	if !had || c.pool == nil {
		return
	}

	if old.PoolMode == PoolModeRecycled && fresh.PoolMode == PoolModeSingleUse {
		if err := c.pool.Destroy(ctx, tenantID); err != nil {
			c.log.Printf("destroy pool for tenant %s after pool-mode change failed: %v", tenantID, err)
		}
		return
	}
	if old.MaxConnections != fresh.MaxConnections {
		if err := c.pool.Rebalance(ctx, tenantID, c.clusterSize); err != nil {
			c.log.Printf("rebalance pool for tenant %s after maxConnections change failed: %v", tenantID, err)
		}
	}
}

// CacheSize returns the number of tenant config entries currently cached,
// used by obs health checks.
func (c *Catalog) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Evict drops tenantID's cache entry without triggering pool effects,
// used by tests and admin tooling.
func (c *Catalog) Evict(tenantID string) {
	c.mu.Lock()
	delete(c.cache, tenantID)
	size := len(c.cache)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.TenantsCached.Set(float64(size))
	}
}
