package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every Prometheus metric published by the core.
type Collector struct {
	// Catalog metrics (component D)
	CatalogCacheHits       prometheus.Counter
	CatalogCacheMisses     prometheus.Counter
	CatalogLoadDuration    prometheus.Histogram
	TenantsCached          prometheus.Gauge

	// Pool metrics (component E)
	PoolsActive            prometheus.Gauge
	PoolsCreated           prometheus.Counter
	PoolsDestroyed         prometheus.Counter
	PoolAcquireDuration     prometheus.Histogram
	PoolSaturationRetries  *prometheus.CounterVec

	// JWKS metrics (component F)
	JWKSBackfillBatches     prometheus.Counter
	JWKSBackfillTenants     prometheus.Counter

	// S3 credentials metrics (component G)
	S3CredentialCacheHits   prometheus.Counter
	S3CredentialCacheMisses prometheus.Counter

	// Queue metrics (component H)
	QueueJobsSent           *prometheus.CounterVec
	QueueJobsFallbackSync   *prometheus.CounterVec
	QueueDepth              prometheus.Gauge

	// Migration metrics (component I)
	MigrationDuration       *prometheus.HistogramVec
	MigrationFailures       *prometheus.CounterVec
	TenantsLagging          prometheus.Gauge

	// Shard ledger metrics (component J)
	ShardReservationsActive prometheus.Gauge
	ShardReservationErrors  *prometheus.CounterVec
}

// NewCollector registers and returns every metric under the given
// subsystem label.
func NewCollector(subsystem string) *Collector {
	const ns = "tenantcore"
	return &Collector{
		CatalogCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "catalog_cache_hits_total",
			Help: "Tenant config cache hits",
		}),
		CatalogCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "catalog_cache_misses_total",
			Help: "Tenant config cache misses requiring a DB load",
		}),
		CatalogLoadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: subsystem, Name: "catalog_load_duration_seconds",
			Help: "Time to load a tenant config row", Buckets: prometheus.DefBuckets,
		}),
		TenantsCached: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem, Name: "tenants_cached",
			Help: "Number of tenant config entries currently cached",
		}),

		PoolsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem, Name: "pools_active",
			Help: "Number of live per-tenant connection pools",
		}),
		PoolsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "pools_created_total",
			Help: "Total pools created",
		}),
		PoolsDestroyed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "pools_destroyed_total",
			Help: "Total pools destroyed (explicit destroy, rebalance, or idle reap)",
		}),
		PoolAcquireDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: subsystem, Name: "pool_acquire_duration_seconds",
			Help: "Time spent acquiring a transaction from a tenant pool", Buckets: prometheus.DefBuckets,
		}),
		PoolSaturationRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "pool_saturation_retries_total",
			Help: "Bounded-backoff retry attempts on pool saturation",
		}, []string{"tenant_id"}),

		JWKSBackfillBatches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "jwks_backfill_batches_total",
			Help: "Batches dispatched by the URL-signing JWK backfill generator",
		}),
		JWKSBackfillTenants: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "jwks_backfill_tenants_total",
			Help: "Tenants backfilled with a URL-signing JWK",
		}),

		S3CredentialCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "s3_credential_cache_hits_total",
			Help: "S3 credential LRU cache hits",
		}),
		S3CredentialCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "s3_credential_cache_misses_total",
			Help: "S3 credential LRU cache misses",
		}),

		QueueJobsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "queue_jobs_sent_total",
			Help: "Jobs enqueued, by event name",
		}, []string{"event"}),
		QueueJobsFallbackSync: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "queue_jobs_fallback_sync_total",
			Help: "Jobs executed inline because enqueue failed",
		}, []string{"event"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem, Name: "queue_depth",
			Help: "Approximate outstanding job count",
		}),

		MigrationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: subsystem, Name: "migration_duration_seconds",
			Help: "Time to apply a tenant's pending migrations", Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
		MigrationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "migration_failures_total",
			Help: "Migration runs ending in FAILED or FAILED_STALE",
		}, []string{"status"}),
		TenantsLagging: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem, Name: "tenants_lagging",
			Help: "Tenants whose migration version is behind the local target",
		}),

		ShardReservationsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem, Name: "shard_reservations_active",
			Help: "Reservations currently pending or confirmed",
		}),
		ShardReservationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: "shard_reservation_errors_total",
			Help: "Reservation attempts that failed, by error kind",
		}, []string{"kind"}),
	}
}
