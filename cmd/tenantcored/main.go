// Command tenantcored is the process entrypoint wiring every core
// component together: pub/sub, tenant catalog, connection pools, JWKS,
// S3 credentials, the durable queue, the migration engine, and the
// shard reservation ledger, per the init order config -> pub/sub ->
// catalog -> pool -> jwks -> s3-credentials -> queue -> migration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nimbusstore/tenantcore/internal/catalog"
	"github.com/nimbusstore/tenantcore/internal/config"
	"github.com/nimbusstore/tenantcore/internal/cryptoutil"
	"github.com/nimbusstore/tenantcore/internal/httpapi"
	"github.com/nimbusstore/tenantcore/internal/jwks"
	"github.com/nimbusstore/tenantcore/internal/migrate"
	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/pool"
	"github.com/nimbusstore/tenantcore/internal/pubsub"
	"github.com/nimbusstore/tenantcore/internal/queue"
	"github.com/nimbusstore/tenantcore/internal/resilience"
	"github.com/nimbusstore/tenantcore/internal/s3creds"
	"github.com/nimbusstore/tenantcore/internal/shard"
)

// version is stamped into the health response; overridden at build time via
// -ldflags "-X main.version=...".
var version = "dev"

// jobDispatcher adapts queue.Queue's Event-based Send to the narrow
// Send(name, payload) shape jwks and migrate each define independently to
// avoid importing internal/queue directly.
type jobDispatcher struct {
	q *queue.Queue
}

func (d jobDispatcher) Send(ctx context.Context, name string, payload []byte) error {
	return d.q.Send(ctx, queue.Event{Name: name, Payload: json.RawMessage(payload), AllowSync: true})
}

func main() {
	root := newServeCommand()
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

// newServeCommand builds the daemon's cobra command, grounded on the
// teacher's cobra command construction and signal-based graceful
// shutdown shape.
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "tenantcored",
		Short:        "Runs the multi-tenant object storage request substrate",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("tenantcored: load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	box, err := cryptoutil.NewBoxFromString(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("tenantcored: build encryption box: %w", err)
	}

	dbURL := cfg.MultitenantDatabaseURL
	if dbURL == "" {
		dbURL = cfg.DatabaseURL
	}
	ctlPool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("tenantcored: connect control database: %w", err)
	}
	defer ctlPool.Close()

	metrics := obs.NewCollector("core")

	bus := pubsub.New(dbURL)
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("tenantcored: start pub/sub: %w", err)
	}
	defer bus.Close()

	backoff := resilience.DefaultPoolSaturationBackoff()
	poolMgr := pool.New(pool.Options{
		Dialer:  pool.PgxDialer,
		Metrics: metrics,
		Backoff: &backoff,
	})
	defer poolMgr.Stop()

	jwksStore := jwks.NewStore(jwks.NewPgxDB(ctlPool), box)
	jwksMgr := jwks.NewManager(jwksStore)
	jwksMgr.ListenForJwksUpdate(bus)

	s3Mgr := s3creds.New(s3creds.Options{
		DB:      s3creds.NewPgxDB(ctlPool),
		Box:     box,
		Metrics: metrics,
	})
	s3Mgr.ListenForS3CredentialsUpdate(bus)

	cat := catalog.New(catalog.Options{
		Loader:        catalog.NewPgxLoader(ctlPool),
		Box:           box,
		Pool:          poolMgr,
		JWKS:          jwksMgr,
		IsMultitenant: cfg.IsMultitenant,
		TenantID:      cfg.TenantID,
		Metrics:       metrics,
	})
	cat.ListenForTenantUpdate(bus)

	queueBackend := queue.NewPgxBackend(ctlPool)
	q := queue.New(queue.Options{
		Backend: queueBackend,
		Enabled: cfg.PGQueueEnable,
		Metrics: metrics,
	})
	eventLogDB := queue.NewPgxEventLogDB(ctlPool)
	dispatcher := queue.NewDispatcher(eventLogDB, q, []byte(cfg.EncryptionKey))

	migrationEngine := migrate.New(migrate.Options{
		Dialer:                  migrate.PgxDialer,
		ControlPlane:            migrate.NewPgxControlPlane(ctlPool),
		ControlPlaneURL:         dbURL,
		FreezeAt:                cfg.MigrationFreezeAt,
		RefreshHashesOnMismatch: cfg.RefreshMigrationHashesOnMismatch,
		Metrics:                 metrics,
	})

	shardLedger := shard.New(shard.Options{
		DB:      shard.NewPgxDB(ctlPool),
		Metrics: metrics,
	})

	dispatch := jobDispatcher{q: q}
	jwksGenerator := jwks.NewUrlSigningJwkGenerator(jwksMgr, dispatch, 0, metrics)

	switch cfg.MigrationStrategy {
	case config.StrategyFullFleet:
		go func() {
			if err := migrationEngine.StartAsyncMigrations(ctx, dispatch); err != nil {
				log.Printf("tenantcored: full-fleet migration dispatch failed: %v", err)
			}
		}()
	case config.StrategyProgressive:
		buffer := migrate.NewProgressiveBuffer(dispatch, time.Minute, 0)
		go buffer.Run(ctx)
		defer buffer.Stop()
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := jwksGenerator.GenerateOnAllTenants(ctx); err != nil {
					log.Printf("tenantcored: jwks backfill: %v", err)
				}
				if n, err := shardLedger.ExpireLeases(ctx); err != nil {
					log.Printf("tenantcored: shard lease expiry: %v", err)
				} else if n > 0 {
					log.Printf("tenantcored: expired %d stale shard reservations", n)
				}
				if err := dispatcher.DispatchPending(ctx, 200); err != nil {
					log.Printf("tenantcored: event log dispatch: %v", err)
				}
				if backlog, err := dispatcher.Backlog(ctx, 10000); err != nil {
					log.Printf("tenantcored: event log backlog check: %v", err)
				} else {
					metrics.QueueDepth.Set(float64(backlog))
				}
			}
		}
	}()

	checker := obs.NewChecker(version)
	checker.Register("catalog_db", func(ctx context.Context) error { return ctlPool.Ping(ctx) })
	checker.Register("pool_registry", func(ctx context.Context) error {
		checker.SetMetadata("pool_registry_size", poolMgr.Count())
		return nil
	})
	checker.Register("catalog_cache", func(ctx context.Context) error {
		checker.SetMetadata("catalog_cache_size", cat.CacheSize())
		return nil
	})
	checker.Register("queue_backlog", func(ctx context.Context) error {
		backlog, err := dispatcher.Backlog(ctx, 10000)
		if err != nil {
			return err
		}
		checker.SetMetadata("queue_backlog", backlog)
		return nil
	})

	router := httpapi.New(httpapi.Options{
		Shards:     shardLedger,
		JWKS:       jwksMgr,
		S3Creds:    s3Mgr,
		Migration:  migrationEngine,
		AdminToken: cfg.AdminToken,
		Checker:    checker,
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsMux.Handle("/health/live", obs.LivenessHandler())
		metricsMux.Handle("/health/ready", obs.ReadinessHandler(checker))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Printf("tenantcored: metrics listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("tenantcored: metrics server: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
	}()

	log.Printf("tenantcored: listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("tenantcored: serve: %w", err)
	}
	return nil
}
