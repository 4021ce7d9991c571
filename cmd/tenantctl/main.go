// Command tenantctl is an operator CLI for inspecting and repairing the
// control plane out of band from the daemon: replaying a tenant's
// migrations, checking migration state, and poking at the shard
// reservation ledger. It opens its own connection to the multitenant
// control database rather than talking to tenantcored over HTTP, since
// the operations it exposes (rolling back applied migrations, freeing a
// stuck reservation) are meant to work even when the daemon is down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/nimbusstore/tenantcore/internal/config"
	"github.com/nimbusstore/tenantcore/internal/httpapi"
	"github.com/nimbusstore/tenantcore/internal/migrate"
	"github.com/nimbusstore/tenantcore/internal/obs"
	"github.com/nimbusstore/tenantcore/internal/shard"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "tenantctl",
		Short:        "Inspects and repairs the tenant control plane",
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCommand(), newShardCommand(), newAdminCommand())
	return root
}

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin session token management",
	}
	cmd.AddCommand(newAdminMintSessionCommand())
	return cmd
}

func newAdminMintSessionCommand() *cobra.Command {
	var name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint-session",
		Short: "Mints a short-lived admin session token signed with ADMIN_TOKEN",
		Long: "Signs a time-boxed token an operator can hand to a script or teammate\n" +
			"instead of the root ADMIN_TOKEN itself. Accepted by every tenantcored\n" +
			"/admin/ route until it expires.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("tenantctl: load config: %w", err)
			}
			if cfg.AdminToken == "" {
				return fmt.Errorf("tenantctl: ADMIN_TOKEN is not configured")
			}
			token, err := httpapi.SignAdminSessionToken(cfg.AdminToken, name, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "operator", "name recorded in the token's subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "how long the token remains valid")
	return cmd
}

// withControlPool loads the daemon's config, opens a short-lived pool
// against the multitenant control database, and runs fn against it.
func withControlPool(ctx context.Context, fn func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("tenantctl: load config: %w", err)
	}
	dbURL := cfg.MultitenantDatabaseURL
	if dbURL == "" {
		dbURL = cfg.DatabaseURL
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("tenantctl: connect control database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, pool, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newMigrationEngine builds a migrate.Engine with no migration content of
// its own: tenantctl operates on whatever schema_migrations rows already
// exist, so replay/status never need the actual SQL bodies, only the
// bookkeeping columns (id, name, hash, executed_at).
func newMigrationEngine(pool *pgxpool.Pool, cfg *config.Config) *migrate.Engine {
	return migrate.New(migrate.Options{
		Dialer:                  migrate.PgxDialer,
		ControlPlane:            migrate.NewPgxControlPlane(pool),
		ControlPlaneURL:         cfg.MultitenantDatabaseURL,
		FreezeAt:                cfg.MigrationFreezeAt,
		RefreshHashesOnMismatch: cfg.RefreshMigrationHashesOnMismatch,
		Metrics:                 obs.NewCollector("tenantctl"),
	})
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspects and replays tenant schema migrations",
	}
	cmd.AddCommand(newMigrateStatusCommand(), newMigrateEnsureCommand(), newMigrateReplayCommand())
	return cmd
}

func newMigrateStatusCommand() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints a tenant's recorded migration version and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("tenantctl: --tenant is required")
			}
			return withControlPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				cp := migrate.NewPgxControlPlane(pool)
				version, status, err := cp.GetTenantMigrationState(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"tenantId": tenantID,
					"version":  version,
					"status":   status,
				})
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	return cmd
}

func newMigrateEnsureCommand() *cobra.Command {
	var tenantID, databaseURL string
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Brings a single tenant's database up to the current migration target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" || databaseURL == "" {
				return fmt.Errorf("tenantctl: --tenant and --database-url are required")
			}
			return withControlPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				engine := newMigrationEngine(pool, cfg)
				if err := engine.EnsureTenantMigrated(ctx, tenantID, databaseURL); err != nil {
					return err
				}
				fmt.Printf("tenant %s migrated\n", tenantID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "tenant database connection string")
	return cmd
}

func newMigrateReplayCommand() *cobra.Command {
	var tenantID, databaseURL, until, markCompletedTill string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rolls a tenant's applied-migrations ledger back to a named migration",
		Long: "Rolls a tenant's schema_migrations table back to the given migration under\n" +
			"the tenant's advisory lock, for re-running a migration that was fixed after\n" +
			"a bad release. Pass --mark-completed-till to skip re-applying migrations\n" +
			"that are safe to treat as already satisfied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" || databaseURL == "" || until == "" {
				return fmt.Errorf("tenantctl: --tenant, --database-url and --until are required")
			}
			return withControlPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				engine := newMigrationEngine(pool, cfg)
				err := engine.ResetMigration(ctx, migrate.ResetOptions{
					TenantID:                   tenantID,
					DatabaseURL:                databaseURL,
					UntilMigration:             until,
					MarkCompletedTillMigration: markCompletedTill,
				})
				if err != nil {
					return err
				}
				fmt.Printf("tenant %s rolled back to %s\n", tenantID, until)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "tenant database connection string")
	cmd.Flags().StringVar(&until, "until", "", "name of the migration to roll back to")
	cmd.Flags().StringVar(&markCompletedTill, "mark-completed-till", "", "name of a later migration to mark synthetically applied")
	return cmd
}

func newShardCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Inspects and repairs the shard reservation ledger",
	}
	cmd.AddCommand(newShardCreateCommand(), newShardFindCommand(), newShardFreeCommand(), newShardExpireCommand())
	return cmd
}

func newShardCreateCommand() *cobra.Command {
	var kind, key string
	var capacity int
	var active bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Registers a new shard of a given kind and capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" || key == "" {
				return fmt.Errorf("tenantctl: --kind and --key are required")
			}
			return withControlPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				ledger := shard.New(shard.Options{DB: shard.NewPgxDB(pool), Metrics: obs.NewCollector("tenantctl")})
				s, err := ledger.CreateShard(ctx, kind, key, capacity, active)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "shard kind")
	cmd.Flags().StringVar(&key, "key", "", "shard key, unique within kind")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "number of slots the shard can hold")
	cmd.Flags().BoolVar(&active, "active", true, "whether the shard accepts new reservations")
	return cmd
}

func newShardFindCommand() *cobra.Command {
	var resource string
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Looks up the shard backing a canonical resource id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resource == "" {
				return fmt.Errorf("tenantctl: --resource is required")
			}
			return withControlPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				ledger := shard.New(shard.Options{DB: shard.NewPgxDB(pool), Metrics: obs.NewCollector("tenantctl")})
				s, err := ledger.FindShardByResourceID(ctx, resource)
				if err != nil {
					return err
				}
				if s == nil {
					fmt.Println("no reservation found for that resource")
					return nil
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "", "canonical resource id, kind::bucket::logical")
	return cmd
}

func newShardFreeCommand() *cobra.Command {
	var shardID, resource string
	var slot int
	cmd := &cobra.Command{
		Use:   "free",
		Short: "Force-frees a slot, either by shard/slot number or by resource id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if shardID == "" {
				return fmt.Errorf("tenantctl: --shard is required")
			}
			return withControlPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				ledger := shard.New(shard.Options{DB: shard.NewPgxDB(pool), Metrics: obs.NewCollector("tenantctl")})
				if resource != "" {
					if err := ledger.FreeByResource(ctx, shardID, resource); err != nil {
						return err
					}
					fmt.Printf("freed resource %s on shard %s\n", resource, shardID)
					return nil
				}
				if err := ledger.FreeByLocation(ctx, shardID, slot); err != nil {
					return err
				}
				fmt.Printf("freed slot %d on shard %s\n", slot, shardID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&shardID, "shard", "", "shard id")
	cmd.Flags().IntVar(&slot, "slot", -1, "slot number to free")
	cmd.Flags().StringVar(&resource, "resource", "", "resource id to free, instead of --slot")
	return cmd
}

func newShardExpireCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire-leases",
		Short: "Sweeps pending reservations whose lease has passed and frees their slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControlPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				ledger := shard.New(shard.Options{DB: shard.NewPgxDB(pool), Metrics: obs.NewCollector("tenantctl")})
				n, err := ledger.ExpireLeases(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d reservations\n", n)
				return nil
			})
		},
	}
	return cmd
}
