// Package cli builds the precompute command tree:
//
//	precompute worker             claim and run jobs until stopped
//	precompute enqueue            arm jobs for targets or a scope
//	precompute refresh            reset stale jobs once
//	precompute refresh-scheduler  reset stale jobs on a cron schedule
//	precompute api                serve the operator HTTP API
//	precompute migrate            apply database migrations
//
// Settings come from the environment (and an optional .env file); the
// persistent flags below override the matching variables.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"recset-precompute/internal/catalog"
	"recset-precompute/internal/config"
	"recset-precompute/internal/queue"
	"recset-precompute/internal/scheduler"
	"recset-precompute/internal/store"
)

type rootOptions struct {
	envFile   string
	catalog   string
	dbDriver  string
	dbDSN     string
	logLevel  string
	logFormat string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "precompute",
		Short:         "Precompute recommendation sets from a durable job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file merged into the environment")
	pf.StringVar(&opts.catalog, "catalog", "", "catalog location, a file path or s3://bucket/key (CATALOG_SOURCE)")
	pf.StringVar(&opts.dbDriver, "db-driver", "", "database driver: pgx, postgres or sqlite3 (DB_DRIVER)")
	pf.StringVar(&opts.dbDSN, "db-dsn", "", "database DSN (DATABASE_DSN)")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	pf.StringVar(&opts.logFormat, "log-format", "", "text or json (LOG_FORMAT)")

	root.AddCommand(
		buildWorkerCommand(opts),
		buildEnqueueCommand(opts),
		buildRefreshCommand(opts),
		buildRefreshSchedulerCommand(opts),
		buildAPICommand(opts),
		buildMigrateCommand(opts),
	)
	return root
}

// runtime holds the dependencies shared by every subcommand.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.SQLStore
	catalog *catalog.Catalog
	redis   *redis.Client
}

// setup loads config and opens the store. The catalog is loaded only when
// withCatalog is set, since migrate does not need one.
func (o *rootOptions) setup(ctx context.Context, errOut io.Writer, withCatalog bool) (*runtime, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, err
	}
	if o.catalog != "" {
		cfg.CatalogSource = o.catalog
	}
	if o.dbDriver != "" {
		cfg.DBDriver = o.dbDriver
	}
	if o.dbDSN != "" {
		cfg.DatabaseDSN = o.dbDSN
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}

	logger, err := newLogger(errOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	if withCatalog {
		src, err := catalog.NewSource(ctx, cfg.CatalogSource, catalog.S3Options{
			Region:    cfg.AWSRegion,
			Endpoint:  cfg.CatalogS3Endpoint,
			PathStyle: cfg.CatalogS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		if rt.catalog, err = catalog.Load(ctx, src); err != nil {
			return nil, fmt.Errorf("load catalog %s: %w", cfg.CatalogSource, err)
		}
	}

	rt.store, err = store.Open(ctx, cfg.DBDriver, cfg.DatabaseDSN,
		store.WithTextLimits(cfg.StatusLogMax, cfg.ErrorDetailMax))
	if err != nil {
		return nil, err
	}
	if cfg.RedisEnabled() {
		rt.redis = queue.NewClient(cfg)
	}
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

// notifier returns the wake signal, or nil when Redis is not configured.
func (rt *runtime) notifier() scheduler.Notifier {
	if rt.redis == nil {
		return nil
	}
	return queue.NewSignal(rt.redis, queue.DefaultWakeKey)
}

func (rt *runtime) enqueuer() *scheduler.Enqueuer {
	return scheduler.NewEnqueuer(rt.store, rt.catalog, rt.notifier(), rt.logger)
}

func (rt *runtime) refresher() *scheduler.Refresher {
	return scheduler.NewRefresher(rt.store, rt.catalog, rt.notifier(), rt.cfg.HeartbeatThreshold, rt.logger)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
