package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/analysis"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/config"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/congestion"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/db"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/directory"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/forwarder"
	httpserver "github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/http"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/metrics"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/poller"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/ranking"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/schedule"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/snapshot"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/stream"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/tsdb"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sensing pipeline and the ops HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg, newLogger(cfg.LogLevel))
	},
}

// newRedisClient skips CLIENT SETINFO on connect; simulator deployments run
// Redis builds that reject it.
func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:             cfg.RedisAddr,
		Password:         cfg.RedisPassword,
		DB:               cfg.RedisDB,
		DisableIndentity: true,
	})
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	rdb := newRedisClient(cfg)
	defer rdb.Close()

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connection error: %w", err)
	}
	defer store.Close()

	series := tsdb.New(cfg.InfluxURL, cfg.InfluxToken, tsdb.Options{
		Org:         cfg.InfluxOrg,
		Bucket:      cfg.InfluxBucket,
		Measurement: cfg.InfluxMeasurement,
		Range:       cfg.InfluxRange,
	})
	defer series.Close()

	checkDependencies(ctx, cfg, log, rdb, store, series)

	layout := snapshot.HashLayout
	if cfg.EdgeKeyMode == config.EdgeKeyModePrefix {
		layout = snapshot.PrefixLayout
	}
	edges := snapshot.NewStore(rdb, snapshot.Options{
		Layout:  layout,
		HashKey: cfg.EdgeHashKey,
		Prefix:  cfg.EdgeKeyPrefix,
	})

	classifier := congestion.Classifier{
		Threshold:         cfg.CongestionThreshold,
		EstimateOccupancy: cfg.OccupancyFallback,
	}

	dir := directory.New(store, log.With("component", "directory"), m)
	bus := stream.New[models.EnrichedEvent](stream.WithDropHook(m.StreamDrop))
	poll := poller.New(edges, dir, bus, classifier, log.With("component", "poller"), m)
	fwd := forwarder.New(bus, series, forwarder.Options{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Buffer:       cfg.StreamBuffer,
		FlushTimeout: cfg.ShutdownTimeout,
	}, log.With("component", "forwarder"), m)
	engine := analysis.New(series, store, dir, analysis.Options{
		WindowSize:    cfg.WindowSize,
		Advance:       cfg.WindowAdvance,
		BaseTime:      cfg.AnalysisBaseTime,
		Location:      cfg.AnalysisLocation,
		WindowTimeout: cfg.AnalysisInterval * 4,
	}, log.With("component", "analysis"), m)
	rank := ranking.New(edges, dir, rdb, cfg.RankingCacheKey, 0, classifier, log.With("component", "ranking"))

	srv := httpserver.New(cfg, httpserver.Deps{
		Analysis:  engine,
		Poller:    poll,
		Directory: dir,
		Stream:    bus,
		Gatherer:  m.Registry(),
		Log:       log.With("component", "http"),
	})

	// The first poll needs a mapping; a failed load is retried on the refresh schedule.
	_ = dir.Refresh(ctx)
	engine.Init(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return fwd.Run(gctx)
	})
	g.Go(func() error {
		return schedule.Every(gctx, log, schedule.Job{
			Name:   "poll",
			Period: cfg.PollInterval,
			Run:    bounded(cfg.RequestTimeout, func(ctx context.Context) { poll.Tick(ctx) }),
			OnSkip: func() { m.TickSkipped("poll") },
		})
	})
	g.Go(func() error {
		return schedule.Every(gctx, log, schedule.Job{
			Name:   "directory",
			Period: cfg.RefreshInterval,
			Run:    bounded(cfg.RequestTimeout, func(ctx context.Context) { _ = dir.Refresh(ctx) }),
			OnSkip: func() { m.TickSkipped("directory") },
		})
	})
	g.Go(func() error {
		return schedule.Every(gctx, log, schedule.Job{
			Name:   "analysis",
			Period: cfg.AnalysisInterval,
			Run:    bounded(cfg.RequestTimeout, func(ctx context.Context) { engine.Check(ctx) }),
			OnSkip: func() { m.TickSkipped("analysis") },
		})
	})
	g.Go(func() error {
		return schedule.Every(gctx, log, schedule.Job{
			Name:      "ranking",
			Period:    cfg.RankingInterval,
			Immediate: true,
			Run:       bounded(cfg.RequestTimeout, func(ctx context.Context) { _ = rank.Publish(ctx) }),
			OnSkip:    func() { m.TickSkipped("ranking") },
		})
	})
	g.Go(func() error {
		log.Info("ops API listening", "addr", cfg.ListenAddr())
		return srv.Run(gctx)
	})

	log.Info("sensing pipeline started",
		"edge_key_mode", cfg.EdgeKeyMode,
		"threshold", cfg.CongestionThreshold,
		"window_size", cfg.WindowSize,
	)

	err = g.Wait()
	bus.Close()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelWait()
	if werr := engine.Wait(waitCtx); werr != nil {
		log.Warn("analysis windows still running at shutdown", "error", werr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("sensing pipeline stopped")
	return nil
}

// checkDependencies logs unreachable stores. Every schedule retries on its own, so
// none of them is fatal at startup.
func checkDependencies(ctx context.Context, cfg config.Config, log *slog.Logger, rdb *redis.Client, store *db.Store, series *tsdb.Store) {
	pingCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable", "addr", cfg.RedisAddr, "error", err)
	}
	if err := store.Ping(pingCtx); err != nil {
		log.Warn("postgres unreachable", "error", err)
	}
	if err := series.Ping(pingCtx); err != nil {
		log.Warn("influxdb unreachable", "url", cfg.InfluxURL, "error", err)
	}
}

func bounded(timeout time.Duration, fn func(context.Context)) func(context.Context) {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		fn(ctx)
	}
}
