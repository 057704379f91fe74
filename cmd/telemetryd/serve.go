package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"drivepulse/services/telemetry/internal/analysis"
	"drivepulse/services/telemetry/internal/api"
	"drivepulse/services/telemetry/internal/artifacts"
	"drivepulse/services/telemetry/internal/buffer"
	"drivepulse/services/telemetry/internal/cache"
	"drivepulse/services/telemetry/internal/config"
	"drivepulse/services/telemetry/internal/session"
	"drivepulse/services/telemetry/internal/share"
	"drivepulse/services/telemetry/internal/store"
	"drivepulse/services/telemetry/internal/stream"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg := config.Load()

	ctx := context.Background()
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var liveCache cache.Cache
	redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RecentCacheLimit, cfg.RecentCacheTTL)
	if err != nil {
		log.Printf("redis unavailable (%v), continuing without fast-path cache", err)
		liveCache = cache.NewNoopCache()
	} else {
		liveCache = redisCache
	}
	defer liveCache.Close()

	var artifactStore artifacts.Store
	if cfg.S3Bucket != "" {
		s3Store, err := artifacts.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
		if err != nil {
			log.Printf("artifact store unavailable (%v), continuing with noop store", err)
			artifactStore = artifacts.NewNoopStore()
		} else {
			artifactStore = s3Store
		}
	} else {
		artifactStore = artifacts.NewNoopStore()
	}
	defer artifactStore.Close()

	var engine analysis.Engine
	if cfg.AnalysisEngineURL != "" {
		engine = analysis.NewHTTPEngine(cfg.AnalysisEngineURL, cfg.AnalysisEngineTimeout)
	} else {
		log.Printf("no analysis engine configured, analyses will complete with empty results")
		engine = analysis.NewNoopEngine()
	}

	buf := buffer.New(db, cfg.BufferBatchSize, cfg.BufferFlushInterval)
	hub := stream.NewHub(cfg.SubscriberChannelCapacity, cfg.RecentCacheLimit)
	runner := analysis.NewRunner(db, engine, artifactStore)
	scheduler := analysis.NewScheduler(runner, cfg.IntervalOffsets)
	trigger := analysis.NewTrigger(runner, db, cfg.DurableCountMaxRetries, cfg.DurableCountRetryDelay)
	shares := share.NewManager(db, liveCache, cfg.ShareTTL)
	sessions := session.NewManager(db, buf, hub, liveCache, scheduler, trigger, shares)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go buf.Run(shutdownCtx)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.ShareSweepSpec, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		shares.Sweep(sweepCtx)
	}); err != nil {
		log.Printf("share sweep schedule %q invalid: %v", cfg.ShareSweepSpec, err)
	} else {
		sweeper.Start()
		defer sweeper.Stop()
	}

	handler := api.NewHandler(
		db,
		sessions,
		shares,
		hub,
		liveCache,
		artifactStore,
		scheduler,
		buf,
		cfg.CORSAllowedOrigins,
		cfg.IngestAPIKey,
		cfg.PollTimeout,
		cfg.RecentCacheLimit,
		cfg.RateLimitRequestsPerSec,
		cfg.RateLimitBurst,
	)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("telemetry service listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	return nil
}
