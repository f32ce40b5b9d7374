// Package main wires together the crawl scheduling service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/api"
	"github.com/parallax-search/crawlsched/internal/breaker"
	"github.com/parallax-search/crawlsched/internal/clock/system"
	"github.com/parallax-search/crawlsched/internal/config"
	coordredis "github.com/parallax-search/crawlsched/internal/coordination/redis"
	"github.com/parallax-search/crawlsched/internal/crawlclient"
	"github.com/parallax-search/crawlsched/internal/database"
	"github.com/parallax-search/crawlsched/internal/dispatcher"
	"github.com/parallax-search/crawlsched/internal/feeder"
	"github.com/parallax-search/crawlsched/internal/heartbeat"
	"github.com/parallax-search/crawlsched/internal/id/uuid"
	indexermemory "github.com/parallax-search/crawlsched/internal/indexer/memory"
	"github.com/parallax-search/crawlsched/internal/jobs"
	"github.com/parallax-search/crawlsched/internal/leader"
	"github.com/parallax-search/crawlsched/internal/limiter"
	"github.com/parallax-search/crawlsched/internal/logging"
	"github.com/parallax-search/crawlsched/internal/metrics"
	"github.com/parallax-search/crawlsched/internal/orchestrator"
	memorypublisher "github.com/parallax-search/crawlsched/internal/publisher/memory"
	pubsubpublisher "github.com/parallax-search/crawlsched/internal/publisher/pubsub"
	queuememory "github.com/parallax-search/crawlsched/internal/queue/memory"
	queueredis "github.com/parallax-search/crawlsched/internal/queue/redis"
	"github.com/parallax-search/crawlsched/internal/scheduler"
	"github.com/parallax-search/crawlsched/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor, err := database.NewExecutor(ctx, database.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMinute) * time.Minute,
	}, logger.Named("db"))
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer executor.Close()

	coordStore, err := coordredis.NewStore(coordredis.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal("redis init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := coordStore.Close(); closeErr != nil {
			logger.Warn("redis close failed", zap.Error(closeErr))
		}
	}()

	jobStore := database.NewJobStore(executor)
	runStore := database.NewRunStore(executor)
	targetStore := database.NewTargetStore(executor)

	clk := system.New()
	ids := uuid.New()
	lim := limiter.New(coordStore, limiter.Config{
		DefaultCeiling: cfg.Limiter.DefaultCeiling,
		Ceilings:       cfg.Limiter.Ceilings,
		SlotTTL:        time.Duration(cfg.Limiter.SlotTTLSeconds) * time.Second,
		BackoffTTL:     time.Duration(cfg.Limiter.BackoffTTLSeconds) * time.Second,
	}, logger.Named("limiter"))
	elector := leader.New(coordStore, leader.Config{
		TTL: time.Duration(cfg.Scheduler.LeaderTTLSeconds) * time.Second,
	}, logger.Named("leader"))

	var publisher jobs.Publisher = memorypublisher.New()
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsubpublisher.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		p := pubsubpublisher.New(client)
		defer func() {
			if closeErr := p.Close(); closeErr != nil {
				logger.Warn("pubsub close failed", zap.Error(closeErr))
			}
		}()
		publisher = p
	}

	buffer := queueredis.NewBuffer(coordStore.Client())
	queue := queuememory.NewQueue(cfg.Workers.QueueDepth)

	feed := feeder.New(jobStore, runStore, lim, buffer, queue, ids, clk, feeder.Config{
		PreAcquireSlots: cfg.Feeder.PreAcquireSlots,
		DrainInterval:   time.Duration(cfg.Feeder.DrainIntervalMs) * time.Millisecond,
		BatchPerTenant:  cfg.Feeder.BatchPerTenant,
	}, logger.Named("feeder"))
	requeue := feeder.NewRequeue(buffer, logger.Named("requeue"))

	heartbeatCfg := heartbeat.Config{
		Interval:    cfg.HeartbeatInterval(),
		MaxFailures: cfg.Heartbeat.MaxFailures,
	}
	monitors := func(jobID, tenantID string) orchestrator.Heartbeat {
		return heartbeat.New(jobID, tenantID, coordStore, jobStore, lim, clk, heartbeatCfg,
			logger.Named("heartbeat").With(zap.String("job_id", jobID)))
	}

	crawler := crawlclient.New(crawlclient.Config{
		UserAgent:   cfg.Crawler.UserAgent,
		MaxPages:    cfg.Crawler.MaxPages,
		Parallelism: cfg.Crawler.Parallelism,
		Delay:       time.Duration(cfg.Crawler.DelaySeconds) * time.Second,
	}, logger.Named("crawler"))
	indexer := indexermemory.New(logger.Named("indexer"))

	orch := orchestrator.New(
		jobStore,
		runStore,
		targetStore,
		lim,
		requeue,
		monitors,
		crawler,
		indexer,
		publisher,
		breaker.Config{
			DisableThreshold: cfg.Breaker.DisableThreshold,
			MaxBackoff:       time.Duration(cfg.Breaker.MaxBackoffHours) * time.Hour,
		},
		clk,
		orchestrator.Config{
			MaxQueueAge:     cfg.MaxQueueAge(),
			CompletionTopic: cfg.PubSub.TopicName,
		},
		logger.Named("orchestrator"),
	)

	var workers []*worker.Worker
	for i := 0; i < cfg.Workers.Count; i++ {
		workers = append(workers, worker.New(
			queue,
			orch,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(workers)

	sched := scheduler.New(elector, targetStore, feed, clk, scheduler.Config{
		Interval:   cfg.SchedulerInterval(),
		BatchLimit: cfg.Scheduler.BatchLimit,
	}, logger.Named("scheduler"))

	apiServer := api.NewServer(jobStore, targetStore, feed, clk, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Workers.Count))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("feeder started")
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("feeder stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("scheduler started")
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}
