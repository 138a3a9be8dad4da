package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-rollout/internal/admission"
	"go-rollout/internal/api/handler"
	"go-rollout/internal/catalog"
	"go-rollout/internal/config"
	"go-rollout/internal/coordinator"
	"go-rollout/internal/core/ports"
	"go-rollout/internal/core/postgres/repository"
	"go-rollout/internal/domain"
	"go-rollout/internal/executor"
	"go-rollout/internal/infrastructure/memory"
	redisinfra "go-rollout/internal/infrastructure/redis"
	"go-rollout/internal/logger"
	"go-rollout/internal/metrics"
	"go-rollout/internal/service"
	"go-rollout/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type stores struct {
	tasks       ports.TaskRepository
	plans       ports.PlanRepository
	checkpoints ports.CheckpointStore
	runtimes    ports.RuntimeContextRepository
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// 1. Load config and set up logging
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logs := logger.New(cfg.Log.Debug, cfg.Log.File)
	mainLog := logs.GetLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	st, err := openStores(cfg)
	if err != nil {
		mainLog.Fatal().Err(err).Str("storage", cfg.Storage.Type).Msg("failed to open storage")
	}

	// 3. Queue, event bus and tenant admission, on redis when enabled
	var (
		queue ports.JobQueue = memory.NewJobQueue()
		bus   ports.EventBus = memory.NewEventBus()
	)
	mode, err := admission.ParseMode(cfg.Admission.Mode)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("invalid admission mode")
	}
	nodeID := uuid.NewString()
	admissionOpts := []admission.Option{
		admission.WithNodeID(nodeID),
		admission.WithLogger(logs.GetLogger("admission")),
	}
	if cfg.Redis.Enabled {
		client, err := redisinfra.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.PoolSize)
		if err != nil {
			mainLog.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to redis")
		}
		defer client.Close()
		queue = redisinfra.NewRedisQueue(client)
		bus = redisinfra.NewRedisEventBus(client)
		st.checkpoints = redisinfra.NewCheckpointStore(client, cfg.Redis.CheckpointTTL)
		if cfg.Admission.Distributed {
			admissionOpts = append(admissionOpts, admission.WithDistributedLock(redisinfra.NewTenantLock(client, cfg.Admission.LockTTL)))
		}
	}
	tenants := admission.New(mode, admissionOpts...)

	// 4. Executor, stage catalog, workers
	prom := metrics.NewPrometheus("rollout")
	target := catalog.NewMemoryTarget()
	registry := catalog.NewRegistry(target)
	exec := executor.New(st.checkpoints, tenants, bus,
		executor.WithMetrics(prom),
		executor.WithHealthChecker(target),
		executor.WithTaskRepository(st.tasks),
		executor.WithHeartbeatInterval(cfg.Executor.HeartbeatInterval),
		executor.WithLogger(logs.GetLogger("executor")),
	)
	tracker := worker.NewTracker()
	w := worker.NewWorker(queue, st.tasks, st.runtimes, registry, exec,
		worker.WithTracker(tracker),
		worker.WithBusyRetryDelay(cfg.Worker.BusyRetryDelay),
		worker.WithLogger(logs.GetLogger("worker")),
	)
	w.StartPool(ctx, cfg.Worker.Concurrency)

	// 5. Coordinator, recovering plans left running by the previous process
	coord := coordinator.NewCoordinator(st.plans, st.tasks, queue, bus, tracker)
	go func() {
		if err := coord.Start(ctx); err != nil {
			mainLog.Error().Err(err).Msg("coordinator stopped")
			stop()
		}
	}()

	// 6. Service and HTTP API
	svc := service.NewDeploymentService(service.Deps{
		Plans:       st.plans,
		Tasks:       st.tasks,
		Checkpoints: st.checkpoints,
		Runtimes:    st.runtimes,
		Queue:       queue,
		Runner:      coord,
		Executor:    exec,
		Tracker:     tracker,
		Rules:       []domain.ValidationRule{registry.Rule()},
		Defaults: service.Defaults{
			Stages:   cfg.Executor.DefaultStages,
			MaxRetry: cfg.Executor.DefaultMaxRetry,
		},
	})

	gin.SetMode(cfg.Server.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.NewDeploymentHandler(svc).RegisterRoutes(router, prom.Handler())

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	go func() {
		mainLog.Info().Str("addr", cfg.Server.Addr).Str("node_id", nodeID).Str("storage", cfg.Storage.Type).Bool("redis", cfg.Redis.Enabled).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	// 7. Graceful shutdown
	<-ctx.Done()
	mainLog.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("server shutdown failed")
	}
}

func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Type {
	case config.StoragePostgres, config.StorageSqlite:
		db, err := repository.Open(cfg.Storage.Type, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return &stores{
			tasks:       repository.NewTaskRepository(db),
			plans:       repository.NewPlanRepository(db),
			checkpoints: repository.NewCheckpointStore(db),
			runtimes:    repository.NewRuntimeContextRepository(db),
		}, nil
	default:
		return &stores{
			tasks:       memory.NewTaskRepository(),
			plans:       memory.NewPlanRepository(),
			checkpoints: memory.NewCheckpointStore(),
			runtimes:    memory.NewRuntimeContextRepository(),
		}, nil
	}
}
