package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdoc/internal/config"
	apierrors "github.com/devrev/pairdoc/internal/errors"
	"github.com/devrev/pairdoc/internal/handler"
	"github.com/devrev/pairdoc/internal/health"
	"github.com/devrev/pairdoc/internal/hub"
	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/devrev/pairdoc/internal/server"
	"github.com/devrev/pairdoc/internal/service"
	"github.com/devrev/pairdoc/internal/store"
	"github.com/devrev/pairdoc/internal/transform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting collaboration server",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("engine", cfg.Sync.Engine),
		zap.Bool("database", cfg.Database.Enabled),
		zap.Bool("relay", cfg.Hub.RelayEnabled),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("collaboration server stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("collaboration server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	redisClient, err := store.NewRedisClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
		cfg.Redis.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	versions := store.NewRedisVersionStore(redisClient, cfg.Redis.KeyPrefix, logger)
	defer versions.Close()

	documents, err := openDocuments(cfg, logger)
	if err != nil {
		return err
	}
	defer documents.Close()

	engine, err := transform.New(cfg.Sync.Engine)
	if err != nil {
		return err
	}

	queue := service.NewPersistenceQueue(&service.QueueConfig{
		Capacity: cfg.Sync.QueueCapacity,
		Logger:   logger,
		Metrics:  m,
	})
	svc := service.NewSyncService(versions, documents, engine, queue, cfg.Sync.SaveThreshold, m, logger)
	worker := service.NewPersistenceWorker(queue, versions, documents, engine, cfg.Sync.RetainVersions, m, logger)

	h := hub.New(hub.Config{
		ReadBufferSize:  cfg.Hub.ReadBufferSize,
		WriteBufferSize: cfg.Hub.WriteBufferSize,
		SendBufferSize:  cfg.Hub.SendBufferSize,
		MaxMessageSize:  cfg.Hub.MaxMessageSize,
		WriteWait:       cfg.Hub.WriteWait,
		PongWait:        cfg.Hub.PongWait,
		PingPeriod:      cfg.Hub.PingPeriod,
	}, m, logger)
	h.OnRoomEmpty(svc.RequestFullSave)

	var relay *hub.RedisRelay
	if cfg.Hub.RelayEnabled {
		relay = hub.NewRedisRelay(redisClient, m, logger)
		h.SetPublisher(relay)
		// Rooms span instances, so only the last member anywhere ends one
		h.SetPresence(hub.NewRedisPresence(redisClient))
	}

	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(svc, h, errorHandler, logger, cfg.Server.RequestTimeout)
	healthCheck := health.NewHealthCheck(map[string]health.Pinger{
		"redis":     versions,
		"documents": documents,
	}, m, logger)
	srv := server.NewServer(cfg, handlers, h, healthCheck, errorHandler, m, logger)

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
	}

	// The worker outlives the front end so queued saves drain on shutdown
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.Run(workerCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		return healthCheck.Run(gctx)
	})
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, h.Deliver)
		})
	}
	g.Go(func() error {
		select {
		case failure := <-worker.Failures():
			return fmt.Errorf("persistence stopped making progress: %w", failure)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		healthCheck.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		// Disconnecting clients empties their rooms and queues the final saves
		if err := h.Close(shutdownCtx); err != nil {
			logger.Error("hub shutdown error", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", zap.Error(err))
			}
		}
		return nil
	})

	err = g.Wait()

	queue.Close()
	select {
	case werr := <-workerDone:
		if werr != nil {
			logger.Error("persistence worker error", zap.Error(werr))
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("persistence queue did not drain in time",
			zap.Int("pending", queue.Stats().Queued))
		stopWorker()
		<-workerDone
	}

	if failed := worker.Failed(); len(failed) > 0 && err == nil {
		err = fmt.Errorf("%d saves failed to persist, last: %w", len(failed), failed[len(failed)-1])
	}
	return err
}

// documentSource is the document store plus its lifecycle
type documentSource interface {
	store.DocumentSource
	Close()
}

func openDocuments(cfg *config.Config, logger *zap.Logger) (documentSource, error) {
	if !cfg.Database.Enabled {
		logger.Warn("database disabled, documents are kept in memory")
		return store.NewMemoryDocumentSource(logger), nil
	}

	pg, err := store.NewPostgresDocumentSource(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Database.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return pg, nil
}

// initLogger builds the zap logger from the logging section.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
