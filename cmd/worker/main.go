package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/benvon/picklepal/internal/config"
	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/queue"
	"github.com/benvon/picklepal/internal/services/activity"
	"github.com/benvon/picklepal/internal/services/memory"
	"github.com/benvon/picklepal/internal/services/optimizer"
	"github.com/benvon/picklepal/internal/storage"
	"github.com/benvon/picklepal/internal/workers"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	queueConnectTries = 10
	storagePrefix     = "picklepal:"
	cachePrefix       = "picklepal:cache:"
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug mode for LLM API logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	debugMode := cfg.WorkerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync(zapLogger) }()

	if cfg.RabbitMQURL == "" {
		zapLogger.Fatal("rabbitmq_url_required")
	}

	zapLogger.Info("starting_worker",
		zap.Bool("debug_mode", debugMode),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("prune_schedule", cfg.PruneSchedule),
		zap.Int("context_retention_days", cfg.ContextRetentionDays),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			zapLogger.Warn("failed_to_close_database_connection", zap.Error(err))
		}
	}()
	zapLogger.Info("connected_to_database")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(cfg.RedisURL)
		if err != nil {
			zapLogger.Fatal("failed_to_connect_to_redis", zap.Error(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				zapLogger.Warn("failed_to_close_redis_connection", zap.Error(err))
			}
		}()
	}

	jobQueue, err := queue.ConnectRabbitMQ(ctx, cfg.RabbitMQURL, queueConnectTries, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_rabbitmq", zap.Error(err))
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			zapLogger.Warn("failed_to_close_rabbitmq_connection", zap.Error(err))
		}
	}()
	zapLogger.Info("connected_to_rabbitmq", zap.Int("prefetch", cfg.RabbitMQPrefetch))

	kv, err := newKVStore(cfg.StorageBackend, db, redisClient)
	if err != nil {
		zapLogger.Fatal("failed_to_create_kv_store", zap.Error(err))
	}

	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		zapLogger.Fatal("failed_to_load_pricing", zap.Error(err))
	}

	// Embeddings for insight entries share the server's cache namespace
	var embedder memory.Embedder = memory.NewHashEmbedder(memory.DefaultHashDimension)
	if cfg.OpenAIKey != "" {
		cacheOpts := []optimizer.CacheOption{optimizer.WithDefaultTTL(cfg.CacheTTL)}
		if redisClient != nil {
			cacheOpts = append(cacheOpts, optimizer.WithBackend(optimizer.NewRedisBackend(redisClient, cachePrefix)))
		}
		opt := optimizer.New(optimizer.NewCache(zapLogger, cacheOpts...), optimizer.Config{
			Slots:             cfg.UpstreamSlots,
			RequestsPerSecond: cfg.UpstreamRPS,
			MaxWait:           cfg.PriorityMaxWait,
			CostPerRequest:    pricing.CostPerRequest,
		}, zapLogger)
		embedder = memory.NewCachingEmbedder(
			memory.NewOpenAIEmbedder(cfg.OpenAIKey, cfg.AIBaseURL, cfg.EmbeddingModel, zapLogger),
			opt, "openai:"+cfg.EmbeddingModel,
		)
	}

	contextStore := memory.NewStore(embedder, kv, zapLogger)
	analyzer := activity.NewAnalyzer(kv, zapLogger, activity.WithSink(activity.SyncSink{Writer: contextStore}))
	processor := workers.NewJobProcessor(contextStore, analyzer, jobQueue, zapLogger)

	gc, err := queue.NewGarbageCollector(jobQueue, cfg.DLQSweepSchedule, cfg.DLQRetention, zapLogger)
	if err != nil {
		zapLogger.Fatal("invalid_dlq_sweep_config", zap.Error(err))
	}

	scheduler, err := workers.NewMaintenanceScheduler(jobQueue, database.NewUserRepository(db), cfg.PruneSchedule, cfg.ContextRetentionDays, zapLogger)
	if err != nil {
		zapLogger.Fatal("invalid_maintenance_schedule", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("maintenance_scheduler_stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := gc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("dlq_garbage_collector_stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		zapLogger.Info("worker_shutting_down")
		cancel()
	}()

	zapLogger.Info("worker_started")
	if err := processor.Run(ctx, jobQueue, cfg.RabbitMQPrefetch); err != nil {
		zapLogger.Error("worker_stopped", zap.Error(err))
	}
	cancel()
	wg.Wait()
	zapLogger.Info("worker_exited")
}

// newKVStore selects the durable key-value store shared with the server
func newKVStore(backend string, db *database.DB, redisClient *redis.Client) (storage.Store, error) {
	switch backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("STORAGE_BACKEND=redis requires REDIS_URL")
		}
		return storage.NewRedisStore(redisClient, storagePrefix), nil
	case "postgres":
		return database.NewKVStore(db), nil
	case "memory":
		return nil, fmt.Errorf("the worker cannot share a memory store with the server")
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
