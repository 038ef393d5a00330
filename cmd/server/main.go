package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benvon/picklepal/internal/config"
	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/handlers"
	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/middleware"
	"github.com/benvon/picklepal/internal/queue"
	"github.com/benvon/picklepal/internal/services/activity"
	"github.com/benvon/picklepal/internal/services/ai"
	"github.com/benvon/picklepal/internal/services/memory"
	"github.com/benvon/picklepal/internal/services/moderation"
	"github.com/benvon/picklepal/internal/services/oidc"
	"github.com/benvon/picklepal/internal/services/optimizer"
	"github.com/benvon/picklepal/internal/storage"
	"github.com/benvon/picklepal/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	serviceName       = "picklepal-api"
	reloadInterval    = time.Minute
	sweepInterval     = time.Hour
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
	debugMode := cfg.ServerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync(zapLogger) }()

	zapLogger.Info("starting_server",
		zap.Bool("debug_mode", debugMode),
		zap.String("server_port", cfg.ServerPort),
		zap.String("frontend_url", cfg.FrontendURL),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("ai_model", cfg.AIModel),
		zap.Bool("otel_enabled", cfg.OTELEnabled),
	)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	tracingEnabled := false
	if cfg.OTELEnabled {
		if cfg.OTELEndpoint == "" {
			zapLogger.Warn("otel_enabled_but_endpoint_not_configured")
		} else {
			tp, err := telemetry.InitTracer(rootCtx, telemetry.Config{
				ServiceName: serviceName,
				Endpoint:    cfg.OTELEndpoint,
				Insecure:    cfg.OTELInsecure,
				SampleRatio: cfg.OTELSampleRatio,
			})
			if err != nil {
				zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
			} else {
				tracingEnabled = true
				zapLogger.Info("otel_tracer_initialized", zap.String("endpoint", cfg.OTELEndpoint))
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
						zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
					}
				}()
			}
		}
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			zapLogger.Warn("failed_to_close_database_connection", zap.Error(err))
		}
	}()
	if err := db.EnsureSchema(rootCtx); err != nil {
		zapLogger.Fatal("failed_to_ensure_schema", zap.Error(err))
	}
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
		zapLogger.Info("connected_to_redis")
	}

	var jobQueue queue.JobQueue
	if cfg.RabbitMQURL != "" {
		q, err := queue.ConnectRabbitMQ(rootCtx, cfg.RabbitMQURL, queueConnectTries, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed_to_connect_to_rabbitmq", zap.Error(err))
		}
		jobQueue = q
		defer func() {
			if err := jobQueue.Close(); err != nil {
				zapLogger.Warn("failed_to_close_rabbitmq_connection", zap.Error(err))
			}
		}()
		zapLogger.Info("connected_to_rabbitmq")
	} else {
		zapLogger.Warn("rabbitmq_not_configured_using_in_process_insight_sync")
	}

	kv, err := newKVStore(cfg.StorageBackend, db, redisClient)
	if err != nil {
		zapLogger.Fatal("failed_to_create_kv_store", zap.Error(err))
	}

	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		zapLogger.Fatal("failed_to_load_pricing", zap.Error(err))
	}

	// Repositories
	userRepo := database.NewUserRepository(db)
	oidcConfigRepo := database.NewOIDCConfigRepository(db)
	limitsRepo := database.NewGatewayLimitsRepository(db)

	// Optimizer with a Redis-backed cache when Redis is available
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cacheOpts := []optimizer.CacheOption{optimizer.WithDefaultTTL(cfg.CacheTTL)}
	if redisClient != nil {
		cacheOpts = append(cacheOpts, optimizer.WithBackend(optimizer.NewRedisBackend(redisClient, cachePrefix)))
	}
	opt := optimizer.New(optimizer.NewCache(zapLogger, cacheOpts...), optimizer.Config{
		Slots:             cfg.UpstreamSlots,
		RequestsPerSecond: cfg.UpstreamRPS,
		MaxWait:           cfg.PriorityMaxWait,
		CostPerRequest:    pricing.CostPerRequest,
		Registerer:        registry,
	}, zapLogger)

	// Context store
	var embedder memory.Embedder = memory.NewHashEmbedder(memory.DefaultHashDimension)
	if cfg.OpenAIKey != "" {
		embedder = memory.NewCachingEmbedder(
			memory.NewOpenAIEmbedder(cfg.OpenAIKey, cfg.AIBaseURL, cfg.EmbeddingModel, zapLogger),
			opt, "openai:"+cfg.EmbeddingModel,
		)
	}
	contextStore := memory.NewStore(embedder, kv, zapLogger)

	// Moderation gateway with hot-reloaded limits
	defaultLimits := moderation.Limits{
		PerMinute: cfg.PerUserMinuteLimit,
		PerDay:    cfg.PerUserDailyLimit,
		Cooldown:  cfg.ViolationCooldown,
	}
	gateway := moderation.NewGateway(defaultLimits, zapLogger)
	for _, spec := range pricing.ModerationRules {
		rule, err := moderation.CompileRule(spec.Category, spec.Pattern)
		if err != nil {
			zapLogger.Fatal("invalid_moderation_rule", zap.String("category", spec.Category), zap.Error(err))
		}
		gateway.AddRules(rule)
	}
	limitsReloader := moderation.NewLimitsReloader(gateway, limitsRepo, defaultLimits, reloadInterval, zapLogger)
	limitsReloader.Load(rootCtx)

	// Activity analyzer; insight sets go through the queue when there is one
	var sink activity.InsightSink
	var asyncSink *activity.AsyncSink
	if jobQueue != nil {
		sink = queue.NewInsightPublisher(jobQueue)
	} else {
		asyncSink = activity.NewAsyncSink(contextStore, 0, zapLogger)
		sink = asyncSink
	}
	analyzer := activity.NewAnalyzer(kv, zapLogger, activity.WithSink(sink))

	// Chat assistant
	model, err := createModelClient(cfg, zapLogger, debugMode)
	if err != nil {
		zapLogger.Warn("failed_to_create_model_client_chat_disabled", zap.Error(err))
	}
	var fetcher *ai.ContentFetcher
	if cfg.ContentAllowedHosts != "" {
		fetcher = ai.NewContentFetcher(strings.Split(cfg.ContentAllowedHosts, ","), nil)
	}

	// Identity
	oidcProvider := oidc.NewProvider(oidcConfigRepo, cfg.OIDCProvider, oidc.NewJWKSManager(nil))
	authMW := middleware.Auth(oidcProvider, userRepo, zapLogger)

	edgeLimiter, err := middleware.NewRateLimitReloader(redisClient, limitsRepo, cfg.EdgeRate, zapLogger, reloadInterval)
	if err != nil {
		zapLogger.Fatal("failed_to_create_edge_limiter", zap.Error(err))
	}
	rateLimitMW := edgeLimiter.Middleware()

	healthChecker := handlers.NewHealthChecker(healthChecks(db, redisClient, jobQueue))

	r := mux.NewRouter()

	// Middleware registered first is the outermost wrapper
	if tracingEnabled {
		r.Use(telemetry.Middleware(serviceName))
		zapLogger.Info("otel_middleware_enabled")
	}
	r.Use(middleware.SecurityHeaders(cfg.EnableHSTS))
	r.Use(middleware.CORS(middleware.ParseOrigins(cfg.FrontendURL)))
	r.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize))
	r.Use(middleware.ContentType)
	r.Use(middleware.Timeout(middleware.DefaultRequestTimeout))
	r.Use(middleware.ErrorHandler(zapLogger))
	r.Use(middleware.Audit(zapLogger))
	r.Use(middleware.Logging(zapLogger))

	// Public routes
	r.HandleFunc("/healthz", healthChecker.HealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(rateLimitMW)
	apiRouter.Use(authMW)

	handlers.NewAuthHandler().RegisterRoutes(apiRouter.PathPrefix("/auth").Subrouter())

	aiRouter := apiRouter.PathPrefix("/ai").Subrouter()
	handlers.NewUsageHandler(opt).RegisterRoutes(aiRouter)
	handlers.NewContextHandler(contextStore, zapLogger).WithActivity(analyzer).RegisterRoutes(aiRouter.PathPrefix("/context").Subrouter())
	if model != nil {
		assistant := ai.NewAssistant(gateway, contextStore, analyzer, model, opt, fetcher, ai.AssistantConfig{
			PromptTokenBudget: cfg.PromptTokenBudget,
			CacheTTL:          cfg.CacheTTL,
		}, zapLogger)
		handlers.NewChatHandler(assistant, zapLogger).RegisterRoutes(aiRouter)
	}

	handlers.NewActivityHandler(analyzer, zapLogger).RegisterRoutes(apiRouter.PathPrefix("/activity").Subrouter())

	// CORS middleware answers preflight before this runs
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      middleware.DefaultRequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Background loops
	go limitsReloader.Start(rootCtx)
	go edgeLimiter.Start(rootCtx)
	go gateway.RunSweeper(rootCtx, sweepInterval)
	if asyncSink != nil {
		go asyncSink.Run(rootCtx)
	}

	go func() {
		zapLogger.Info("server_starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("server_failed_to_start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("server_shutting_down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("server_forced_to_shutdown", zap.Error(err))
	}

	rootCancel()
	if asyncSink != nil {
		asyncSink.Close()
	}
	zapLogger.Info("server_exited")
}

// newKVStore selects the durable key-value store for context and activity logs
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
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// createModelClient builds the upstream chat model through the provider registry
func createModelClient(cfg *config.Config, log *zap.Logger, debugMode bool) (ai.ModelClient, error) {
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	registry := ai.NewProviderRegistry()
	ai.RegisterOpenAI(registry, log, debugMode)
	return registry.GetProvider("openai", map[string]string{
		"api_key":  cfg.OpenAIKey,
		"model":    cfg.AIModel,
		"base_url": cfg.AIBaseURL,
	})
}

// healthChecks names the dependency probes for extended health mode
func healthChecks(db *database.DB, redisClient *redis.Client, jobQueue queue.JobQueue) map[string]handlers.CheckFunc {
	checks := map[string]handlers.CheckFunc{
		"database": db.HealthCheck,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if jobQueue != nil {
		checks["queue"] = jobQueue.HealthCheck
	}
	return checks
}
