package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benvon/picklepal/internal/database"
	logpkg "github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/request"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	stdlibmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// DefaultEdgeRate is the per-IP rate used when gateway_limits has none
const DefaultEdgeRate = "10-S"

const edgeKeyPrefix = "picklepal_edge"

// RateLimitReloader is the per-IP edge limiter. Its rate comes from the gateway_limits row
// and is reloaded periodically; counters live in Redis when available.
type RateLimitReloader struct {
	next        http.Handler
	store       limiter.Store
	repo        database.GatewayLimitsRepositoryInterface
	defaultRate string
	log         *zap.Logger
	interval    time.Duration

	mu      sync.RWMutex
	rate    string
	current http.Handler
}

// NewRateLimitReloader creates the edge limiter. redisClient and repo may be nil; without
// Redis the counters are process-local.
func NewRateLimitReloader(redisClient *redis.Client, repo database.GatewayLimitsRepositoryInterface, defaultRate string, log *zap.Logger, reloadInterval time.Duration) (*RateLimitReloader, error) {
	if defaultRate == "" {
		defaultRate = DefaultEdgeRate
	}
	if _, err := limiter.NewRateFromFormatted(defaultRate); err != nil {
		return nil, fmt.Errorf("invalid default edge rate %q: %w", defaultRate, err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := redisstore.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: edgeKeyPrefix})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
	} else {
		store = memorystore.NewStoreWithOptions(limiter.StoreOptions{Prefix: edgeKeyPrefix, CleanUpInterval: time.Minute})
	}

	return &RateLimitReloader{
		store:       store,
		repo:        repo,
		defaultRate: defaultRate,
		log:         logpkg.Component(log, "edge_limiter"),
		interval:    reloadInterval,
	}, nil
}

// Middleware returns a middleware that wraps next with rate limiting and hot-reload.
func (r *RateLimitReloader) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		r.next = next
		r.load(context.Background())
		return r
	}
}

// Start runs the reload loop until ctx is cancelled. Call after Middleware() is applied.
func (r *RateLimitReloader) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.load(ctx)
		}
	}
}

// Rate returns the active formatted rate
func (r *RateLimitReloader) Rate() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate
}

func (r *RateLimitReloader) load(ctx context.Context) {
	if r.next == nil {
		return
	}
	rateStr := r.defaultRate
	if r.repo != nil {
		cfg, err := r.repo.Get(ctx)
		switch {
		case err != nil:
			r.log.Warn("edge_rate_load_failed",
				zap.String("error", logpkg.SanitizeError(err)),
				zap.String("default_rate", r.defaultRate),
			)
			if current := r.Rate(); current != "" {
				return
			}
		case cfg != nil && cfg.EdgeRate != "":
			rateStr = cfg.EdgeRate
		}
	}

	rate, err := limiter.NewRateFromFormatted(rateStr)
	if err != nil {
		r.log.Error("edge_rate_invalid",
			zap.String("rate", rateStr),
			zap.String("default_rate", r.defaultRate),
		)
		rateStr = r.defaultRate
		rate, _ = limiter.NewRateFromFormatted(rateStr)
	}

	if rateStr == r.Rate() {
		return
	}

	mw := stdlibmw.NewMiddleware(limiter.New(r.store, rate),
		stdlibmw.WithKeyGetter(request.ClientIP),
		stdlibmw.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
			RespondError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded, slow down")
		}),
		stdlibmw.WithErrorHandler(func(w http.ResponseWriter, _ *http.Request, err error) {
			r.log.Error("edge_limiter_store_failed", zap.String("error", logpkg.SanitizeError(err)))
			RespondError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred")
		}),
	)
	h := mw.Handler(r.next)

	r.mu.Lock()
	r.rate = rateStr
	r.current = h
	r.mu.Unlock()
	r.log.Info("edge_rate_applied", zap.String("rate", rateStr))
}

// ServeHTTP implements http.Handler.
func (r *RateLimitReloader) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	h := r.current
	r.mu.RUnlock()
	if h != nil {
		h.ServeHTTP(w, req)
		return
	}
	if r.next != nil {
		r.next.ServeHTTP(w, req)
	}
}
