package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Request types with entries in the cost table
const (
	RequestTypeChat      = "chat"
	RequestTypeEmbedding = "embedding"
	RequestTypeContent   = "content"
	RequestTypeInsight   = "insight"
)

const (
	projectionPeriod = 30 * 24 * time.Hour
	// minProjectionWindow keeps a freshly started process from extrapolating a few
	// seconds of traffic into a month
	minProjectionWindow = time.Hour
)

// ErrNoExecute is returned for a request without an Execute function
var ErrNoExecute = errors.New("request has no execute function")

// Request is one outbound call. CacheKey empty disables caching and collapsing.
type Request struct {
	Type     string
	Priority Priority
	CacheKey string
	CacheTTL time.Duration
	Execute  func(ctx context.Context) ([]byte, error)
}

// Result is the outcome of ExecuteRequest. Cached is true when no upstream call was made
// on behalf of this caller.
type Result struct {
	Value  []byte
	Cached bool
}

// Config holds the optimizer tuning knobs
type Config struct {
	Slots             int
	RequestsPerSecond float64
	MaxWait           time.Duration
	CostPerRequest    map[string]float64
	Registerer        prometheus.Registerer
	Now               func() time.Time
}

// Usage is a snapshot of the usage counters
type Usage struct {
	RequestCounts       map[string]int64 `json:"request_counts"`
	TotalRequests       int64            `json:"total_requests"`
	CacheHits           int64            `json:"cache_hits"`
	CacheMisses         int64            `json:"cache_misses"`
	BatchedItems        int64            `json:"batched_items"`
	CacheHitRatio       float64          `json:"cache_hit_ratio"`
	EstimatedCost       float64          `json:"estimated_cost"`
	MonthlyCostEstimate float64          `json:"monthly_cost_estimate"`
	WindowStart         time.Time        `json:"window_start"`
}

// Optimizer executes outbound requests through the cache, the slot scheduler and the
// upstream pacer, and accounts for what they cost.
type Optimizer struct {
	cache   *Cache
	sched   *scheduler
	limiter *rate.Limiter
	group   singleflight.Group
	costs   map[string]float64
	now     func() time.Time
	metrics *metrics
	logger  *zap.Logger

	mu            sync.Mutex
	counts        map[string]int64
	totalRequests int64
	cacheHits     int64
	cacheMisses   int64
	batchedItems  int64
	windowStart   time.Time
}

// New creates an optimizer over cache
func New(cache *Cache, cfg Config, log *zap.Logger) *Optimizer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	costs := make(map[string]float64, len(cfg.CostPerRequest))
	for k, v := range cfg.CostPerRequest {
		costs[k] = v
	}
	return &Optimizer{
		cache:       cache,
		sched:       newScheduler(cfg.Slots, cfg.MaxWait, now),
		limiter:     rate.NewLimiter(limit, burst),
		costs:       costs,
		now:         now,
		metrics:     newMetrics(cfg.Registerer),
		logger:      logger.Component(log, "optimizer"),
		counts:      make(map[string]int64),
		windowStart: now(),
	}
}

// Cache returns the underlying cache
func (o *Optimizer) Cache() *Cache {
	return o.cache
}

// CacheKey derives a fixed-length cache key from parts
func CacheKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// ExecuteRequest serves req from cache when possible, otherwise runs it upstream once
// per cache key, waiting for a slot in priority order. Only upstream executions
// increment the per-type request counter.
func (o *Optimizer) ExecuteRequest(ctx context.Context, req Request) (*Result, error) {
	if req.Execute == nil {
		return nil, ErrNoExecute
	}
	if req.Type == "" {
		return nil, fmt.Errorf("request type is required")
	}

	o.mu.Lock()
	o.totalRequests++
	o.mu.Unlock()

	if req.CacheKey == "" {
		value, err := o.run(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Value: value}, nil
	}

	if value, ok := o.cache.Get(ctx, req.CacheKey); ok {
		o.recordHit()
		o.logger.Debug("optimizer_cache_hit",
			zap.String("type", req.Type),
			zap.String("key_hash", logger.HashKey(req.CacheKey)),
		)
		return &Result{Value: value, Cached: true}, nil
	}

	executed := false
	v, err, _ := o.group.Do(req.CacheKey, func() (any, error) {
		executed = true
		value, err := o.run(ctx, req)
		if err != nil {
			return nil, err
		}
		o.cache.Set(ctx, req.CacheKey, value, req.CacheTTL)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	if executed {
		o.recordMiss()
		return &Result{Value: v.([]byte)}, nil
	}
	o.recordHit()
	return &Result{Value: v.([]byte), Cached: true}, nil
}

func (o *Optimizer) run(ctx context.Context, req Request) ([]byte, error) {
	var out []byte
	err := o.upstream(ctx, req.Type, req.Priority, func(ctx context.Context) error {
		v, err := req.Execute(ctx)
		out = v
		return err
	})
	return out, err
}

// upstream waits for a slot and the pacer, counts one request of requestType and runs fn
func (o *Optimizer) upstream(ctx context.Context, requestType string, p Priority, fn func(ctx context.Context) error) error {
	if err := o.sched.acquire(ctx, p); err != nil {
		return fmt.Errorf("waiting for upstream slot: %w", err)
	}
	defer o.sched.release()

	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for upstream pacing: %w", err)
	}

	o.mu.Lock()
	o.counts[requestType]++
	o.mu.Unlock()
	o.metrics.requests.WithLabelValues(requestType).Inc()

	start := o.now()
	err := fn(ctx)
	o.logger.Debug("optimizer_upstream_call",
		zap.String("type", requestType),
		zap.String("priority", p.String()),
		zap.Duration("latency", o.now().Sub(start)),
		zap.Bool("success", err == nil),
	)
	return err
}

func (o *Optimizer) recordHit() {
	o.mu.Lock()
	o.cacheHits++
	o.mu.Unlock()
	o.metrics.cacheHits.Inc()
}

func (o *Optimizer) recordMiss() {
	o.mu.Lock()
	o.cacheMisses++
	o.mu.Unlock()
	o.metrics.cacheMisses.Inc()
}

// BatchRequests sends items to processor in a single upstream call of requestType,
// counted as one request however many items there are.
func BatchRequests[T, R any](ctx context.Context, o *Optimizer, requestType string, items []T, processor func(ctx context.Context, items []T) ([]R, error)) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if processor == nil {
		return nil, ErrNoExecute
	}

	o.mu.Lock()
	o.totalRequests++
	o.batchedItems += int64(len(items))
	o.mu.Unlock()
	o.metrics.batchedItems.Add(float64(len(items)))

	var out []R
	err := o.upstream(ctx, requestType, PriorityNormal, func(ctx context.Context) error {
		r, err := processor(ctx, items)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestCount returns the upstream request count for requestType
func (o *Optimizer) RequestCount(requestType string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[requestType]
}

// CacheHitRatio is cache hits over every ExecuteRequest and BatchRequests call
func (o *Optimizer) CacheHitRatio() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hitRatioLocked()
}

func (o *Optimizer) hitRatioLocked() float64 {
	if o.totalRequests == 0 {
		return 0
	}
	return float64(o.cacheHits) / float64(o.totalRequests)
}

// EstimatedCost is the sum of count times cost per request type for the current window
func (o *Optimizer) EstimatedCost() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.costLocked()
}

func (o *Optimizer) costLocked() float64 {
	var total float64
	for t, n := range o.counts {
		total += float64(n) * o.costs[t]
	}
	return total
}

// MonthlyCostEstimate extrapolates the window's cost to 30 days. Windows shorter than an
// hour are treated as an hour.
func (o *Optimizer) MonthlyCostEstimate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.monthlyLocked()
}

func (o *Optimizer) monthlyLocked() float64 {
	window := o.now().Sub(o.windowStart)
	if window < minProjectionWindow {
		window = minProjectionWindow
	}
	return o.costLocked() * float64(projectionPeriod) / float64(window)
}

// Usage returns a snapshot of every counter
func (o *Optimizer) Usage() Usage {
	o.mu.Lock()
	defer o.mu.Unlock()
	counts := make(map[string]int64, len(o.counts))
	for k, v := range o.counts {
		counts[k] = v
	}
	return Usage{
		RequestCounts:       counts,
		TotalRequests:       o.totalRequests,
		CacheHits:           o.cacheHits,
		CacheMisses:         o.cacheMisses,
		BatchedItems:        o.batchedItems,
		CacheHitRatio:       o.hitRatioLocked(),
		EstimatedCost:       o.costLocked(),
		MonthlyCostEstimate: o.monthlyLocked(),
		WindowStart:         o.windowStart,
	}
}

// ResetUsage zeroes the counters and starts a new sampling window
func (o *Optimizer) ResetUsage() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = make(map[string]int64)
	o.totalRequests = 0
	o.cacheHits = 0
	o.cacheMisses = 0
	o.batchedItems = 0
	o.windowStart = o.now()
}
