package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/benvon/picklepal/internal/logger"
	"go.uber.org/zap"
)

// sweepTimeout bounds a single dead-letter purge
const sweepTimeout = 2 * time.Minute

// SweepStats summarizes the dead-letter sweeps run so far
type SweepStats struct {
	Runs      int
	Purged    int
	LastRun   time.Time
	LastError string
}

// GarbageCollector drops failed insight sync, prune and reanalysis jobs from the
// dead-letter queue once they are older than the retention, on a cron schedule. A sweep
// also runs on start so a restarted worker does not wait a full period.
type GarbageCollector struct {
	purger    DLQPurger
	schedule  string
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu    sync.Mutex
	stats SweepStats
}

// NewGarbageCollector validates the cron expression and creates a collector
func NewGarbageCollector(purger DLQPurger, schedule string, retention time.Duration, log *zap.Logger) (*GarbageCollector, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron expression %q", schedule)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("dead-letter retention must be positive, got %s", retention)
	}
	return &GarbageCollector{
		purger:    purger,
		schedule:  schedule,
		retention: retention,
		now:       time.Now,
		logger:    logger.Component(log, "dlq_gc"),
	}, nil
}

// Start sweeps once, then on every tick until ctx is cancelled
func (gc *GarbageCollector) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		gc.Sweep(ctx)

		next, err := gronx.NextTickAfter(gc.schedule, gc.now(), false)
		if err != nil {
			return fmt.Errorf("compute next sweep: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Sweep purges dead-lettered jobs older than the retention and records the outcome.
// Failures are logged and kept in the stats; the next sweep retries.
func (gc *GarbageCollector) Sweep(ctx context.Context) {
	if gc.purger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	n, err := gc.purger.PurgeOlderThan(ctx, gc.retention)

	gc.mu.Lock()
	gc.stats.Runs++
	gc.stats.LastRun = gc.now()
	gc.stats.LastError = ""
	if err != nil {
		gc.stats.LastError = logger.SanitizeError(err)
	} else {
		gc.stats.Purged += n
	}
	gc.mu.Unlock()

	if err != nil {
		gc.logger.Warn("dlq_sweep_failed", zap.String("error", logger.SanitizeError(err)))
		return
	}
	if n > 0 {
		gc.logger.Info("dlq_swept", zap.Int("purged", n), zap.Duration("retention", gc.retention))
	}
}

// Stats returns a copy of the sweep counters
func (gc *GarbageCollector) Stats() SweepStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.stats
}
