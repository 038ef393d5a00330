package activity

import (
	"context"
	"sync"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsightWriter replaces a user's stored insight entries with a fresh set
type InsightWriter interface {
	ReplaceInsights(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error
}

type insightBatch struct {
	userID   uuid.UUID
	insights []models.UserInsight
}

// AsyncSink hands insight sets to a single background writer so recording activity never
// waits on embedding. Sets are applied in publish order.
type AsyncSink struct {
	writer InsightWriter
	ch     chan insightBatch
	logger *zap.Logger

	once sync.Once
	done chan struct{}
}

var _ InsightSink = (*AsyncSink)(nil)

// NewAsyncSink creates a sink with the given buffer size
func NewAsyncSink(writer InsightWriter, buffer int, log *zap.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &AsyncSink{
		writer: writer,
		ch:     make(chan insightBatch, buffer),
		logger: logger.Component(log, "insight_sink"),
		done:   make(chan struct{}),
	}
}

// PublishInsights queues the set, blocking while the buffer is full
func (s *AsyncSink) PublishInsights(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error {
	select {
	case s.ch <- insightBatch{userID: userID, insights: insights}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued sets until ctx is cancelled and the buffer has drained, or Close is called
func (s *AsyncSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case b, ok := <-s.ch:
			if !ok {
				return
			}
			s.apply(context.WithoutCancel(ctx), b)
		case <-ctx.Done():
			for {
				select {
				case b := <-s.ch:
					s.apply(context.WithoutCancel(ctx), b)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting sets and waits for Run to drain the buffer
func (s *AsyncSink) Close() {
	s.once.Do(func() { close(s.ch) })
	<-s.done
}

func (s *AsyncSink) apply(ctx context.Context, b insightBatch) {
	if err := s.writer.ReplaceInsights(ctx, b.userID, b.insights); err != nil {
		s.logger.Warn("insight_sync_failed",
			zap.String("user_id", logger.SanitizeUserID(b.userID.String())),
			zap.Int("insight_count", len(b.insights)),
			zap.String("error", logger.SanitizeError(err)),
		)
		return
	}
	s.logger.Debug("insight_sync_applied",
		zap.String("user_id", logger.SanitizeUserID(b.userID.String())),
		zap.Int("insight_count", len(b.insights)),
	)
}

// SyncSink writes insight sets inline
type SyncSink struct {
	Writer InsightWriter
}

// PublishInsights writes the set before returning
func (s SyncSink) PublishInsights(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error {
	return s.Writer.ReplaceInsights(ctx, userID, insights)
}
