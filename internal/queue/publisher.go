package queue

import (
	"context"
	"fmt"

	"github.com/benvon/picklepal/internal/models"
	"github.com/google/uuid"
)

// InsightPublisher hands fresh insight sets to the worker as insight_sync jobs
type InsightPublisher struct {
	queue JobQueue
}

// NewInsightPublisher creates a publisher on q
func NewInsightPublisher(q JobQueue) *InsightPublisher {
	return &InsightPublisher{queue: q}
}

// PublishInsights enqueues the complete set; the worker replaces the user's previous set
func (p *InsightPublisher) PublishInsights(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error {
	if err := p.queue.Enqueue(ctx, NewInsightSyncJob(userID, insights)); err != nil {
		return fmt.Errorf("enqueue insight sync: %w", err)
	}
	return nil
}
