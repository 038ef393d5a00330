// Package workers processes queued jobs that keep user context in step with activity.
package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/queue"
	"github.com/benvon/picklepal/internal/services/ai"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContextMaintainer is the part of the context store the worker drives
type ContextMaintainer interface {
	ReplaceInsights(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error
	PruneOldContext(ctx context.Context, userID uuid.UUID, daysOld int) (int, error)
}

// Reanalyzer recomputes a user's insights against the current time
type Reanalyzer interface {
	Reanalyze(ctx context.Context, userID uuid.UUID) ([]models.UserInsight, error)
}

// JobProcessor processes insight sync, context prune and reanalysis jobs
type JobProcessor struct {
	contexts ContextMaintainer
	analyzer Reanalyzer
	jobQueue queue.JobQueue // for re-enqueueing jobs with delays
	now      func() time.Time
	logger   *zap.Logger
}

// NewJobProcessor creates a new job processor. analyzer may be nil when reanalysis jobs are
// not expected.
func NewJobProcessor(contexts ContextMaintainer, analyzer Reanalyzer, jobQueue queue.JobQueue, log *zap.Logger) *JobProcessor {
	return &JobProcessor{
		contexts: contexts,
		analyzer: analyzer,
		jobQueue: jobQueue,
		now:      time.Now,
		logger:   logger.Component(log, "worker"),
	}
}

// ProcessInsightSyncJob replaces the user's insight entries with the job's set
func (p *JobProcessor) ProcessInsightSyncJob(ctx context.Context, job *queue.Job) error {
	if err := p.contexts.ReplaceInsights(ctx, job.UserID, job.Insights); err != nil {
		return fmt.Errorf("%w: replace insights: %w", ai.ErrPersistence, err)
	}
	p.logger.Debug("insights_synced",
		zap.String("user_id", logger.SanitizeUserID(job.UserID.String())),
		zap.Int("insight_count", len(job.Insights)),
	)
	return nil
}

// ProcessContextPruneJob drops the user's context entries older than the job's age
func (p *JobProcessor) ProcessContextPruneJob(ctx context.Context, job *queue.Job) error {
	if job.DaysOld < 0 {
		return fmt.Errorf("%w: days_old must not be negative", ai.ErrValidation)
	}
	removed, err := p.contexts.PruneOldContext(ctx, job.UserID, job.DaysOld)
	if err != nil {
		return fmt.Errorf("prune context: %w", err)
	}
	if removed > 0 {
		p.logger.Info("context_pruned",
			zap.String("user_id", logger.SanitizeUserID(job.UserID.String())),
			zap.Int("removed", removed),
			zap.Int("days_old", job.DaysOld),
		)
	}
	return nil
}

// ProcessReanalyzeJob recomputes the user's insights; the analyzer publishes the new set
func (p *JobProcessor) ProcessReanalyzeJob(ctx context.Context, job *queue.Job) error {
	if p.analyzer == nil {
		return errors.New("reanalysis is not configured")
	}
	if _, err := p.analyzer.Reanalyze(ctx, job.UserID); err != nil {
		return fmt.Errorf("reanalyze: %w", err)
	}
	return nil
}

// ProcessJob processes a job based on its type
func (p *JobProcessor) ProcessJob(ctx context.Context, msg *queue.Message) error {
	job := msg.Job

	var err error
	switch job.Type {
	case queue.JobTypeInsightSync:
		err = p.ProcessInsightSyncJob(ctx, job)
	case queue.JobTypeContextPrune:
		err = p.ProcessContextPruneJob(ctx, job)
	case queue.JobTypeReanalyzeUser:
		err = p.ProcessReanalyzeJob(ctx, job)
	default:
		if nackErr := msg.Nack(false); nackErr != nil { // unknown job type, send to DLQ
			p.logger.Warn("job_nack_failed", zap.String("job_id", job.ID.String()), zap.Error(nackErr))
		}
		return fmt.Errorf("unknown job type: %s", job.Type)
	}

	if err != nil {
		return p.handleJobError(ctx, msg, job, err)
	}
	if ackErr := msg.Ack(); ackErr != nil {
		return fmt.Errorf("failed to ack job: %w", ackErr)
	}
	return nil
}

// handleJobError re-enqueues retryable failures with a delay and dead-letters the rest
func (p *JobProcessor) handleJobError(ctx context.Context, msg *queue.Message, job *queue.Job, err error) error {
	fields := []zap.Field{
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.RetryCount+1),
		zap.String("error", logger.SanitizeError(err)),
	}

	if !ai.IsRetryable(err) || !job.CanRetry() {
		p.logger.Warn("job_dead_lettered", fields...)
		if nackErr := msg.Nack(false); nackErr != nil {
			p.logger.Warn("job_nack_failed", zap.String("job_id", job.ID.String()), zap.Error(nackErr))
		}
		return fmt.Errorf("job failed: %w", err)
	}

	delay := ai.GetRetryDelay(err, job.RetryCount)
	if p.jobQueue == nil {
		job.IncrementRetry()
		p.logger.Warn("job_requeued", append(fields, zap.Duration("delay", 0))...)
		if nackErr := msg.Nack(true); nackErr != nil {
			p.logger.Warn("job_nack_failed", zap.String("job_id", job.ID.String()), zap.Error(nackErr))
		}
		return fmt.Errorf("job failed (will retry): %w", err)
	}

	notBefore := p.now().Add(delay)
	retry := *job
	retry.NotBefore = &notBefore
	retry.RetryCount = job.RetryCount + 1

	if enqueueErr := p.jobQueue.Enqueue(ctx, &retry); enqueueErr != nil {
		p.logger.Warn("job_reenqueue_failed", append(fields, zap.Error(enqueueErr))...)
		if nackErr := msg.Nack(true); nackErr != nil {
			p.logger.Warn("job_nack_failed", zap.String("job_id", job.ID.String()), zap.Error(nackErr))
		}
		return fmt.Errorf("job failed, re-enqueue failed: %w", enqueueErr)
	}
	if ackErr := msg.Ack(); ackErr != nil {
		p.logger.Warn("job_ack_failed", zap.String("job_id", job.ID.String()), zap.Error(ackErr))
	}
	p.logger.Info("job_rescheduled", append(fields, zap.Time("not_before", notBefore))...)
	return nil
}

// Run consumes messages until ctx is cancelled or the queue stops delivering
func (p *JobProcessor) Run(ctx context.Context, q queue.JobQueue, prefetch int) error {
	msgs, errs, err := q.Consume(ctx, prefetch)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if ok {
				p.logger.Error("queue_error", zap.String("error", logger.SanitizeError(err)))
			} else {
				errs = nil
			}
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			if err := p.ProcessJob(ctx, msg); err != nil {
				p.logger.Error("job_failed",
					zap.String("job_id", msg.GetJob().ID.String()),
					zap.String("job_type", string(msg.GetJob().Type)),
					zap.String("error", logger.SanitizeError(err)),
				)
			}
		}
	}
}
