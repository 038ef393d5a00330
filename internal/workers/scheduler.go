package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/queue"
	"go.uber.org/zap"
)

// MaintenanceScheduler enqueues a context prune and a reanalysis job for every user on a
// cron schedule
type MaintenanceScheduler struct {
	jobQueue      queue.JobQueue
	users         database.UserListerInterface
	schedule      string
	retentionDays int
	now           func() time.Time
	logger        *zap.Logger
}

// NewMaintenanceScheduler validates the cron expression and creates a scheduler
func NewMaintenanceScheduler(jobQueue queue.JobQueue, users database.UserListerInterface, schedule string, retentionDays int, log *zap.Logger) (*MaintenanceScheduler, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron expression %q", schedule)
	}
	if retentionDays < 0 {
		return nil, fmt.Errorf("retention days must not be negative")
	}
	return &MaintenanceScheduler{
		jobQueue:      jobQueue,
		users:         users,
		schedule:      schedule,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.Component(log, "maintenance"),
	}, nil
}

// Next returns the first tick strictly after t
func (s *MaintenanceScheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, t, false)
}

// Start waits for each tick and schedules the jobs until ctx is cancelled
func (s *MaintenanceScheduler) Start(ctx context.Context) error {
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("compute next tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := s.ScheduleJobs(ctx); err != nil {
			s.logger.Warn("maintenance_schedule_failed", zap.String("error", logger.SanitizeError(err)))
		}
	}
}

// ScheduleJobs enqueues the maintenance jobs for every user. Jobs expire after a day so a
// stalled worker does not replay stale runs.
func (s *MaintenanceScheduler) ScheduleJobs(ctx context.Context) error {
	ids, err := s.users.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	notAfter := s.now().Add(24 * time.Hour)
	enqueued, failed := 0, 0
	for _, id := range ids {
		prune := queue.NewContextPruneJob(id, s.retentionDays)
		reanalyze := queue.NewJob(queue.JobTypeReanalyzeUser, id)
		for _, job := range []*queue.Job{prune, reanalyze} {
			job.NotAfter = &notAfter
			if err := s.jobQueue.Enqueue(ctx, job); err != nil {
				failed++
				s.logger.Warn("maintenance_enqueue_failed",
					zap.String("user_id", logger.SanitizeUserID(id.String())),
					zap.String("job_type", string(job.Type)),
					zap.String("error", logger.SanitizeError(err)),
				)
				continue
			}
			enqueued++
		}
	}

	s.logger.Info("maintenance_jobs_scheduled",
		zap.Int("user_count", len(ids)),
		zap.Int("enqueued", enqueued),
		zap.Int("failed", failed),
	)
	return nil
}
