package queue

import (
	"time"

	"github.com/benvon/picklepal/internal/models"
	"github.com/google/uuid"
)

// JobType represents the type of job
type JobType string

const (
	// JobTypeInsightSync replaces a user's insight context entries with a fresh set
	JobTypeInsightSync JobType = "insight_sync"
	// JobTypeContextPrune drops a user's context entries older than DaysOld
	JobTypeContextPrune JobType = "context_prune"
	// JobTypeReanalyzeUser recomputes a user's patterns and insights against the current time
	JobTypeReanalyzeUser JobType = "reanalyze_user"
)

// Job represents a job in the queue
type Job struct {
	ID         uuid.UUID            `json:"id"`
	Type       JobType              `json:"type"`
	UserID     uuid.UUID            `json:"user_id"`
	Insights   []models.UserInsight `json:"insights,omitempty"`   // insight_sync payload
	DaysOld    int                  `json:"days_old,omitempty"`   // context_prune payload
	NotBefore  *time.Time           `json:"not_before,omitempty"` // nil = immediate
	NotAfter   *time.Time           `json:"not_after,omitempty"`  // nil = no expiration
	Metadata   map[string]any       `json:"metadata,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	RetryCount int                  `json:"retry_count"`
	MaxRetries int                  `json:"max_retries"`
}

// NewJob creates a new job
func NewJob(jobType JobType, userID uuid.UUID) *Job {
	return &Job{
		ID:         uuid.New(),
		Type:       jobType,
		UserID:     userID,
		Metadata:   make(map[string]any),
		CreatedAt:  time.Now(),
		MaxRetries: 3,
	}
}

// NewInsightSyncJob carries a complete insight set for userID
func NewInsightSyncJob(userID uuid.UUID, insights []models.UserInsight) *Job {
	job := NewJob(JobTypeInsightSync, userID)
	job.Insights = insights
	return job
}

// NewContextPruneJob prunes userID's context entries older than daysOld
func NewContextPruneJob(userID uuid.UUID, daysOld int) *Job {
	job := NewJob(JobTypeContextPrune, userID)
	job.DaysOld = daysOld
	return job
}

// ShouldProcess checks if the job should be processed at now
func (j *Job) ShouldProcess(now time.Time) bool {
	if j.NotBefore != nil && now.Before(*j.NotBefore) {
		return false
	}
	return !j.IsExpired(now)
}

// IsExpired checks if the job has expired at now
func (j *Job) IsExpired(now time.Time) bool {
	if j.NotAfter == nil {
		return false
	}
	return now.After(*j.NotAfter)
}

// CanRetry checks if the job can be retried
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// IncrementRetry increments the retry count
func (j *Job) IncrementRetry() {
	j.RetryCount++
}
