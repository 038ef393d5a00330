package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/queue"
	"github.com/google/uuid"
)

type mockUserLister struct {
	listIDsFunc func(ctx context.Context) ([]uuid.UUID, error)
}

func (m *mockUserLister) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	return m.listIDsFunc(ctx)
}

var _ database.UserListerInterface = (*mockUserLister)(nil)

func TestNewMaintenanceScheduler_Validation(t *testing.T) {
	t.Parallel()

	users := &mockUserLister{}
	if _, err := NewMaintenanceScheduler(&mockJobQueue{}, users, "not a cron", 90, nil); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
	if _, err := NewMaintenanceScheduler(&mockJobQueue{}, users, "0 3 * * *", -1, nil); err == nil {
		t.Error("Expected error for negative retention")
	}
}

func TestMaintenanceScheduler_Next(t *testing.T) {
	t.Parallel()

	s, err := NewMaintenanceScheduler(&mockJobQueue{}, &mockUserLister{}, "0 3 * * *", 90, nil)
	if err != nil {
		t.Fatalf("NewMaintenanceScheduler: %v", err)
	}
	next, err := s.Next(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 6, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Expected next tick %v, got %v", want, next)
	}
}

func TestMaintenanceScheduler_ScheduleJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 2, 3, 0, 0, 0, time.UTC)
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	jobQueue := &mockJobQueue{}
	s, err := NewMaintenanceScheduler(jobQueue, &mockUserLister{
		listIDsFunc: func(context.Context) ([]uuid.UUID, error) { return ids, nil },
	}, "0 3 * * *", 90, nil)
	if err != nil {
		t.Fatalf("NewMaintenanceScheduler: %v", err)
	}
	s.now = func() time.Time { return now }

	if err := s.ScheduleJobs(context.Background()); err != nil {
		t.Fatalf("ScheduleJobs: %v", err)
	}
	if len(jobQueue.enqueued) != 4 {
		t.Fatalf("Expected 4 jobs, got %d", len(jobQueue.enqueued))
	}
	counts := map[queue.JobType]int{}
	for _, job := range jobQueue.enqueued {
		counts[job.Type]++
		if job.NotAfter == nil || !job.NotAfter.Equal(now.Add(24*time.Hour)) {
			t.Errorf("Expected NotAfter a day out, got %v", job.NotAfter)
		}
		if job.Type == queue.JobTypeContextPrune && job.DaysOld != 90 {
			t.Errorf("Expected days_old 90, got %d", job.DaysOld)
		}
	}
	if counts[queue.JobTypeContextPrune] != 2 || counts[queue.JobTypeReanalyzeUser] != 2 {
		t.Errorf("unexpected job mix: %v", counts)
	}
}

func TestMaintenanceScheduler_ListFailure(t *testing.T) {
	t.Parallel()

	s, err := NewMaintenanceScheduler(&mockJobQueue{}, &mockUserLister{
		listIDsFunc: func(context.Context) ([]uuid.UUID, error) { return nil, errors.New("db down") },
	}, "*/5 * * * *", 30, nil)
	if err != nil {
		t.Fatalf("NewMaintenanceScheduler: %v", err)
	}
	if err := s.ScheduleJobs(context.Background()); err == nil {
		t.Error("Expected error when users cannot be listed")
	}
}

func TestMaintenanceScheduler_StartStopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := NewMaintenanceScheduler(&mockJobQueue{}, &mockUserLister{}, "0 3 * * *", 90, nil)
	if err != nil {
		t.Fatalf("NewMaintenanceScheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
