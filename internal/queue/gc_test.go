package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockDLQPurger struct {
	purgeFunc func(ctx context.Context, retention time.Duration) (int, error)
}

func (m *mockDLQPurger) PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	return m.purgeFunc(ctx, retention)
}

var _ DLQPurger = (*mockDLQPurger)(nil)

func TestNewGarbageCollector_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		schedule  string
		retention time.Duration
		wantErr   bool
	}{
		{"hourly", "30 * * * *", 24 * time.Hour, false},
		{"bad schedule", "every hour", 24 * time.Hour, true},
		{"zero retention", "30 * * * *", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewGarbageCollector(nil, tt.schedule, tt.retention, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewGarbageCollector() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGarbageCollector_Sweep(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 7, 4, 3, 30, 0, 0, time.UTC)
	var fail atomic.Bool
	purger := &mockDLQPurger{purgeFunc: func(_ context.Context, retention time.Duration) (int, error) {
		if retention != 48*time.Hour {
			t.Errorf("retention = %s, want 48h", retention)
		}
		if fail.Load() {
			return 0, errors.New("channel closed")
		}
		return 3, nil
	}}
	gc, err := NewGarbageCollector(purger, "30 * * * *", 48*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	gc.now = func() time.Time { return now }

	gc.Sweep(context.Background())
	gc.Sweep(context.Background())
	stats := gc.Stats()
	if stats.Runs != 2 || stats.Purged != 6 || !stats.LastRun.Equal(now) || stats.LastError != "" {
		t.Errorf("stats = %+v", stats)
	}

	fail.Store(true)
	gc.Sweep(context.Background())
	stats = gc.Stats()
	if stats.Runs != 3 || stats.Purged != 6 || stats.LastError == "" {
		t.Errorf("stats after failure = %+v", stats)
	}
}

func TestGarbageCollector_SweepWithoutPurger(t *testing.T) {
	t.Parallel()
	gc, err := NewGarbageCollector(nil, "30 * * * *", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	gc.Sweep(context.Background())
	if gc.Stats().Runs != 0 {
		t.Errorf("runs = %d, want 0", gc.Stats().Runs)
	}
}

func TestGarbageCollector_StartSweepsImmediately(t *testing.T) {
	t.Parallel()
	swept := make(chan struct{}, 1)
	purger := &mockDLQPurger{purgeFunc: func(context.Context, time.Duration) (int, error) {
		select {
		case swept <- struct{}{}:
		default:
		}
		return 0, nil
	}}
	// a yearly schedule, so only the initial sweep can run during the test
	gc, err := NewGarbageCollector(purger, "0 0 1 1 *", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gc.Start(ctx) }()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("no sweep on start")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestGarbageCollector_StartCancelled(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	purger := &mockDLQPurger{purgeFunc: func(context.Context, time.Duration) (int, error) {
		calls.Add(1)
		return 0, nil
	}}
	gc, err := NewGarbageCollector(purger, "30 * * * *", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gc.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Start() error = %v, want context.Canceled", err)
	}
	if calls.Load() != 0 {
		t.Errorf("swept %d times on a cancelled context", calls.Load())
	}
}
