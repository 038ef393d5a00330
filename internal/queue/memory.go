package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrQueueClosed is returned when enqueueing on a closed queue
var ErrQueueClosed = errors.New("queue closed")

// MemoryQueue is an in-process JobQueue for single-node deployments and tests. Jobs pass
// through JSON so they behave as they would on the wire.
type MemoryQueue struct {
	jobs   chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	nextTag  uint64
	inflight map[uint64][]byte
	dead     []*Job
}

var (
	_ JobQueue          = (*MemoryQueue)(nil)
	_ DLQPurger         = (*MemoryQueue)(nil)
	_ amqp.Acknowledger = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates a queue holding up to capacity undelivered jobs
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		jobs:     make(chan []byte, capacity),
		closed:   make(chan struct{}),
		inflight: make(map[uint64][]byte),
	}
}

// Enqueue adds a job, blocking while the queue is full
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.push(ctx, body)
}

func (q *MemoryQueue) push(ctx context.Context, body []byte) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.jobs <- body:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers jobs until ctx is cancelled or the queue is closed
func (q *MemoryQueue) Consume(ctx context.Context, prefetchCount int) (<-chan *Message, <-chan error, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	msgChan := make(chan *Message, prefetchCount)
	errChan := make(chan error, 1)

	go func() {
		defer close(msgChan)
		defer close(errChan)
		for {
			var body []byte
			select {
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			case body = <-q.jobs:
			}

			var job Job
			if err := json.Unmarshal(body, &job); err != nil {
				errChan <- fmt.Errorf("failed to unmarshal job: %w", err)
				continue
			}
			now := time.Now()
			if job.IsExpired(now) {
				q.deadLetter(&job)
				continue
			}
			if !job.ShouldProcess(now) {
				q.requeueAfter(body, job.NotBefore.Sub(now))
				continue
			}

			q.mu.Lock()
			q.nextTag++
			tag := q.nextTag
			q.inflight[tag] = body
			q.mu.Unlock()

			select {
			case msgChan <- &Message{Job: &job, DeliveryTag: tag, Acknowledger: q}:
			case <-ctx.Done():
				_ = q.Nack(tag, false, true)
				return
			}
		}
	}()

	return msgChan, errChan, nil
}

func (q *MemoryQueue) requeueAfter(body []byte, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = q.push(context.Background(), body)
		case <-q.closed:
		}
	}()
}

func (q *MemoryQueue) deadLetter(job *Job) {
	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()
}

// Ack implements amqp.Acknowledger
func (q *MemoryQueue) Ack(tag uint64, _ bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[tag]; !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(q.inflight, tag)
	return nil
}

// Nack implements amqp.Acknowledger. Rejected jobs that are not requeued are dead-lettered.
func (q *MemoryQueue) Nack(tag uint64, _ bool, requeue bool) error {
	q.mu.Lock()
	body, ok := q.inflight[tag]
	delete(q.inflight, tag)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	if requeue {
		q.requeueAfter(body, 0)
		return nil
	}
	var job Job
	if err := json.Unmarshal(body, &job); err == nil {
		q.deadLetter(&job)
	}
	return nil
}

// Reject implements amqp.Acknowledger
func (q *MemoryQueue) Reject(tag uint64, requeue bool) error {
	return q.Nack(tag, false, requeue)
}

// DeadLetters returns the dead-lettered jobs
func (q *MemoryQueue) DeadLetters() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Job(nil), q.dead...)
}

// PurgeOlderThan drops dead letters created more than retention ago
func (q *MemoryQueue) PurgeOlderThan(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.dead[:0]
	purged := 0
	for _, job := range q.dead {
		if job.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, job)
	}
	q.dead = kept
	return purged, nil
}

// HealthCheck fails once the queue is closed
func (q *MemoryQueue) HealthCheck(_ context.Context) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
		return nil
	}
}

// Close stops delivery
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
