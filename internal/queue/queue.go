// Package queue implements named, prioritized, concurrency-limited task
// queues with timeout and table-driven retry. Tasks are ephemeral: durable
// retry across restarts belongs to the offline-action log, not here.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTimeout marks an attempt that exceeded the queue's per-task timeout.
var ErrTimeout = errors.New("queue: task timeout")

// ErrExhausted marks a task whose retries ran out. The last attempt's error
// is wrapped so callers can inspect it.
var ErrExhausted = errors.New("queue: retries exhausted")

// ErrUnknownQueue is returned for operations on a queue that was never created.
var ErrUnknownQueue = errors.New("queue: unknown queue")

// Task priorities. Lower runs first; ties run in insertion order.
const (
	PriorityHigh   = 0
	PriorityNormal = 5
	PriorityLow    = 9
)

// Task status values, observable via Status.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRetrying   = "retrying"
)

// TaskFunc is one unit of asynchronous work. It must honor ctx cancellation;
// an attempt that outlives its deadline is counted as failed regardless.
type TaskFunc func(ctx context.Context) error

// Options configures a named queue.
type Options struct {
	Concurrency   int           // max tasks in flight; min 1
	RetryAttempts int           // total attempts per task; min 1
	Timeout       time.Duration // per-attempt deadline; 0 = no deadline
}

type task struct {
	id       string
	fn       TaskFunc
	priority int
	seq      uint64
	attempts int
	status   string
	done     chan error
}

type namedQueue struct {
	name    string
	opts    Options
	pending []*task // sorted by (priority, seq)
	running int
	paused  bool
}

// Service owns all named queues and their scheduling.
type Service struct {
	mu      sync.Mutex
	queues  map[string]*namedQueue
	tasks   map[string]*task
	nextSeq uint64
	clock   Clock
	logger  *zap.Logger
	stopCh  chan struct{}
	stopped bool
}

// NewService creates a queue service. A nil clock uses the wall clock.
func NewService(clock Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		queues: make(map[string]*namedQueue),
		tasks:  make(map[string]*task),
		clock:  clock,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// CreateQueue registers a named queue. Re-creating an existing queue replaces
// its options but keeps pending tasks.
func (s *Service) CreateQueue(name string, opts Options) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		q.opts = opts
		return
	}
	s.queues[name] = &namedQueue{name: name, opts: opts}
}

// Add enqueues fn on the named queue. The returned channel receives exactly
// one value when the task settles: nil on success, or a terminal error
// (wrapping ErrExhausted) after retries run out. Failures are never swallowed.
func (s *Service) Add(queueName string, fn TaskFunc, priority int) (string, <-chan error, error) {
	s.mu.Lock()
	q, ok := s.queues[queueName]
	if !ok {
		s.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	t := &task{
		id:       uuid.NewString(),
		fn:       fn,
		priority: priority,
		seq:      s.nextSeq,
		status:   StatusPending,
		done:     make(chan error, 1),
	}
	s.nextSeq++
	s.tasks[t.id] = t
	q.insert(t)
	s.dispatchLocked(q)
	s.mu.Unlock()
	return t.id, t.done, nil
}

// Pause stops new task starts on the queue. In-flight tasks finish or time out.
func (s *Service) Pause(queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	q.paused = true
	return nil
}

// Resume restarts task scheduling on the queue.
func (s *Service) Resume(queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	q.paused = false
	s.dispatchLocked(q)
	return nil
}

// Status reports a task's current status.
func (s *Service) Status(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", false
	}
	return t.status, true
}

// Stop cancels pending retry timers. In-flight attempts are left to settle.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
}

// insert keeps pending sorted by (priority, seq). Retried tasks keep their
// original seq, so they rejoin ahead of later work at the same priority.
func (q *namedQueue) insert(t *task) {
	i := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.priority != t.priority {
			return p.priority > t.priority
		}
		return p.seq > t.seq
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = t
}

// dispatchLocked starts pending tasks while concurrency slots remain.
// Callers must hold s.mu.
func (s *Service) dispatchLocked(q *namedQueue) {
	for !q.paused && q.running < q.opts.Concurrency && len(q.pending) > 0 {
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		t.status = StatusProcessing
		go s.run(q, t)
	}
}

func (s *Service) run(q *namedQueue, t *task) {
	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if q.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.opts.Timeout)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- t.fn(ctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = fmt.Errorf("%w after %s", ErrTimeout, q.opts.Timeout)
	}
	cancel()

	s.settle(q, t, err)
}

func (s *Service) settle(q *namedQueue, t *task, err error) {
	s.mu.Lock()
	q.running--
	t.attempts++

	switch {
	case err == nil:
		t.status = StatusCompleted
		t.done <- nil
	case t.attempts < q.opts.RetryAttempts:
		t.status = StatusRetrying
		delay := Backoff(t.attempts)
		s.logger.Info("task retry scheduled",
			zap.String("queue", q.name),
			zap.String("task_id", t.id),
			zap.Int("attempt", t.attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		wait := s.clock.After(delay)
		go func() {
			select {
			case <-wait:
				s.mu.Lock()
				t.status = StatusPending
				q.insert(t)
				s.dispatchLocked(q)
				s.mu.Unlock()
			case <-s.stopCh:
			}
		}()
	default:
		t.status = StatusFailed
		s.logger.Warn("task failed",
			zap.String("queue", q.name),
			zap.String("task_id", t.id),
			zap.Int("attempts", t.attempts),
			zap.Error(err))
		t.done <- fmt.Errorf("%w after %d attempts: %w", ErrExhausted, t.attempts, err)
	}

	s.dispatchLocked(q)
	s.mu.Unlock()
}
