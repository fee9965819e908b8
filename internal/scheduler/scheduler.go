package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxQueueDepth = 64
	DefaultTimeout       = 120 * time.Second
	DefaultMaxTimeout    = 10 * time.Minute
)

// Config bounds the queue and job deadlines.
type Config struct {
	MaxQueueDepth  int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	return c
}

// Pool hands out engine handles. *pool.Pool implements it.
type Pool interface {
	Acquire() (*pool.Handle, bool)
	Release(h *pool.Handle, outcome error)
	OnAvailable(fn func())
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	QueueDepth    int                     `json:"queue_depth"`
	MaxQueueDepth int                     `json:"max_queue_depth"`
	Bound         int                     `json:"bound"`
	Outcomes      map[model.Outcome]int64 `json:"outcomes"`
}

// Scheduler queues conversion jobs and dispatches them onto pooled engines.
type Scheduler struct {
	cfg    Config
	pool   Pool
	logger *slog.Logger
	broker *EventBroker

	// baseCtx parents every bound job; Close cancels it once its grace
	// period runs out.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	queue    *list.List
	jobs     map[string]*Job
	bound    int
	outcomes map[model.Outcome]int64
	closed   bool
}

// New creates a scheduler dispatching onto p and registers for p's
// availability notifications.
func New(cfg Config, p Pool, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		pool:       p,
		logger:     logger,
		broker:     NewEventBroker(),
		baseCtx:    ctx,
		baseCancel: cancel,
		queue:      list.New(),
		jobs:       make(map[string]*Job),
		outcomes:   make(map[model.Outcome]int64),
	}
	p.OnAvailable(s.Dispatch)
	return s
}

// Submit validates and enqueues a conversion. It never blocks: if the queue
// is full the call fails with model.ErrQueueFull and no job is created.
// Cancelling ctx cancels the job.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Job, error) {
	if len(req.Input) == 0 {
		return nil, model.ErrEmptyInput
	}
	target := model.NormalizeFormat(req.TargetFormat)
	if target == "" {
		target = model.DefaultTargetFormat
	}
	if !model.ValidFormat(target) {
		return nil, fmt.Errorf("%w: target %q", model.ErrUnsupportedFormat, req.TargetFormat)
	}
	source := model.NormalizeFormat(req.SourceFormat)
	if source == "" {
		source = model.InferFormat(req.Filename)
	} else if !model.ValidFormat(source) {
		return nil, fmt.Errorf("%w: source %q", model.ErrUnsupportedFormat, req.SourceFormat)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout > s.cfg.MaxTimeout {
		timeout = s.cfg.MaxTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, model.ErrShuttingDown
	}
	if s.queue.Len() >= s.cfg.MaxQueueDepth {
		s.outcomes[model.OutcomeQueueFull]++
		jobsTotal.WithLabelValues(string(model.OutcomeQueueFull)).Inc()
		return nil, model.ErrQueueFull
	}

	now := time.Now()
	j := &Job{
		ID:           model.NewID(),
		SourceFormat: source,
		TargetFormat: target,
		SubmittedAt:  now,
		Deadline:     now.Add(timeout),
		input:        req.Input,
		sched:        s,
		done:         make(chan struct{}),
		state:        model.JobQueued,
	}
	j.elem = s.queue.PushBack(j)
	j.timer = time.AfterFunc(timeout, func() { s.expire(j) })
	j.stopWatch = context.AfterFunc(ctx, j.Cancel)
	s.jobs[j.ID] = j

	s.logger.Debug("job queued",
		"job_id", j.ID,
		"source_format", source,
		"target_format", target,
		"input_bytes", len(req.Input),
		"queue_depth", s.queue.Len(),
	)
	s.broker.Publish(j.event())

	s.dispatchLocked()
	queueDepthGauge.Set(float64(s.queue.Len()))
	return j, nil
}

// Dispatch binds queued jobs to free engines until one of them runs out.
func (s *Scheduler) Dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLocked()
	queueDepthGauge.Set(float64(s.queue.Len()))
}

func (s *Scheduler) dispatchLocked() {
	for s.queue.Len() > 0 {
		front := s.queue.Front()
		j := front.Value.(*Job)
		if !time.Now().Before(j.Deadline) {
			s.resolveLocked(j, nil, model.ErrTimeout)
			continue
		}

		h, ok := s.pool.Acquire()
		if !ok {
			return
		}

		s.queue.Remove(front)
		j.elem = nil
		j.timer.Stop()
		j.state = model.JobBound
		j.handleID = h.ID()
		j.boundAt = time.Now()
		s.bound++
		boundJobsGauge.Set(float64(s.bound))
		queueWaitDuration.Observe(j.boundAt.Sub(j.SubmittedAt).Seconds())

		s.logger.Debug("job bound", "job_id", j.ID, "handle_id", h.ID())
		s.broker.Publish(j.event())

		s.wg.Go(func() {
			s.run(j, h)
		})
	}
}

// run executes a bound job. The job is resolved and stops counting as bound
// before its handle goes back to the pool: releasing may dispatch the next
// job synchronously.
func (s *Scheduler) run(j *Job, h *pool.Handle) {
	ctx, cancel := context.WithDeadline(s.baseCtx, j.Deadline)
	defer cancel()

	start := time.Now()
	out, convertErr := h.Convert(ctx, backend.ConvertRequest{
		JobID:        j.ID,
		Input:        j.input,
		SourceFormat: j.SourceFormat,
		TargetFormat: j.TargetFormat,
	})
	defer s.pool.Release(h, convertErr)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bound--
	boundJobsGauge.Set(float64(s.bound))
	err := convertErr
	if j.cancelRequested {
		out, err = nil, model.ErrCancelled
	}

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "job finished",
		"job_id", j.ID,
		"handle_id", h.ID(),
		"outcome", model.OutcomeOf(err),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	s.resolveLocked(j, out, err)
}

// resolveLocked moves a job to its terminal state. It is a no-op for jobs
// that are already resolved.
func (s *Scheduler) resolveLocked(j *Job, out []byte, err error) {
	if j.state == model.JobResolved {
		return
	}
	if j.elem != nil {
		s.queue.Remove(j.elem)
		j.elem = nil
	}
	j.timer.Stop()
	j.stopWatch()
	delete(s.jobs, j.ID)

	j.state = model.JobResolved
	j.resolvedAt = time.Now()
	j.output = out
	j.err = err
	j.input = nil

	outcome := model.OutcomeOf(err)
	s.outcomes[outcome]++
	jobsTotal.WithLabelValues(string(outcome)).Inc()
	jobDuration.Observe(j.resolvedAt.Sub(j.SubmittedAt).Seconds())
	queueDepthGauge.Set(float64(s.queue.Len()))

	close(j.done)
	s.broker.Publish(j.event())
	s.broker.Close(j.ID)
}

func (s *Scheduler) cancel(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch j.state {
	case model.JobQueued:
		s.logger.Debug("queued job cancelled", "job_id", j.ID)
		s.resolveLocked(j, nil, model.ErrCancelled)
	case model.JobBound:
		j.cancelRequested = true
	}
}

// expire resolves a job whose deadline passed while it was still queued.
func (s *Scheduler) expire(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.state != model.JobQueued {
		return
	}
	s.logger.Info("job expired in queue", "job_id", j.ID, "waited_ms", time.Since(j.SubmittedAt).Milliseconds())
	s.resolveLocked(j, nil, model.ErrTimeout)
}

// Lookup returns a job that is still queued or bound.
func (s *Scheduler) Lookup(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Subscribe streams lifecycle events for j. The channel is closed after the
// resolved event. Subscribing to a job that is already resolved yields just
// its final event.
func (s *Scheduler) Subscribe(j *Job) (<-chan Event, func()) {
	ch, unsubscribe := s.broker.Subscribe(j.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.state != model.JobResolved {
		return ch, unsubscribe
	}
	unsubscribe()
	final := make(chan Event, 1)
	final <- j.event()
	close(final)
	return final, func() {}
}

// Stats returns queue depth, bound jobs and cumulative outcome counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make(map[model.Outcome]int64, len(model.Outcomes))
	for _, o := range model.Outcomes {
		outcomes[o] = s.outcomes[o]
	}
	return Stats{
		QueueDepth:    s.queue.Len(),
		MaxQueueDepth: s.cfg.MaxQueueDepth,
		Bound:         s.bound,
		Outcomes:      outcomes,
	}
}

// Close stops accepting jobs, cancels everything still queued and waits for
// bound jobs to finish. If ctx ends first, bound conversions are interrupted
// and Close returns once they have been released.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for s.queue.Len() > 0 {
		s.resolveLocked(s.queue.Front().Value.(*Job), nil, model.ErrShuttingDown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.baseCancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("interrupting bound jobs", "error", ctx.Err())
		s.baseCancel()
		<-done
		return ctx.Err()
	}
}
