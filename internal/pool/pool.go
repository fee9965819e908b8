package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultStartupTimeout  = 30 * time.Second
	DefaultStartupAttempts = 5
	DefaultBackoffBase     = 500 * time.Millisecond
	DefaultBackoffMax      = 30 * time.Second
	DefaultProbeTimeout    = 10 * time.Second
)

// eventTimeout bounds a single engine event write.
const eventTimeout = 2 * time.Second

// Config sizes the pool and tunes engine replacement.
type Config struct {
	// Capacity is the fixed number of engine slots.
	Capacity int

	// StartupTimeout bounds launch plus readiness probe of one engine.
	StartupTimeout time.Duration

	// StartupAttempts is how many launches a slot gets before it is lost.
	StartupAttempts int

	// BackoffBase and BackoffMax shape the delay between attempts:
	// BackoffBase * 2^n, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// RecycleAfter replaces a healthy engine after this many conversions.
	// Zero disables.
	RecycleAfter int

	// MaxConsecutiveFailures replaces an engine after this many rejections
	// in a row. Zero, the default, disables: a rejection blames the document,
	// not the engine.
	MaxConsecutiveFailures int

	// ProbeTimeout bounds each maintenance probe.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.StartupAttempts <= 0 {
		c.StartupAttempts = DefaultStartupAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	return c
}

// EventRecorder persists engine lifecycle events.
type EventRecorder interface {
	RecordEngineEvent(ctx context.Context, ev *model.EngineEvent) error
}

// Snapshot is a point-in-time view of the pool.
type Snapshot struct {
	Capacity          int                `json:"capacity"`
	EffectiveCapacity int                `json:"effective_capacity"`
	Idle              int                `json:"idle"`
	Busy              int                `json:"busy"`
	Starting          int                `json:"starting"`
	DegradedSlots     int                `json:"degraded_slots"`
	Handles           []model.HandleInfo `json:"handles"`
}

// MaintenanceReport summarizes one Maintain pass.
type MaintenanceReport struct {
	Checked  int `json:"checked"`
	Replaced int `json:"replaced"`
}

// Pool is a fixed-capacity set of engine handles.
type Pool struct {
	cfg      Config
	launcher backend.Launcher
	events   EventRecorder
	logger   *slog.Logger

	// baseCtx outlives any request; it is cancelled by Close to stop
	// replacements that are still backing off.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	handles     map[string]*Handle // idle and busy handles
	idle        []*Handle          // least recently used first
	starting    map[string]*Handle // handles launching right now
	replacing   int                // slots being filled, including backoff waits
	degraded    int
	closed      bool
	onAvailable func()
}

// New creates a pool. Call Start to launch the engines. events may be nil.
func New(cfg Config, launcher backend.Launcher, events EventRecorder, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	capacityGauge.Set(float64(cfg.Capacity))
	return &Pool{
		cfg:        cfg,
		launcher:   launcher,
		events:     events,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		handles:    make(map[string]*Handle),
		starting:   make(map[string]*Handle),
	}
}

// OnAvailable registers fn to be called whenever a handle becomes idle.
// fn is never called with the pool lock held.
func (p *Pool) OnAvailable(fn func()) {
	p.mu.Lock()
	p.onAvailable = fn
	p.mu.Unlock()
}

// Capacity returns the configured number of slots.
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// Start fills every slot concurrently and blocks until each slot is ready or
// permanently lost. It returns model.ErrNoCapacity if no engine came up.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return model.ErrShuttingDown
	}
	p.replacing += p.cfg.Capacity
	p.updateGaugesLocked()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for range p.cfg.Capacity {
		wg.Go(func() {
			p.fillSlot(ctx)
		})
	}
	wg.Wait()

	snap := p.Snapshot()
	p.logger.Info("engine pool started",
		"capacity", snap.Capacity,
		"idle", snap.Idle,
		"degraded_slots", snap.DegradedSlots,
	)
	if snap.Idle+snap.Busy == 0 {
		return model.ErrNoCapacity
	}
	return nil
}

// Acquire reserves the least recently used idle handle. It never blocks.
func (p *Pool) Acquire() (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle) == 0 {
		return nil, false
	}
	h := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	h.setState(model.HandleBusy)
	p.updateGaugesLocked()
	return h, true
}

// Release returns a reserved handle. outcome is the error the job finished
// with: nil and rejections keep the handle, anything else replaces it.
func (p *Pool) Release(h *Handle, outcome error) {
	reason := ""
	if !model.HandleHealthy(outcome) || h.State() != model.HandleBusy {
		switch model.OutcomeOf(outcome) {
		case model.OutcomeTimeout:
			reason = model.EventTimedOut
		case model.OutcomeCancelled:
			reason = model.EventInterrupted
		default:
			reason = model.EventCrashed
		}
	}
	p.release(h, reason, outcome)
}

// release returns h to the idle set, or replaces it when reason is set or
// the handle has worn out.
func (p *Pool) release(h *Handle, reason string, cause error) {
	if reason == "" {
		conversions, failures := h.counters()
		switch {
		case p.cfg.RecycleAfter > 0 && conversions >= p.cfg.RecycleAfter:
			reason = model.EventRecycled
			cause = fmt.Errorf("served %d conversions", conversions)
		case p.cfg.MaxConsecutiveFailures > 0 && failures >= p.cfg.MaxConsecutiveFailures:
			reason = model.EventRecycled
			cause = fmt.Errorf("%d consecutive rejections", failures)
		}
	}

	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok {
		// Close already dropped and terminated it.
		p.mu.Unlock()
		return
	}

	if reason == "" {
		h.setState(model.HandleIdle)
		p.idle = append(p.idle, h)
		p.updateGaugesLocked()
		notify := p.onAvailable
		p.mu.Unlock()
		if notify != nil {
			notify()
		}
		return
	}

	// The handle leaves the table before its replacement starts.
	delete(p.handles, h.id)
	h.setState(model.HandleTerminating)
	p.replacing++
	p.wg.Add(1) // under p.mu so Close cannot start waiting first
	p.updateGaugesLocked()
	p.mu.Unlock()

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	replacementsTotal.WithLabelValues(reason).Inc()
	p.logger.Warn("replacing engine", "handle_id", h.id, "reason", reason, "cause", detail)
	p.record(h.id, reason, detail)

	go func() {
		defer p.wg.Done()
		h.Terminate()
		p.record(h.id, model.EventTerminated, "")
		p.fillSlot(p.baseCtx)
	}()
}

// fillSlot starts an engine for one slot, retrying with backoff. The caller
// has already counted the slot in p.replacing.
func (p *Pool) fillSlot(ctx context.Context) {
	for attempt := range p.cfg.StartupAttempts {
		h := newHandle(p.launcher, p.logger)

		p.mu.Lock()
		if p.closed {
			p.replacing--
			p.updateGaugesLocked()
			p.mu.Unlock()
			return
		}
		p.starting[h.id] = h
		p.mu.Unlock()

		start := time.Now()
		startCtx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
		err := h.Start(startCtx)
		cancel()

		p.mu.Lock()
		delete(p.starting, h.id)
		p.mu.Unlock()

		if err == nil {
			engineStartDuration.Observe(time.Since(start).Seconds())
			if p.admit(h) {
				info := h.Info()
				detail := ""
				if info.Engine != nil {
					detail = fmt.Sprintf("%s %d.%d pid %d", info.Engine.Product, info.Engine.Major, info.Engine.Minor, info.Engine.PID)
				}
				p.logger.Info("engine ready",
					"handle_id", h.id,
					"attempt", attempt+1,
					"duration_ms", time.Since(start).Milliseconds(),
				)
				p.record(h.id, model.EventStarted, detail)
			}
			return
		}

		p.logger.Warn("engine failed to start",
			"handle_id", h.id,
			"attempt", attempt+1,
			"max_attempts", p.cfg.StartupAttempts,
			"error", err,
		)
		p.record(h.id, model.EventStartFailed, err.Error())

		if ctx.Err() != nil {
			p.abandonSlot()
			return
		}
		if attempt == p.cfg.StartupAttempts-1 {
			break
		}

		select {
		case <-time.After(backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, attempt)):
		case <-ctx.Done():
			p.abandonSlot()
			return
		case <-p.baseCtx.Done():
			p.abandonSlot()
			return
		}
	}

	p.loseSlot()
}

// admit puts a freshly started handle into the table. It reports false when
// the pool closed in the meantime and the handle was discarded.
func (p *Pool) admit(h *Handle) bool {
	p.mu.Lock()
	p.replacing--
	if p.closed {
		p.updateGaugesLocked()
		p.mu.Unlock()
		h.Terminate()
		return false
	}
	p.handles[h.id] = h
	p.idle = append(p.idle, h)
	p.updateGaugesLocked()
	notify := p.onAvailable
	p.mu.Unlock()

	if notify != nil {
		notify()
	}
	return true
}

// abandonSlot gives up on a slot because the pool or the start call was
// cancelled. This is not degradation.
func (p *Pool) abandonSlot() {
	p.mu.Lock()
	p.replacing--
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// loseSlot gives up on a slot for good and raises the degraded signal.
func (p *Pool) loseSlot() {
	p.mu.Lock()
	p.replacing--
	p.degraded++
	degraded := p.degraded
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Error("engine slot lost",
		"error", model.ErrCapacityDegraded,
		"degraded_slots", degraded,
		"capacity", p.cfg.Capacity,
	)
	p.record("", model.EventSlotLost, fmt.Sprintf("%d of %d slots lost", degraded, p.cfg.Capacity))
}

// Maintain probes every idle engine, one at a time, and asks it to trim
// memory. Engines that fail the probe are replaced. Each probe reserves the
// handle like a job would, so no conversion is disturbed.
func (p *Pool) Maintain(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport

	p.mu.Lock()
	ids := make([]string, 0, len(p.idle))
	for _, h := range p.idle {
		ids = append(ids, h.id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		h, ok := p.reserve(id)
		if !ok {
			continue
		}
		report.Checked++

		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		err := h.probe(probeCtx)
		cancel()

		if err != nil {
			report.Replaced++
			p.release(h, model.EventProbeFailed, err)
			continue
		}
		p.record(h.id, model.EventMaintenance, "")
		p.release(h, "", nil)
	}

	p.logger.Info("engine maintenance complete", "checked", report.Checked, "replaced", report.Replaced)
	return report
}

// reserve marks a specific idle handle busy.
func (p *Pool) reserve(id string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}
	for i, h := range p.idle {
		if h.id == id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			h.setState(model.HandleBusy)
			p.updateGaugesLocked()
			return h, true
		}
	}
	return nil, false
}

// Degraded returns the number of slots permanently lost.
func (p *Pool) Degraded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Snapshot returns a consistent view of the pool.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Capacity:          p.cfg.Capacity,
		EffectiveCapacity: p.cfg.Capacity - p.degraded,
		Idle:              len(p.idle),
		Busy:              len(p.handles) - len(p.idle),
		Starting:          p.replacing,
		DegradedSlots:     p.degraded,
		Handles:           make([]model.HandleInfo, 0, len(p.handles)+len(p.starting)),
	}
	for _, h := range p.handles {
		snap.Handles = append(snap.Handles, h.Info())
	}
	for _, h := range p.starting {
		snap.Handles = append(snap.Handles, h.Info())
	}
	return snap
}

// EngineInfo returns what the most recently started engine reported about
// itself, if any engine is running.
func (p *Pool) EngineInfo() (model.EngineInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		best  model.EngineInfo
		found bool
		at    time.Time
	)
	for _, h := range p.handles {
		info := h.Info()
		if info.Engine != nil && (!found || info.StartedAt.After(at)) {
			best, found, at = *info.Engine, true, info.StartedAt
		}
	}
	return best, found
}

// Close stops replacements and terminates every engine. It waits for
// in-flight replacements until ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.baseCancel()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[string]*Handle)
	p.idle = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Go(func() {
			h.Terminate()
			p.record(h.id, model.EventTerminated, "pool closed")
		})
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for engine replacements: %w", ctx.Err())
	}
}

// updateGaugesLocked publishes handle counts. p.mu must be held.
func (p *Pool) updateGaugesLocked() {
	idle := len(p.idle)
	handlesGauge.WithLabelValues(string(model.HandleIdle)).Set(float64(idle))
	handlesGauge.WithLabelValues(string(model.HandleBusy)).Set(float64(len(p.handles) - idle))
	handlesGauge.WithLabelValues(string(model.HandleStarting)).Set(float64(p.replacing))
	degradedGauge.Set(float64(p.degraded))
}

func (p *Pool) record(handleID, kind, detail string) {
	if p.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	ev := &model.EngineEvent{
		ID:        model.NewID(),
		HandleID:  handleID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.events.RecordEngineEvent(ctx, ev); err != nil {
		p.logger.Error("failed to record engine event", "kind", kind, "handle_id", handleID, "error", err)
	}
}

// backoff returns base * 2^attempt, capped at limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for range attempt {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
