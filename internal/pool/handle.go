package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
)

// errNotReserved is returned when Convert is called on a handle the caller
// did not acquire.
var errNotReserved = errors.New("engine handle is not reserved")

// Handle drives one engine process. Its process is only touched by the
// goroutine that reserved it, by the replacement routine, or by Pool.Close.
type Handle struct {
	id       string
	launcher backend.Launcher
	logger   *slog.Logger

	mu           sync.Mutex
	proc         backend.Process
	state        model.HandleState
	failures     int
	conversions  int
	startedAt    time.Time
	lastActivity time.Time
	engine       *model.EngineInfo
}

func newHandle(launcher backend.Launcher, logger *slog.Logger) *Handle {
	id := model.NewID()
	now := time.Now().UTC()
	return &Handle{
		id:           id,
		launcher:     launcher,
		logger:       logger.With("handle_id", id),
		state:        model.HandleStarting,
		startedAt:    now,
		lastActivity: now,
	}
}

// ID returns the handle's identifier.
func (h *Handle) ID() string { return h.id }

// Start launches the engine and waits for it to answer a readiness probe.
// ctx bounds the whole startup. On failure the process is terminated and
// the handle is left unhealthy.
func (h *Handle) Start(ctx context.Context) error {
	proc, err := h.launcher.Launch(ctx, h.id)
	if err != nil {
		h.setState(model.HandleUnhealthy)
		return fmt.Errorf("%w: launch: %w", model.ErrEngineStartupFailed, err)
	}

	info, err := proc.Ping(ctx)
	if err != nil {
		_ = proc.Terminate()
		h.setState(model.HandleUnhealthy)
		return fmt.Errorf("%w: readiness probe: %w", model.ErrEngineStartupFailed, err)
	}

	h.mu.Lock()
	h.proc = proc
	h.engine = &info
	h.state = model.HandleIdle
	h.startedAt = time.Now().UTC()
	h.lastActivity = h.startedAt
	h.mu.Unlock()
	return nil
}

// Convert runs one conversion on the engine. The handle must be reserved.
// The engine call runs on its own goroutine and the first of result,
// process exit or ctx expiry wins. A hung engine is terminated on the spot.
func (h *Handle) Convert(ctx context.Context, req backend.ConvertRequest) ([]byte, error) {
	h.mu.Lock()
	if h.state != model.HandleBusy {
		h.mu.Unlock()
		return nil, errNotReserved
	}
	proc := h.proc
	h.mu.Unlock()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := proc.Convert(ctx, req)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return h.finish(ctx, proc, r.out, r.err)
	case <-proc.Exited():
		// A reply may have landed just before the process went away.
		select {
		case r := <-done:
			return h.finish(ctx, proc, r.out, r.err)
		default:
		}
		h.setState(model.HandleUnhealthy)
		return nil, fmt.Errorf("%w: engine process exited", model.ErrEngineCrashed)
	case <-ctx.Done():
		return nil, h.interrupt(ctx, proc)
	}
}

func (h *Handle) finish(ctx context.Context, proc backend.Process, out []byte, err error) ([]byte, error) {
	if err != nil && !errors.Is(err, model.ErrConversionRejected) && ctx.Err() != nil {
		return nil, h.interrupt(ctx, proc)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now().UTC()

	switch {
	case err == nil:
		h.failures = 0
		h.conversions++
		return out, nil
	case errors.Is(err, model.ErrConversionRejected):
		h.failures++
		h.conversions++
		return nil, err
	default:
		h.state = model.HandleUnhealthy
		return nil, fmt.Errorf("%w: %w", model.ErrEngineCrashed, err)
	}
}

// interrupt handles a conversion abandoned because ctx ended. The engine may
// still be chewing on the document, so it is killed.
func (h *Handle) interrupt(ctx context.Context, proc backend.Process) error {
	h.setState(model.HandleUnhealthy)
	_ = proc.Terminate()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.ErrTimeout
	}
	return model.ErrCancelled
}

// probe checks a reserved handle during maintenance: a readiness ping
// followed by a request to trim memory.
func (h *Handle) probe(ctx context.Context) error {
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()

	if _, err := proc.Ping(ctx); err != nil {
		h.setState(model.HandleUnhealthy)
		return fmt.Errorf("ping: %w", err)
	}
	if err := proc.CollectGarbage(ctx); err != nil {
		h.setState(model.HandleUnhealthy)
		return fmt.Errorf("collect garbage: %w", err)
	}
	h.mu.Lock()
	h.lastActivity = time.Now().UTC()
	h.mu.Unlock()
	return nil
}

// Terminate kills the engine. It is idempotent and never fails.
func (h *Handle) Terminate() {
	h.mu.Lock()
	proc := h.proc
	h.state = model.HandleTerminating
	h.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Terminate(); err != nil {
		h.logger.Warn("engine terminate failed", "error", err)
	}
}

// Info returns a point-in-time view of the handle.
func (h *Handle) Info() model.HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := model.HandleInfo{
		ID:                  h.id,
		State:               h.state,
		ConsecutiveFailures: h.failures,
		Conversions:         h.conversions,
		StartedAt:           h.startedAt,
		LastActivity:        h.lastActivity,
	}
	if h.engine != nil {
		e := *h.engine
		info.Engine = &e
	}
	return info
}

// State returns the handle's current state.
func (h *Handle) State() model.HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s model.HandleState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// counters returns conversions served and consecutive failures.
func (h *Handle) counters() (conversions, failures int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conversions, h.failures
}
