// Package backendtest provides an in-memory engine for exercising the pool,
// the scheduler and the API without LibreOffice.
//
// The fake decides how to treat a document from its content:
//
//	"hang..."   never returns until the process is terminated
//	"crash..."  the process exits mid-conversion
//	"reject..." the engine refuses the document
//	anything else converts to "<target>:<input>"
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
)

// Document prefixes that select a fake behaviour.
var (
	Hang   = []byte("hang")
	Crash  = []byte("crash")
	Reject = []byte("reject")
)

// ErrLaunch is returned by Launch while launch failures are configured.
var ErrLaunch = errors.New("backendtest: launch failed")

var errConnClosed = errors.New("backendtest: connection closed")

// Launcher is a configurable fake engine launcher. It is safe for concurrent use.
type Launcher struct {
	// Delay is how long a successful conversion takes.
	Delay time.Duration

	// Gate, when non-nil, holds every successful conversion until it is
	// closed or receives a value.
	Gate chan struct{}

	// PingDelay slows the readiness probe.
	PingDelay time.Duration

	mu           sync.Mutex
	failLaunches int
	failForever  bool
	procs        []*Process

	launches    atomic.Int64
	terminated  atomic.Int64
	conversions atomic.Int64
	gcRuns      atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// Compile-time interface satisfaction check.
var _ backend.Launcher = (*Launcher)(nil)

// NewLauncher creates a fake launcher whose engines succeed after delay.
func NewLauncher(delay time.Duration) *Launcher {
	return &Launcher{Delay: delay}
}

// Name implements backend.Launcher.
func (l *Launcher) Name() string { return "fake" }

// FailNextLaunches makes the next n launches fail.
func (l *Launcher) FailNextLaunches(n int) {
	l.mu.Lock()
	l.failLaunches = n
	l.mu.Unlock()
}

// FailAllLaunches makes every future launch fail (or succeed again when false).
func (l *Launcher) FailAllLaunches(fail bool) {
	l.mu.Lock()
	l.failForever = fail
	l.mu.Unlock()
}

// Launch implements backend.Launcher.
func (l *Launcher) Launch(ctx context.Context, id string) (backend.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.launches.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failForever {
		return nil, ErrLaunch
	}
	if l.failLaunches > 0 {
		l.failLaunches--
		return nil, ErrLaunch
	}

	p := &Process{
		id:       id,
		launcher: l,
		pid:      int(l.launches.Load()) + 1000,
		exited:   make(chan struct{}),
	}
	l.procs = append(l.procs, p)
	return p, nil
}

// Launches returns the number of launch attempts so far.
func (l *Launcher) Launches() int { return int(l.launches.Load()) }

// Terminations returns how many processes were terminated.
func (l *Launcher) Terminations() int { return int(l.terminated.Load()) }

// Conversions returns how many conversions completed successfully.
func (l *Launcher) Conversions() int { return int(l.conversions.Load()) }

// GarbageCollections returns how many CollectGarbage calls were served.
func (l *Launcher) GarbageCollections() int { return int(l.gcRuns.Load()) }

// InFlight returns the number of Convert calls currently executing.
func (l *Launcher) InFlight() int { return int(l.inFlight.Load()) }

// MaxInFlight returns the highest number of concurrent Convert calls observed.
func (l *Launcher) MaxInFlight() int { return int(l.maxInFlight.Load()) }

// Processes returns every process launched so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

func (l *Launcher) enter() {
	n := l.inFlight.Add(1)
	for {
		cur := l.maxInFlight.Load()
		if n <= cur || l.maxInFlight.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (l *Launcher) leave() {
	l.inFlight.Add(-1)
}

// Process is a fake engine instance.
type Process struct {
	id       string
	launcher *Launcher
	pid      int

	exitOnce sync.Once
	exited   chan struct{}

	killed atomic.Bool
}

// Compile-time interface satisfaction check.
var _ backend.Process = (*Process)(nil)

// ID returns the id the process was launched with.
func (p *Process) ID() string { return p.id }

// Killed reports whether Terminate was called.
func (p *Process) Killed() bool { return p.killed.Load() }

// Ping implements backend.Process.
func (p *Process) Ping(ctx context.Context) (model.EngineInfo, error) {
	if p.launcher.PingDelay > 0 {
		select {
		case <-time.After(p.launcher.PingDelay):
		case <-ctx.Done():
			return model.EngineInfo{}, ctx.Err()
		case <-p.exited:
			return model.EngineInfo{}, errConnClosed
		}
	}
	select {
	case <-p.exited:
		return model.EngineInfo{}, errConnClosed
	default:
	}
	return model.EngineInfo{Product: "FakeOffice", Major: 24, Minor: 8, BuildID: "test", PID: p.pid}, nil
}

// Convert implements backend.Process. It deliberately ignores ctx, like a
// wedged engine would.
func (p *Process) Convert(_ context.Context, req backend.ConvertRequest) ([]byte, error) {
	l := p.launcher
	l.enter()
	defer l.leave()

	select {
	case <-p.exited:
		return nil, errConnClosed
	default:
	}

	switch {
	case bytes.HasPrefix(req.Input, Hang):
		<-p.exited
		return nil, errConnClosed
	case bytes.HasPrefix(req.Input, Crash):
		p.exit()
		return nil, fmt.Errorf("read response: %w", errConnClosed)
	case bytes.HasPrefix(req.Input, Reject):
		return nil, fmt.Errorf("%w: file is corrupted", model.ErrConversionRejected)
	}

	if l.Gate != nil {
		select {
		case <-l.Gate:
		case <-p.exited:
			return nil, errConnClosed
		}
	}
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-p.exited:
			return nil, errConnClosed
		}
	}

	l.conversions.Add(1)
	out := append([]byte(req.TargetFormat+":"), req.Input...)
	return out, nil
}

// CollectGarbage implements backend.Process.
func (p *Process) CollectGarbage(_ context.Context) error {
	select {
	case <-p.exited:
		return errConnClosed
	default:
	}
	p.launcher.gcRuns.Add(1)
	return nil
}

// Exited implements backend.Process.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Terminate implements backend.Process.
func (p *Process) Terminate() error {
	if p.killed.CompareAndSwap(false, true) {
		p.launcher.terminated.Add(1)
	}
	p.exit()
	return nil
}

// Exit simulates the engine process dying on its own.
func (p *Process) Exit() { p.exit() }

func (p *Process) exit() {
	p.exitOnce.Do(func() { close(p.exited) })
}
