package office

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/process"
)

// LauncherName is the name used when registering with the launcher registry.
const LauncherName = "office"

// Scratch layout inside each engine's temp directory.
const (
	socketName  = "engine.sock"
	profileName = "profile"
	jobsName    = "jobs"
)

// Launcher starts anvil-engine workers.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
	ports  *portAllocator
}

// Compile-time interface satisfaction check.
var _ backend.Launcher = (*Launcher)(nil)

// NewLauncher creates a launcher for cfg.
func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	if cfg.MaxEngines <= 0 {
		cfg.MaxEngines = DefaultMaxEngines
	}
	return &Launcher{
		cfg:    cfg,
		logger: logger,
		ports:  newPortAllocator(cfg.VsockPortBase, cfg.MaxEngines),
	}
}

// Name implements backend.Launcher.
func (l *Launcher) Name() string { return LauncherName }

// Verify checks that the worker binary can be found.
func (l *Launcher) Verify() error {
	if _, err := exec.LookPath(l.cfg.EngineBin); err != nil {
		return fmt.Errorf("engine binary %q: %w", l.cfg.EngineBin, err)
	}
	return nil
}

// Launch spawns a worker and connects to it. The worker is not yet known to
// be ready; the caller probes it with Ping.
func (l *Launcher) Launch(ctx context.Context, id string) (backend.Process, error) {
	start := time.Now()

	dir, err := os.MkdirTemp(l.cfg.WorkDir, "anvil-engine-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	var port uint32
	if l.cfg.Transport == TransportVsock {
		port, err = l.ports.allocate()
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("allocate port: %w", err)
		}
	}

	p := &Process{
		id:       id,
		dir:      dir,
		port:     port,
		launcher: l,
		logger:   l.logger.With("handle_id", id),
		exited:   make(chan struct{}),
	}

	sockPath := filepath.Join(dir, socketName)
	args := []string{
		"--listen", ListenAddr(l.cfg.Transport, sockPath, port),
		"--profile", filepath.Join(dir, profileName),
		"--work-dir", filepath.Join(dir, jobsName),
	}
	if l.cfg.OfficePath != "" {
		args = append(args, "--office", l.cfg.OfficePath)
	}

	// The worker must outlive the launch context, so it is not bound to ctx.
	cmd := exec.Command(l.cfg.EngineBin, args...)
	cmd.Dir = dir
	cmd.Stdout = &logWriter{logger: p.logger}
	cmd.Stderr = &logWriter{logger: p.logger}
	cmd.WaitDelay = gracefulShutdownTimeout
	process.Isolate(cmd)
	p.cmd = cmd

	if err := cmd.Start(); err != nil {
		p.cleanup()
		return nil, fmt.Errorf("start %s: %w", l.cfg.EngineBin, err)
	}
	activeEngines.Inc()
	go p.wait()

	dial := UnixDialer(sockPath)
	if l.cfg.Transport == TransportVsock {
		dial = VsockDialer(port)
	}
	conn, err := DialEngine(ctx, dial, p.exited)
	engineLaunchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		_ = p.Terminate()
		return nil, fmt.Errorf("connect to engine: %w", err)
	}
	p.conn = conn

	p.logger.Debug("engine process started",
		"pid", cmd.Process.Pid,
		"transport", l.cfg.Transport,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return p, nil
}

// Process is one running anvil-engine worker.
type Process struct {
	id       string
	dir      string
	port     uint32
	launcher *Launcher
	logger   *slog.Logger

	cmd  *exec.Cmd
	conn *EngineConn

	exited   chan struct{}
	termOnce sync.Once
}

// Compile-time interface satisfaction check.
var _ backend.Process = (*Process)(nil)

// Ping implements backend.Process.
func (p *Process) Ping(ctx context.Context) (model.EngineInfo, error) {
	resp, err := p.do(ctx, Request{Op: OpPing})
	if err != nil {
		return model.EngineInfo{}, err
	}
	var info model.EngineInfo
	if resp.Engine != nil {
		info = *resp.Engine
	}
	if info.PID == 0 && p.cmd.Process != nil {
		info.PID = p.cmd.Process.Pid
	}
	return info, nil
}

// Convert implements backend.Process.
func (p *Process) Convert(ctx context.Context, req backend.ConvertRequest) ([]byte, error) {
	resp, err := p.do(ctx, Request{
		Op:           OpConvert,
		JobID:        req.JobID,
		Input:        req.Input,
		SourceFormat: req.SourceFormat,
		TargetFormat: req.TargetFormat,
	})
	if err != nil {
		return nil, err
	}
	return resp.Output, nil
}

// CollectGarbage implements backend.Process.
func (p *Process) CollectGarbage(ctx context.Context) error {
	_, err := p.do(ctx, Request{Op: OpCollectGarbage})
	return err
}

func (p *Process) do(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := p.conn.Do(ctx, req)
	engineRequestDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(req.Op, statusError).Inc()
		return Response{}, err
	}
	requestsTotal.WithLabelValues(req.Op, resp.Status).Inc()
	return resp, resp.Err()
}

// Exited implements backend.Process.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Terminate kills the worker and every soffice child, then removes its
// scratch directory. Safe to call more than once.
func (p *Process) Terminate() error {
	p.termOnce.Do(func() {
		start := time.Now()

		if p.conn != nil {
			p.conn.Close()
		}
		if p.cmd.Process != nil {
			process.KillProcessGroup(p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()

			select {
			case <-p.exited:
			case <-time.After(gracefulShutdownTimeout):
				p.logger.Warn("engine process did not exit after kill", "pid", p.cmd.Process.Pid)
			}
		}

		p.cleanup()
		engineTerminateDuration.Observe(time.Since(start).Seconds())
		p.logger.Debug("engine process terminated")
	})
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	activeEngines.Dec()
	if err != nil {
		p.logger.Debug("engine process exited", "error", err)
	}
	close(p.exited)
}

func (p *Process) cleanup() {
	if p.launcher.cfg.Transport == TransportVsock {
		p.launcher.ports.release(p.port)
	}
	if p.dir != "" {
		os.RemoveAll(p.dir)
	}
}

// logWriter forwards worker output to the server log at debug level, one
// record per line.
type logWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    []byte
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug("engine output", "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}
