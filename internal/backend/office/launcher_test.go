package office_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/office"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/worker"
)

// envHelper turns the test binary into an engine worker.
const envHelper = "ANVIL_TEST_ENGINE"

func TestMain(m *testing.M) {
	switch os.Getenv(envHelper) {
	case "serve":
		runHelperEngine()
		os.Exit(0)
	case "fail":
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// helperEngine converts by echoing, hangs on "hang" and dies on "exit".
type helperEngine struct{}

func (helperEngine) Info(_ context.Context) (model.EngineInfo, error) {
	return model.EngineInfo{Product: "HelperOffice", Major: 1, Minor: 2, BuildID: "helper", PID: os.Getpid()}, nil
}

func (helperEngine) Convert(_ context.Context, req office.Request) ([]byte, error) {
	switch string(req.Input) {
	case "hang":
		time.Sleep(time.Hour)
	case "exit":
		os.Exit(3)
	case "reject":
		return nil, worker.ErrCorrupted
	}
	return append([]byte(req.TargetFormat+":"), req.Input...), nil
}

func (helperEngine) CollectGarbage(_ context.Context) error { return nil }

func runHelperEngine() {
	var listen string
	for i, arg := range os.Args {
		if arg == "--listen" && i+1 < len(os.Args) {
			listen = os.Args[i+1]
		}
	}
	l, err := office.Listen(listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	agent := worker.New(l, helperEngine{})
	agent.ExitOnDisconnect = true
	_ = agent.Serve()
}

func newLauncher(t *testing.T, mode string) *office.Launcher {
	t.Helper()
	l, _ := newLauncherInDir(t, mode)
	return l
}

func newLauncherInDir(t *testing.T, mode string) (*office.Launcher, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process group handling is unix-only")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	t.Setenv(envHelper, mode)
	dir := t.TempDir()
	return office.NewLauncher(office.Config{
		EngineBin: exe,
		Transport: office.TransportUnix,
		WorkDir:   dir,
	}, slog.New(slog.NewJSONHandler(io.Discard, nil))), dir
}

func launch(t *testing.T, l *office.Launcher) backend.Process {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := l.Launch(ctx, "t1")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { _ = p.Terminate() })
	return p
}

func waitExited(t *testing.T, p backend.Process) {
	t.Helper()
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("engine process did not exit")
	}
}

func TestLauncherName(t *testing.T) {
	l := office.NewLauncher(office.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if l.Name() != office.LauncherName {
		t.Errorf("Name() = %q, want %q", l.Name(), office.LauncherName)
	}
}

func TestLaunchPingConvert(t *testing.T) {
	p := launch(t, newLauncher(t, "serve"))
	ctx := context.Background()

	info, err := p.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if info.Product != "HelperOffice" || info.PID == 0 {
		t.Errorf("info = %+v", info)
	}

	out, err := p.Convert(ctx, backend.ConvertRequest{Input: []byte("doc"), TargetFormat: "pdf"})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if string(out) != "pdf:doc" {
		t.Errorf("output = %q, want pdf:doc", out)
	}

	if err := p.CollectGarbage(ctx); err != nil {
		t.Errorf("CollectGarbage: %v", err)
	}
}

func TestConvertRejectionKeepsProcess(t *testing.T) {
	p := launch(t, newLauncher(t, "serve"))

	_, err := p.Convert(context.Background(), backend.ConvertRequest{Input: []byte("reject"), TargetFormat: "pdf"})
	if !errors.Is(err, model.ErrConversionRejected) {
		t.Fatalf("err = %v, want ErrConversionRejected", err)
	}
	if _, err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping after rejection: %v", err)
	}
}

func TestConvertCrashClosesExited(t *testing.T) {
	p := launch(t, newLauncher(t, "serve"))

	if _, err := p.Convert(context.Background(), backend.ConvertRequest{Input: []byte("exit"), TargetFormat: "pdf"}); err == nil {
		t.Fatal("expected error when the engine dies mid-conversion")
	}
	waitExited(t, p)
}

func TestHungConvertTimesOutAndTerminates(t *testing.T) {
	l := newLauncher(t, "serve")
	p := launch(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := p.Convert(ctx, backend.ConvertRequest{Input: []byte("hang"), TargetFormat: "pdf"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitExited(t, p)
	if err := p.Terminate(); err != nil {
		t.Errorf("second Terminate: %v", err)
	}
}

func TestTerminateRemovesScratchDir(t *testing.T) {
	l, dir := newLauncherInDir(t, "serve")
	p := launch(t, l)

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("scratch dirs = %d, want 1 while running", len(entries))
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitExited(t, p)

	entries, _ = os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("scratch dirs = %d, want 0 after Terminate", len(entries))
	}
}

func TestLaunchEngineExitsImmediately(t *testing.T) {
	l := newLauncher(t, "fail")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := l.Launch(ctx, "t1"); err == nil {
		t.Fatal("expected launch error when the engine exits at startup")
	}
}

func TestLaunchMissingBinary(t *testing.T) {
	l := office.NewLauncher(office.Config{
		EngineBin: filepath.Join(t.TempDir(), "no-such-engine"),
		Transport: office.TransportUnix,
		WorkDir:   t.TempDir(),
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	if err := l.Verify(); err == nil {
		t.Error("Verify succeeded for a missing binary")
	}
	if _, err := l.Launch(context.Background(), "t1"); err == nil {
		t.Fatal("expected launch error for a missing binary")
	}
}
