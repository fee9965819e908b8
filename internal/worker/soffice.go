package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/backend/office"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/process"
)

// Rejections: the document is at fault, not the engine.
var (
	ErrEncrypted             = errors.New("file is encrypted")
	ErrCorrupted             = errors.New("file is corrupted")
	ErrUnsupportedConversion = errors.New("no export filter for target format")
	ErrNoOutput              = errors.New("conversion produced no output")
)

// Engine failures: the resident instance is unusable.
var (
	ErrNotStarted     = errors.New("office instance not started")
	ErrAlreadyStarted = errors.New("office instance already started")
	ErrResidentExited = errors.New("office instance exited")
)

var rejections = []error{ErrEncrypted, ErrCorrupted, ErrUnsupportedConversion, ErrNoOutput}

func isRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// DefaultOfficeBin is looked up on PATH when no explicit binary is given.
const DefaultOfficeBin = "soffice"

const (
	residentStartTimeout = 30 * time.Second
	residentStopTimeout  = 5 * time.Second
	residentDialTimeout  = time.Second
	residentPollInterval = 100 * time.Millisecond
)

// versionPattern matches "LibreOffice 24.8.2.1 0f794b6e..." style output.
var versionPattern = regexp.MustCompile(`^(.+?)\s+(\d+)\.(\d+)[\d.]*\s+(\S+)`)

// cfbMagic starts every OLE compound file, which is how OOXML documents are
// wrapped once a password is set.
var cfbMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// encryptedPackage is "EncryptedPackage" as UTF-16LE, the stream name inside
// an encrypted OOXML container.
var encryptedPackage = utf16le("EncryptedPackage")

// Soffice drives one resident headless LibreOffice instance. Start brings
// the instance up on a private user profile; conversions are then handed to
// it, so the profile and the loaded office libraries stay warm between jobs.
type Soffice struct {
	bin        string
	profileDir string
	workDir    string

	// port is where the resident instance accepts UNO connections. Zero picks
	// a free loopback port at Start.
	port int

	mu       sync.Mutex
	resident *exec.Cmd
	exited   chan struct{}
	exitErr  error

	infoOnce sync.Once
	info     model.EngineInfo
	infoErr  error
}

// NewSoffice creates an engine. Empty bin means DefaultOfficeBin; empty
// directories default to locations under os.TempDir().
func NewSoffice(bin, profileDir, workDir string) *Soffice {
	if bin == "" {
		bin = DefaultOfficeBin
	}
	if profileDir == "" {
		profileDir = filepath.Join(os.TempDir(), "anvil-profile-"+strconv.Itoa(os.Getpid()))
	}
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "anvil-jobs-"+strconv.Itoa(os.Getpid()))
	}
	return &Soffice{bin: bin, profileDir: profileDir, workDir: workDir}
}

// Start launches the resident instance and waits until it accepts
// connections. The instance stays in the worker's process group, so killing
// the worker's group takes it down too.
func (s *Soffice) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resident != nil {
		return ErrAlreadyStarted
	}

	if s.port == 0 {
		port, err := freePort()
		if err != nil {
			return fmt.Errorf("pick office port: %w", err)
		}
		s.port = port
	}
	if err := os.MkdirAll(s.profileDir, 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	cmd := exec.Command(s.bin,
		"-env:UserInstallation="+fileURL(s.profileDir),
		"--headless",
		"--invisible",
		"--norestore",
		"--nologo",
		"--nodefault",
		"--nolockcheck",
		"--accept="+s.acceptString(),
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.bin, err)
	}
	s.resident = cmd
	s.exited = make(chan struct{})
	// exitErr is written before exited closes and read only after.
	go func(exited chan struct{}) {
		s.exitErr = cmd.Wait()
		close(exited)
	}(s.exited)

	if err := s.awaitResident(ctx); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	return nil
}

func (s *Soffice) awaitResident(ctx context.Context) error {
	deadline := time.Now().Add(residentStartTimeout)
	for {
		if err := s.dialResident(ctx); err == nil {
			return nil
		}
		select {
		case <-s.exited:
			return fmt.Errorf("%w before accepting connections", ErrResidentExited)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(residentPollInterval):
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("office did not accept connections within %s", residentStartTimeout)
		}
	}
}

// Stop kills the resident instance. Safe to call when it never started.
func (s *Soffice) Stop() error {
	s.mu.Lock()
	cmd, exited := s.resident, s.exited
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Kill()
	select {
	case <-exited:
	case <-time.After(residentStopTimeout):
		return fmt.Errorf("office pid %d did not exit", cmd.Process.Pid)
	}
	return nil
}

// alive reports why the resident instance is unusable, or nil.
func (s *Soffice) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resident == nil {
		return ErrNotStarted
	}
	select {
	case <-s.exited:
		if s.exitErr != nil {
			return fmt.Errorf("%w: %v", ErrResidentExited, s.exitErr)
		}
		return ErrResidentExited
	default:
		return nil
	}
}

func (s *Soffice) acceptString() string {
	return fmt.Sprintf("socket,host=127.0.0.1,port=%d;urp;", s.port)
}

func (s *Soffice) dialResident(ctx context.Context) error {
	d := net.Dialer{Timeout: residentDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Info is the readiness probe. Every call checks that the resident instance
// is running and accepting connections; the version banner is read once.
func (s *Soffice) Info(ctx context.Context) (model.EngineInfo, error) {
	if err := s.alive(); err != nil {
		return model.EngineInfo{}, err
	}
	if err := s.dialResident(ctx); err != nil {
		return model.EngineInfo{}, fmt.Errorf("office not accepting connections: %w", err)
	}

	s.infoOnce.Do(func() {
		out, err := exec.CommandContext(ctx, s.bin, "--version").Output()
		if err != nil {
			s.infoErr = fmt.Errorf("query %s version: %w", s.bin, err)
			return
		}
		s.info, s.infoErr = parseVersion(string(out))
	})
	if s.infoErr != nil {
		return model.EngineInfo{}, s.infoErr
	}

	info := s.info
	s.mu.Lock()
	info.PID = s.resident.Process.Pid
	s.mu.Unlock()
	return info, nil
}

// Convert writes the document to a scratch directory and hands it to the
// resident instance. The client process shares the resident's profile, so
// LibreOffice forwards the request to the running instance instead of
// booting a second one.
func (s *Soffice) Convert(ctx context.Context, req office.Request) ([]byte, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	if looksEncrypted(req.Input) {
		return nil, ErrEncrypted
	}

	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.workDir, "job-")
	if err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name := "input"
	if req.SourceFormat != "" {
		name += "." + req.SourceFormat
	}
	in := filepath.Join(dir, name)
	if err := os.WriteFile(in, req.Input, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	outDir := filepath.Join(dir, "out")
	cmd := exec.CommandContext(ctx, s.bin,
		"-env:UserInstallation="+fileURL(s.profileDir),
		"--headless",
		"--invisible",
		"--norestore",
		"--nologo",
		"--nodefault",
		"--nolockcheck",
		"--convert-to", req.TargetFormat,
		"--outdir", outDir,
		in,
	)
	process.Isolate(cmd)
	cmd.Cancel = func() error {
		process.KillProcessGroup(cmd.Process.Pid)
		return cmd.Process.Kill()
	}

	output, runErr := cmd.CombinedOutput()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, readErr := os.ReadFile(filepath.Join(outDir, "input."+req.TargetFormat))
	if readErr == nil && len(data) > 0 {
		return data, nil
	}
	// A missing document is the engine's fault once the instance has died.
	if err := s.alive(); err != nil {
		return nil, err
	}
	return nil, classify(output, runErr)
}

// CollectGarbage removes leftover job directories and returns freed memory
// to the OS.
func (s *Soffice) CollectGarbage(_ context.Context) error {
	if err := s.alive(); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.workDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read work dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.workDir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	debug.FreeOSMemory()
	return nil
}

// classify turns soffice output into a rejection or an engine failure.
func classify(output []byte, runErr error) error {
	text := strings.ToLower(string(output))
	switch {
	case strings.Contains(text, "password"), strings.Contains(text, "encrypt"):
		return ErrEncrypted
	case strings.Contains(text, "source file could not be loaded"):
		return ErrCorrupted
	case strings.Contains(text, "no export filter"):
		return ErrUnsupportedConversion
	case runErr != nil:
		return fmt.Errorf("soffice: %w: %s", runErr, strings.TrimSpace(string(output)))
	default:
		return ErrNoOutput
	}
}

func parseVersion(out string) (model.EngineInfo, error) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return model.EngineInfo{}, fmt.Errorf("unrecognised version output %q", strings.TrimSpace(out))
	}
	major, _ := strconv.Atoi(m[2])
	minor, _ := strconv.Atoi(m[3])
	return model.EngineInfo{
		Product: m[1],
		Major:   major,
		Minor:   minor,
		BuildID: m[4],
	}, nil
}

func looksEncrypted(doc []byte) bool {
	return bytes.HasPrefix(doc, cfbMagic) && bytes.Contains(doc, encryptedPackage)
}

func utf16le(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), 0)
	}
	return out
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
