package worker

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/backend/office"
)

// fakeSoffice mimics the parts of the soffice command line the engine uses:
// --version, --accept staying resident, and --convert-to copying the input to
// the output directory.
const fakeSoffice = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "LibreOffice 24.8.2.1 0f794b6e29741098670a3b95d60478a65d05ef13"
  exit 0
fi
for arg in "$@"; do
  case "$arg" in
    --accept=*) exec sleep 3600 ;;
  esac
done
target=""; outdir=""; in=""
while [ $# -gt 0 ]; do
  case "$1" in
    --convert-to) target="$2"; shift 2 ;;
    --outdir) outdir="$2"; shift 2 ;;
    -*) shift ;;
    *) in="$1"; shift ;;
  esac
done
if grep -q corrupt "$in"; then
  echo "Error: source file could not be loaded"
  exit 0
fi
if grep -q segfault "$in"; then
  exit 139
fi
mkdir -p "$outdir"
base=$(basename "$in")
cp "$in" "$outdir/${base%.*}.$target"
`

// newFakeSoffice returns a started engine. The returned listener stands in
// for the resident instance's UNO socket.
func newFakeSoffice(t *testing.T) (*Soffice, net.Listener) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine requires a POSIX shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "soffice")
	if err := os.WriteFile(bin, []byte(fakeSoffice), 0o755); err != nil {
		t.Fatalf("write fake soffice: %v", err)
	}

	uno, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { uno.Close() })
	go func() {
		for {
			conn, err := uno.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	s := NewSoffice(bin, filepath.Join(dir, "profile"), filepath.Join(dir, "jobs"))
	s.port = uno.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, uno
}

func TestSofficeInfo(t *testing.T) {
	s, _ := newFakeSoffice(t)
	info, err := s.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Product != "LibreOffice" || info.Major != 24 || info.Minor != 8 {
		t.Errorf("Info = %+v, want LibreOffice 24.8", info)
	}
	if info.PID == 0 || info.PID == os.Getpid() {
		t.Errorf("PID = %d, want the resident instance's pid", info.PID)
	}
}

func TestSofficeStartTwice(t *testing.T) {
	s, _ := newFakeSoffice(t)
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestSofficeNotStarted(t *testing.T) {
	s := NewSoffice("soffice", t.TempDir(), t.TempDir())
	if _, err := s.Info(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Info = %v, want ErrNotStarted", err)
	}
	if _, err := s.Convert(context.Background(), office.Request{Input: []byte("x"), TargetFormat: "pdf"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Convert = %v, want ErrNotStarted", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on unstarted engine: %v", err)
	}
}

func TestSofficeInfoAfterInstanceExits(t *testing.T) {
	s, _ := newFakeSoffice(t)
	if _, err := s.Info(context.Background()); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := s.Info(context.Background()); !errors.Is(err, ErrResidentExited) {
		t.Errorf("Info after exit = %v, want ErrResidentExited", err)
	}
	_, err := s.Convert(context.Background(), office.Request{Input: []byte("report"), TargetFormat: "pdf"})
	if !errors.Is(err, ErrResidentExited) {
		t.Errorf("Convert after exit = %v, want ErrResidentExited", err)
	}
	if isRejection(err) {
		t.Errorf("dead instance classified as rejection: %v", err)
	}
}

func TestSofficeInfoWhenInstanceStopsAccepting(t *testing.T) {
	s, uno := newFakeSoffice(t)
	if _, err := s.Info(context.Background()); err != nil {
		t.Fatalf("Info: %v", err)
	}
	uno.Close()

	if _, err := s.Info(context.Background()); err == nil {
		t.Error("Info succeeded with no office accepting connections")
	}
}

func TestSofficeConvert(t *testing.T) {
	s, _ := newFakeSoffice(t)
	out, err := s.Convert(context.Background(), office.Request{
		Input:        []byte("quarterly report"),
		SourceFormat: "docx",
		TargetFormat: "pdf",
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if string(out) != "quarterly report" {
		t.Errorf("output = %q", out)
	}

	entries, _ := os.ReadDir(s.workDir)
	if len(entries) != 0 {
		t.Errorf("job directories left behind: %d", len(entries))
	}
}

func TestSofficeConvertWithoutSourceFormat(t *testing.T) {
	s, _ := newFakeSoffice(t)
	if _, err := s.Convert(context.Background(), office.Request{Input: []byte("x"), TargetFormat: "odt"}); err != nil {
		t.Fatalf("Convert: %v", err)
	}
}

func TestSofficeConvertCorrupted(t *testing.T) {
	s, _ := newFakeSoffice(t)
	_, err := s.Convert(context.Background(), office.Request{Input: []byte("corrupt bytes"), TargetFormat: "pdf"})
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("err = %v, want ErrCorrupted", err)
	}
}

func TestSofficeConvertCrash(t *testing.T) {
	s, _ := newFakeSoffice(t)
	_, err := s.Convert(context.Background(), office.Request{Input: []byte("segfault"), TargetFormat: "pdf"})
	if err == nil {
		t.Fatal("expected error")
	}
	if isRejection(err) {
		t.Errorf("crash classified as rejection: %v", err)
	}
}

func TestSofficeConvertEncrypted(t *testing.T) {
	s, _ := newFakeSoffice(t)
	doc := append(append([]byte{}, cfbMagic...), encryptedPackage...)
	_, err := s.Convert(context.Background(), office.Request{Input: doc, TargetFormat: "pdf"})
	if !errors.Is(err, ErrEncrypted) {
		t.Fatalf("err = %v, want ErrEncrypted", err)
	}
}

func TestSofficeCollectGarbage(t *testing.T) {
	s, _ := newFakeSoffice(t)
	stale := filepath.Join(s.workDir, "job-stale")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.CollectGarbage(context.Background()); err != nil {
		t.Fatalf("CollectGarbage: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale job directory survived garbage collection")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		output string
		runErr error
		want   error
	}{
		{"Error: source file could not be loaded", nil, ErrCorrupted},
		{"Password required", nil, ErrEncrypted},
		{"Error: no export filter for /tmp/x.xyz found", nil, ErrUnsupportedConversion},
		{"", nil, ErrNoOutput},
	}
	for _, tt := range tests {
		if got := classify([]byte(tt.output), tt.runErr); !errors.Is(got, tt.want) {
			t.Errorf("classify(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}

	err := classify([]byte("boom"), errors.New("exit status 134"))
	if isRejection(err) || !strings.Contains(err.Error(), "boom") {
		t.Errorf("classify(run failure) = %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	info, err := parseVersion("LibreOffice 7.6.4.1 e19e193f88cd6c0525a17fb7a176ed8e6a3e2aa1\n")
	if err != nil {
		t.Fatalf("parseVersion: %v", err)
	}
	if info.Major != 7 || info.Minor != 6 || info.BuildID != "e19e193f88cd6c0525a17fb7a176ed8e6a3e2aa1" {
		t.Errorf("info = %+v", info)
	}

	if _, err := parseVersion("command not found"); err == nil {
		t.Error("expected error for garbage version output")
	}
}

func TestFileURL(t *testing.T) {
	u := fileURL("/tmp/anvil profile")
	if !strings.HasPrefix(u, "file:///") || strings.Contains(u, " ") {
		t.Errorf("fileURL = %q", u)
	}
}
