package office

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names for engine configuration.
const (
	envEngineBin     = "ANVIL_ENGINE_BIN"
	envOfficePath    = "ANVIL_OFFICE_PATH"
	envTransport     = "ANVIL_ENGINE_TRANSPORT"
	envVsockPortBase = "ANVIL_ENGINE_VSOCK_PORT_BASE"
	envWorkDir       = "ANVIL_ENGINE_WORK_DIR"
)

// Defaults.
const (
	DefaultEngineBin     = "anvil-engine"
	DefaultVsockPortBase = 5000
	DefaultMaxEngines    = 16
)

// gracefulShutdownTimeout bounds how long Terminate waits for the worker to exit.
const gracefulShutdownTimeout = 3 * time.Second

// Config holds configuration for the LibreOffice engine launcher.
type Config struct {
	// EngineBin is the anvil-engine worker binary.
	EngineBin string

	// OfficePath is the soffice binary handed to the worker. Empty means
	// the worker searches PATH.
	OfficePath string

	// Transport is TransportUnix or TransportVsock.
	Transport string

	// VsockPortBase is the first vsock port handed to workers.
	VsockPortBase uint32

	// MaxEngines sizes the vsock port range.
	MaxEngines int

	// WorkDir is where per-engine scratch directories are created.
	// Empty means os.TempDir().
	WorkDir string
}

// LoadConfig reads engine configuration from environment variables,
// applying sensible defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		EngineBin:     DefaultEngineBin,
		Transport:     TransportUnix,
		VsockPortBase: DefaultVsockPortBase,
		MaxEngines:    DefaultMaxEngines,
	}

	if v := os.Getenv(envEngineBin); v != "" {
		cfg.EngineBin = v
	}
	if v := os.Getenv(envOfficePath); v != "" {
		cfg.OfficePath = v
	}
	if v := os.Getenv(envTransport); v != "" {
		switch t := strings.ToLower(v); t {
		case TransportUnix, TransportVsock:
			cfg.Transport = t
		}
	}
	if v := os.Getenv(envVsockPortBase); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPortBase = uint32(port)
		}
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}

	return cfg
}
