package backend

import (
	"context"

	"github.com/seantiz/anvil/internal/model"
)

// Launcher starts engine instances. Each call to Launch yields a new,
// independent Process that nothing else addresses.
type Launcher interface {
	// Name identifies the launcher in the registry and in logs.
	Name() string

	// Launch starts a new engine instance. The context bounds the launch only;
	// it does not control the lifetime of the returned Process.
	Launch(ctx context.Context, id string) (Process, error)
}

// Process is one running engine instance. A Process handles one call at a
// time; callers serialize access.
type Process interface {
	// Ping is the readiness probe. It reports what the engine knows about itself.
	Ping(ctx context.Context) (model.EngineInfo, error)

	// Convert transforms the input document. It may hang indefinitely; callers
	// must enforce their own deadline and call Terminate to unblock it.
	// An engine-side refusal of the document is reported by wrapping
	// model.ErrConversionRejected.
	Convert(ctx context.Context, req ConvertRequest) ([]byte, error)

	// CollectGarbage asks the engine to trim its memory usage.
	CollectGarbage(ctx context.Context) error

	// Exited is closed once the underlying process or connection is gone.
	Exited() <-chan struct{}

	// Terminate forcibly ends the engine instance. It is idempotent.
	Terminate() error
}

// ConvertRequest describes one conversion sent to an engine.
type ConvertRequest struct {
	JobID        string `json:"job_id"`
	Input        []byte `json:"input"`
	SourceFormat string `json:"source_format"`
	TargetFormat string `json:"target_format"`
}
