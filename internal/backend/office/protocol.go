package office

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/anvil/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (1 GiB). Documents travel
// base64-encoded inside JSON, so this leaves room for a 512 MiB upload.
const MaxMessageSize = 1 << 30

// Operations understood by the engine worker.
const (
	OpPing           = "ping"
	OpConvert        = "convert"
	OpCollectGarbage = "collect_garbage"
)

// Response status values.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Request is the JSON payload sent from the server to an engine worker.
type Request struct {
	Op           string `json:"op"`
	JobID        string `json:"job_id,omitempty"`
	Input        []byte `json:"input,omitempty"`
	SourceFormat string `json:"source_format,omitempty"`
	TargetFormat string `json:"target_format,omitempty"`
}

// Response is the JSON payload sent back by an engine worker.
type Response struct {
	Status string            `json:"status"`
	Output []byte            `json:"output,omitempty"`
	Error  string            `json:"error,omitempty"`
	Engine *model.EngineInfo `json:"engine,omitempty"`
}

// Err converts a non-OK response into an error. Rejections wrap
// model.ErrConversionRejected so the handle stays in service.
func (r Response) Err() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusRejected:
		return fmt.Errorf("%w: %s", model.ErrConversionRejected, r.Error)
	default:
		return fmt.Errorf("engine failure: %s", r.Error)
	}
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
