// Package worker implements the anvil-engine process: it accepts framed
// requests from the server and drives LibreOffice to answer them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/seantiz/anvil/internal/backend/office"
	"github.com/seantiz/anvil/internal/model"
)

// Engine is the document engine the agent drives.
type Engine interface {
	Info(ctx context.Context) (model.EngineInfo, error)
	Convert(ctx context.Context, req office.Request) ([]byte, error)
	CollectGarbage(ctx context.Context) error
}

// Agent serves engine requests on a listener.
type Agent struct {
	listener net.Listener
	engine   Engine

	// ExitOnDisconnect closes the listener once the first connection ends,
	// so a worker never outlives the server that spawned it.
	ExitOnDisconnect bool

	// mu serializes engine calls; one soffice profile cannot be shared.
	mu sync.Mutex
}

// New creates a new agent for engine on listener.
func New(listener net.Listener, engine Engine) *Agent {
	return &Agent{
		listener: listener,
		engine:   engine,
	}
}

// Serve accepts connections and handles requests. It blocks until the
// listener is closed or an unrecoverable error occurs.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			a.handleConnection(conn)
			if a.ExitOnDisconnect {
				a.listener.Close()
			}
		}()
	}
}

// handleConnection answers requests on conn until the peer hangs up.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	for {
		var req office.Request
		if err := office.ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("read request: %v", err)
			}
			return
		}

		resp := a.handle(context.Background(), &req)
		if err := office.WriteMessage(conn, &resp); err != nil {
			log.Printf("write response: %v", err)
			return
		}
	}
}

// handle dispatches one request to the engine.
func (a *Agent) handle(ctx context.Context, req *office.Request) office.Response {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch req.Op {
	case office.OpPing:
		info, err := a.engine.Info(ctx)
		if err != nil {
			return office.Response{Status: office.StatusFailed, Error: err.Error()}
		}
		return office.Response{Status: office.StatusOK, Engine: &info}

	case office.OpCollectGarbage:
		if err := a.engine.CollectGarbage(ctx); err != nil {
			return office.Response{Status: office.StatusFailed, Error: err.Error()}
		}
		return office.Response{Status: office.StatusOK}

	case office.OpConvert:
		if len(req.Input) == 0 {
			return office.Response{Status: office.StatusRejected, Error: model.ErrEmptyInput.Error()}
		}
		if !model.ValidFormat(req.TargetFormat) {
			return office.Response{
				Status: office.StatusRejected,
				Error:  fmt.Sprintf("invalid target format %q", req.TargetFormat),
			}
		}
		if req.SourceFormat != "" && !model.ValidFormat(req.SourceFormat) {
			return office.Response{
				Status: office.StatusRejected,
				Error:  fmt.Sprintf("invalid source format %q", req.SourceFormat),
			}
		}

		out, err := a.engine.Convert(ctx, *req)
		if err != nil {
			if isRejection(err) {
				log.Printf("job %s rejected: %v", req.JobID, err)
				return office.Response{Status: office.StatusRejected, Error: err.Error()}
			}
			log.Printf("job %s failed: %v", req.JobID, err)
			return office.Response{Status: office.StatusFailed, Error: err.Error()}
		}
		return office.Response{Status: office.StatusOK, Output: out}

	default:
		return office.Response{Status: office.StatusFailed, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
