package office

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for engine connection establishment. The worker binds its
// socket within a few milliseconds of starting, so the budget is small.
const (
	dialMaxRetries  = 8
	dialBaseBackoff = 50 * time.Millisecond
	dialMaxBackoff  = time.Second
)

// Transports an engine worker can listen on.
const (
	TransportUnix  = "unix"
	TransportVsock = "vsock"
)

// errEngineExited is returned when the worker dies before accepting a connection.
var errEngineExited = errors.New("engine process exited")

// DialFunc opens one raw connection to an engine worker.
type DialFunc func(ctx context.Context) (net.Conn, error)

// UnixDialer dials a worker listening on a unix socket.
func UnixDialer(path string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", path, err)
		}
		return conn, nil
	}
}

// VsockDialer dials a worker listening on a local vsock port.
func VsockDialer(port uint32) DialFunc {
	return func(_ context.Context) (net.Conn, error) {
		conn, err := vsock.Dial(vsock.Local, port, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to vsock port %d: %w", port, err)
		}
		return conn, nil
	}
}

// ListenAddr formats the --listen argument for a worker.
func ListenAddr(transport, path string, port uint32) string {
	if transport == TransportVsock {
		return TransportVsock + ":" + strconv.FormatUint(uint64(port), 10)
	}
	return TransportUnix + ":" + path
}

// Listen opens the listener described by a --listen argument
// ("unix:/path/to.sock" or "vsock:5000").
func Listen(addr string) (net.Listener, error) {
	transport, rest, ok := strings.Cut(addr, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid listen address %q", addr)
	}
	switch transport {
	case TransportUnix:
		return net.Listen("unix", rest)
	case TransportVsock:
		port, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port %q: %w", rest, err)
		}
		return vsock.Listen(uint32(port), nil)
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}

// EngineConn is a framed request/response connection to one engine worker.
// Requests are serialized; the worker answers them in order.
type EngineConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialEngine connects to a freshly started worker, retrying with exponential
// backoff while it binds its socket. It gives up early if exited closes.
func DialEngine(ctx context.Context, dial DialFunc, exited <-chan struct{}) (*EngineConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial engine: %w", ctx.Err())
		case <-exited:
			return nil, fmt.Errorf("dial engine: %w", errEngineExited)
		default:
		}

		conn, err := dial(ctx)
		if err == nil {
			return &EngineConn{conn: conn}, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial engine: %w", ctx.Err())
			case <-exited:
				return nil, fmt.Errorf("dial engine: %w", errEngineExited)
			}
			backoff = min(backoff*2, dialMaxBackoff)
		}
	}

	return nil, fmt.Errorf("dial engine after %d attempts: %w", dialMaxRetries, lastErr)
}

// NewEngineConn wraps an established connection.
func NewEngineConn(conn net.Conn) *EngineConn {
	return &EngineConn{conn: conn}
}

// Do sends req and waits for the response. The context deadline becomes the
// connection deadline, and cancelling ctx unblocks pending I/O.
func (c *EngineConn) Do(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteMessage(c.conn, &req); err != nil {
		return Response{}, c.wrap(ctx, fmt.Errorf("send %s: %w", req.Op, err))
	}

	var resp Response
	if err := ReadMessage(c.conn, &resp); err != nil {
		return Response{}, c.wrap(ctx, fmt.Errorf("read %s response: %w", req.Op, err))
	}
	return resp, nil
}

func (c *EngineConn) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%w)", ctxErr, err)
	}
	// The connection deadline can fire a moment before the context's timer.
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%w (%w)", context.DeadlineExceeded, err)
		}
	}
	return err
}

// Close closes the underlying connection.
func (c *EngineConn) Close() error {
	return c.conn.Close()
}
