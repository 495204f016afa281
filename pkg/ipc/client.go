package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/rexliu/fgp/pkg/lifecycle"
)

// DefaultClientTimeout bounds reads and writes of one call.
const DefaultClientTimeout = 30 * time.Second

// Client sends one request per connection to a daemon socket.
type Client struct {
	socketPath string
	timeout    time.Duration
	autoStart  string
	launcher   lifecycle.Launcher
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call read/write timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAutoStart starts service through launcher when the socket is
// unreachable, then retries the connection once. A nil launcher selects
// lifecycle.DefaultLauncher.
func WithAutoStart(service string, launcher lifecycle.Launcher) ClientOption {
	return func(c *Client) {
		if launcher == nil {
			launcher = lifecycle.DefaultLauncher
		}
		c.autoStart = service
		c.launcher = launcher
	}
}

// WithoutAutoStart makes calls fail immediately when the daemon is down.
func WithoutAutoStart() ClientOption {
	return func(c *Client) {
		c.autoStart = ""
		c.launcher = nil
	}
}

// WithClientLogger sets the logger used for auto-start events.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a client for socketPath ("~" is expanded).
func NewClient(socketPath string, opts ...ClientOption) (*Client, error) {
	path, err := lifecycle.ExpandPath(socketPath)
	if err != nil {
		return nil, fmt.Errorf("expand socket path: %w", err)
	}
	c := &Client{
		socketPath: path,
		timeout:    DefaultClientTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewServiceClient targets the conventional socket of a named service with
// auto-start enabled through the default launcher. Later options may
// override or disable auto-start.
func NewServiceClient(service string, opts ...ClientOption) (*Client, error) {
	if err := lifecycle.ValidateServiceName(service); err != nil {
		return nil, fmt.Errorf("%w: %q", err, service)
	}
	opts = append([]ClientOption{WithAutoStart(service, nil)}, opts...)
	return NewClient(lifecycle.ServiceSocketPath(service), opts...)
}

// SocketPath returns the target socket.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Call invokes method. Object params become the parameter map, nil or JSON
// null becomes an empty map, and any other value is sent as {"value": params}.
// A non-nil error means no response was received; application failures are
// reported through the returned Response.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	paramMap, err := toParamMap(params)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, NewRequest(method, paramMap))
}

// CallRaw invokes method with an explicit parameter map.
func (c *Client) CallRaw(ctx context.Context, method string, params map[string]any) (*Response, error) {
	return c.Send(ctx, NewRequest(method, params))
}

// Health calls the health built-in.
func (c *Client) Health(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodHealth, nil)
}

// Methods calls the methods built-in.
func (c *Client) Methods(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodMethods, nil)
}

// Stop calls the stop built-in.
func (c *Client) Stop(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodStop, nil)
}

// IsRunning reports whether a health call gets a response.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Health(ctx)
	return err == nil
}

// Send writes req on a fresh connection and reads exactly one response line.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// Unblock pending I/O if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeMessage(conn, req); err != nil {
		return nil, fmt.Errorf("write request to %s: %w", c.socketPath, c.ctxErr(ctx, err))
	}
	line, err := ReadLine(bufio.NewReader(conn), DefaultMaxLineSize)
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, fmt.Errorf("read response from %s: %w", c.socketPath, c.ctxErr(ctx, err))
	}
	resp, err := DecodeResponse(line)
	if err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", c.socketPath, err)
	}
	return resp, nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// The socket deadline can fire just before the context's own timer.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return err
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err == nil {
		return conn, nil
	}
	dialErr := fmt.Errorf("dial %s: %w", c.socketPath, err)
	if c.autoStart == "" || c.launcher == nil || ctx.Err() != nil {
		return nil, dialErr
	}

	c.logger.Info("daemon not running, auto-starting", "service", c.autoStart)
	if err := c.launcher.Start(ctx, c.autoStart); err != nil {
		return nil, fmt.Errorf("auto-start service %q: %w (after %w)", c.autoStart, err, dialErr)
	}
	conn, err = d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s after auto-starting %q: %w (first attempt: %w)", c.socketPath, c.autoStart, err, dialErr)
	}
	return conn, nil
}

func toParamMap(params any) (map[string]any, error) {
	switch p := params.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out, nil
	case Params:
		return toParamMap(map[string]any(p))
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj == nil {
			obj = map[string]any{}
		}
		return obj, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return map[string]any{"value": value}, nil
}

// CallService calls a method on a named service without auto-start.
func CallService(ctx context.Context, service, method string, params any) (*Response, error) {
	c, err := NewServiceClient(service, WithoutAutoStart())
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, params)
}

// CallServiceAutoStart calls a method on a named service, starting it first
// if its socket is unreachable.
func CallServiceAutoStart(ctx context.Context, service, method string, params any) (*Response, error) {
	c, err := NewServiceClient(service)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, params)
}
