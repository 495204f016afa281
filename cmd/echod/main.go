package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rexliu/fgp/pkg/config"
	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/lifecycle"
	"github.com/rexliu/fgp/pkg/logging"
)

const (
	serviceName = "echo"
	version     = "0.1.0"
)

func main() {
	socket := flag.String("socket", lifecycle.ServiceSocketPath(serviceName), "IPC socket path")
	sequential := flag.Bool("sequential", false, "Handle one connection at a time")
	level := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	format := flag.String("log-format", "console", "Log format: json or console")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, closer, err := logging.New(config.LoggingConfig{Level: *level, Format: *format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "echod: %v\n", err)
		os.Exit(2)
	}
	defer closer.Close()

	srv, err := ipc.NewServer(newService(), *socket,
		ipc.WithLogger(logger),
		ipc.WithSequential(*sequential),
	)
	if err == nil {
		err = srv.Serve(ctx)
	}
	if err != nil {
		logger.Error("echod failed", "error", err)
		os.Exit(1)
	}
}

// newService builds the echo daemon: a minimal service used to smoke-test
// clients and the socket plumbing.
func newService() *ipc.Mux {
	mux := ipc.NewMux(serviceName, version)

	mux.Handle("echo", func(ctx context.Context, p ipc.Params) (any, error) {
		return map[string]any(p), nil
	}, ipc.NewMethodInfo("echo", "Return the params unchanged").
		WithExample("echo an object", map[string]any{"hello": "world"}, map[string]any{"hello": "world"}))

	mux.Handle("ping", func(ctx context.Context, p ipc.Params) (any, error) {
		return map[string]any{
			"pong":      true,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}, ipc.NewMethodInfo("ping", "Liveness check with a server timestamp"))

	mux.Handle("error", func(ctx context.Context, p ipc.Params) (any, error) {
		code := p.String("code", ipc.CodeInternalError)
		message := p.String("message", "requested failure")
		return nil, ipc.Errorf(code, message, nil)
	}, ipc.NewMethodInfo("error", "Fail with the given error code and message").
		WithParam(ipc.ParamInfo{Name: "code", Type: "string"}).
		WithParam(ipc.ParamInfo{Name: "message", Type: "string"}))

	mux.Handle("sleep", func(ctx context.Context, p ipc.Params) (any, error) {
		ms := p.Int("ms", 100)
		if ms < 0 {
			return nil, ipc.Errorf(ipc.CodeInvalidParams, "ms must be non-negative", map[string]any{"ms": ms})
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{"slept_ms": ms}, nil
	}, ipc.NewMethodInfo("sleep", "Sleep for ms milliseconds before replying").
		WithParam(ipc.ParamInfo{Name: "ms", Type: "integer", Default: 100}))

	return mux
}
