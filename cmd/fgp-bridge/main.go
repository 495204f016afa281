package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rexliu/fgp/pkg/config"
	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/logging"
)

// message is one line read from stdin. Only method is required; id and v are
// filled in when absent so callers can pipe bare {"method": ...} objects.
type message struct {
	ID     string          `json:"id,omitempty"`
	V      uint8           `json:"v,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func main() {
	service := flag.String("service", "", "Service name; resolves the conventional socket")
	socket := flag.String("socket", "", "Explicit socket path (overrides --service)")
	autoStart := flag.Bool("auto-start", false, "Start the service daemon if it is not running")
	timeout := flag.Duration("timeout", ipc.DefaultClientTimeout, "Per-request timeout")
	flag.Parse()

	logger, closer, err := logging.New(config.LoggingConfig{Level: "warn", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fgp-bridge: %v\n", err)
		os.Exit(2)
	}
	defer closer.Close()

	client, err := newClient(*service, *socket, *autoStart, *timeout, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fgp-bridge: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := bridge(ctx, os.Stdin, os.Stdout, client, logger); err != nil {
		fmt.Fprintf(os.Stderr, "bridge exiting: %v\n", err)
		os.Exit(1)
	}
}

func newClient(service, socket string, autoStart bool, timeout time.Duration, logger *slog.Logger) (*ipc.Client, error) {
	opts := []ipc.ClientOption{ipc.WithTimeout(timeout), ipc.WithClientLogger(logger)}
	switch {
	case socket != "":
		if autoStart && service != "" {
			opts = append(opts, ipc.WithAutoStart(service, nil))
		}
		return ipc.NewClient(socket, opts...)
	case service != "":
		if !autoStart {
			opts = append(opts, ipc.WithoutAutoStart())
		}
		return ipc.NewServiceClient(service, opts...)
	default:
		return nil, errors.New("one of --service or --socket is required")
	}
}

// bridge forwards each stdin line to the daemon and writes the response
// line to out. A line that is not a usable request gets a local
// INVALID_REQUEST response instead of ending the session.
func bridge(ctx context.Context, in io.Reader, out io.Writer, client *ipc.Client, logger *slog.Logger) error {
	reader := bufio.NewReader(in)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := ipc.ReadLine(reader, ipc.DefaultMaxLineSize)
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return nil
		}
		line = bytes.TrimSpace(line)
		var resp *ipc.Response
		switch {
		case errors.Is(err, ipc.ErrLineTooLong):
			resp = ipc.Failure(ipc.NullID, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil), 0)
		case err != nil && !errors.Is(err, io.EOF):
			return err
		case len(line) == 0:
			continue
		default:
			resp = forward(ctx, client, line, logger)
		}

		payload, err := ipc.EncodeLine(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if err := ipc.WriteLine(writer, payload); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func forward(ctx context.Context, client *ipc.Client, line []byte, logger *slog.Logger) *ipc.Response {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return ipc.Failure(ipc.NullID, ipc.Errorf(ipc.CodeInvalidRequest, "invalid JSON: "+err.Error(), nil), 0)
	}
	id := msg.ID
	if id == "" {
		id = ipc.NewRequestID()
	}
	if msg.Method == "" {
		return ipc.Failure(id, ipc.Errorf(ipc.CodeInvalidRequest, "missing method", nil), 0)
	}
	params := map[string]any{}
	if len(msg.Params) > 0 && string(msg.Params) != "null" {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ipc.Failure(id, ipc.Errorf(ipc.CodeInvalidRequest, "params must be an object", nil), 0)
		}
	}

	req := ipc.NewRequest(msg.Method, params)
	req.ID = id
	if msg.V != 0 {
		req.V = msg.V
	}
	resp, err := client.Send(ctx, req)
	if err != nil {
		logger.Warn("forward failed", "method", msg.Method, "error", err)
		return ipc.Failure(id, ipc.Errorf(ipc.CodeServiceUnavailable, err.Error(), nil), 0)
	}
	return resp
}
