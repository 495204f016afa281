package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

// Built-in method names answered by the server itself.
const (
	MethodHealth  = "health"
	MethodStop    = "stop"
	MethodMethods = "methods"
)

// handleConn runs the read/process/respond loop for one connection until
// the peer disconnects, a stream error occurs, or the server stops.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	s.metrics.ConnOpened()
	streamErr := false
	defer func() { s.metrics.ConnClosed(streamErr) }()

	// Dispatch is never cancelled by shutdown; a running call completes.
	dctx := context.WithoutCancel(ctx)
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		line, err := ReadLine(reader, s.maxLineSize)
		if errors.Is(err, ErrLineTooLong) {
			resp := Failure(NullID, Errorf(CodeInvalidRequest,
				fmt.Sprintf("request line exceeds %d bytes", s.maxLineSize), nil), 0)
			if err := s.writeResponse(conn, writer, resp); err != nil || !s.running.Load() {
				return
			}
			continue
		}
		atEOF := errors.Is(err, io.EOF)
		if err != nil && !atEOF {
			if s.running.Load() {
				streamErr = true
				s.logger.Warn("connection error", "error", err)
			}
			return
		}
		if len(bytes.TrimSpace(line)) > 0 {
			start := time.Now()
			resp, method := s.process(dctx, line, start)
			if err := s.writeResponse(conn, writer, resp); err != nil {
				streamErr = true
				s.logger.Warn("connection error", "error", err, "id", resp.ID)
				return
			}
			code := ""
			if resp.Error != nil {
				code = resp.Error.Code
			}
			s.metrics.ObserveRequest(method, code, time.Since(start).Seconds())
			s.logger.Debug("request complete",
				"method", method,
				"id", resp.ID,
				"ok", resp.OK,
				"server_ms", resp.Meta.ServerMs,
			)
		}
		if atEOF || !s.running.Load() {
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, w *bufio.Writer, resp *Response) error {
	if s.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return writeMessage(w, resp)
}

// process turns one non-blank request line into a response. The returned
// method is the label used for metrics.
func (s *Server) process(ctx context.Context, line []byte, start time.Time) (*Response, string) {
	elapsed := func() float64 {
		return float64(time.Since(start).Nanoseconds()) / 1e6
	}

	req, err := DecodeRequest(line)
	if err != nil {
		return Failure(NullID, Errorf(CodeInvalidRequest,
			fmt.Sprintf("failed to parse request: %v", err), nil), elapsed()), "invalid"
	}
	if req.V != ProtocolVersion {
		return Failure(req.ID, Errorf(CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version: %d (expected %d)", req.V, ProtocolVersion), nil), elapsed()), "invalid"
	}

	name := s.service.Name()
	prefix := name + "."
	namespaced := strings.HasPrefix(req.Method, prefix)
	action := req.Method
	if namespaced {
		action = strings.TrimPrefix(req.Method, prefix)
	}

	switch action {
	case MethodHealth:
		return Success(req.ID, s.mustMarshal(s.healthPayload(ctx)), elapsed()), MethodHealth
	case MethodStop:
		s.logger.Info("stop requested", "id", req.ID)
		s.Stop()
		return Success(req.ID, s.mustMarshal(map[string]any{"message": "shutting down"}), elapsed()), MethodStop
	case MethodMethods:
		return Success(req.ID, s.mustMarshal(map[string]any{"methods": s.methodList()}), elapsed()), MethodMethods
	}

	if strings.Contains(req.Method, ".") && !namespaced {
		return Failure(req.ID, Errorf(CodeInvalidRequest,
			fmt.Sprintf("method namespace must match service '%s': got '%s'", name, req.Method), nil), elapsed()), "invalid"
	}
	method := req.Method
	if !namespaced {
		method = prefix + req.Method
	}

	result, err := s.dispatch(ctx, method, req.Params)
	label := s.metricLabel(method, err == nil)
	if err != nil {
		return Failure(req.ID, toRPCError(err), elapsed()), label
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Failure(req.ID, Errorf(CodeInternalError,
			fmt.Sprintf("encode result: %v", err), nil), elapsed()), label
	}
	return Success(req.ID, raw, elapsed()), label
}

// UnknownMethodLabel replaces method names that are not advertised, so
// client input cannot create unbounded metric series.
const UnknownMethodLabel = "unknown"

// metricLabel keeps the method name when the service advertises it. A
// service without a method list only gets names it dispatched successfully.
func (s *Server) metricLabel(method string, ok bool) string {
	if s.known != nil {
		if _, listed := s.known[method]; listed {
			return method
		}
		return UnknownMethodLabel
	}
	if ok {
		return method
	}
	return UnknownMethodLabel
}

// knownMethods snapshots the advertised method names, or nil when the
// service has no method list.
func (s *Server) knownMethods() map[string]struct{} {
	if _, ok := s.service.(MethodLister); !ok {
		return nil
	}
	known := make(map[string]struct{})
	for _, m := range s.methodList() {
		known[m.Name] = struct{}{}
	}
	return known
}

func (s *Server) dispatch(ctx context.Context, method string, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch panic", "method", method, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("panic while handling %s: %v", method, r)
		}
	}()
	return s.service.Dispatch(ctx, method, params)
}

// toRPCError keeps a service-supplied code and defaults to INTERNAL_ERROR.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr != nil && rpcErr.Code != "" {
		return &Error{Code: rpcErr.Code, Message: rpcErr.Message, Details: rpcErr.Details}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

func (s *Server) mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode built-in result", "error", err)
		return json.RawMessage("null")
	}
	return raw
}

// HealthStatusOf aggregates dependency health: healthy when empty or all ok,
// unhealthy when none are ok, degraded otherwise.
func HealthStatusOf(services map[string]HealthStatus) string {
	if len(services) == 0 {
		return "healthy"
	}
	healthy := 0
	for _, st := range services {
		if st.OK {
			healthy++
		}
	}
	switch healthy {
	case len(services):
		return "healthy"
	case 0:
		return "unhealthy"
	default:
		return "degraded"
	}
}

func (s *Server) healthPayload(ctx context.Context) map[string]any {
	services := s.serviceHealth(ctx)
	return map[string]any{
		"status":         HealthStatusOf(services),
		"pid":            os.Getpid(),
		"started_at":     s.startedAt.UTC().Format(time.RFC3339),
		"version":        s.service.Version(),
		"uptime_seconds": uint64(time.Since(s.startedAt).Seconds()),
		"services":       services,
	}
}

func (s *Server) serviceHealth(ctx context.Context) (services map[string]HealthStatus) {
	services = map[string]HealthStatus{}
	checker, ok := s.service.(HealthChecker)
	if !ok {
		return services
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("health check panic", "panic", r)
			services = map[string]HealthStatus{"health_check": Unhealthy(fmt.Sprint(r))}
		}
	}()
	if got := checker.HealthCheck(ctx); got != nil {
		services = got
	}
	return services
}

func builtinMethods() []MethodInfo {
	return []MethodInfo{
		NewMethodInfo(MethodHealth, "Returns daemon health and status"),
		NewMethodInfo(MethodStop, "Gracefully shuts down the daemon"),
		NewMethodInfo(MethodMethods, "Lists available methods"),
	}
}

func (s *Server) methodList() []MethodInfo {
	methods := builtinMethods()
	lister, ok := s.service.(MethodLister)
	if !ok {
		return methods
	}
	prefix := s.service.Name() + "."
	for _, m := range lister.Methods() {
		if !strings.Contains(m.Name, ".") {
			m.Name = prefix + m.Name
		}
		if m.Params == nil {
			m.Params = []ParamInfo{}
		}
		methods = append(methods, m)
	}
	return methods
}
