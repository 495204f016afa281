package ipc

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Service is the capability a Server dispatches into. A single instance is
// shared by every connection goroutine, so implementations must be safe for
// concurrent use.
type Service interface {
	// Name is the method namespace and the socket directory name.
	Name() string
	Version() string
	// Dispatch receives the fully qualified method ("<name>.<action>").
	// Returning an error that wraps *Error selects its code; any other
	// error is reported as INTERNAL_ERROR.
	Dispatch(ctx context.Context, method string, params map[string]any) (any, error)
}

// MethodLister advertises non built-in methods.
type MethodLister interface {
	Methods() []MethodInfo
}

// Starter is called once before the listener is bound. A failure aborts Serve.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Stopper is called once after the accept loop exits, or after a failed bind
// once OnStart has succeeded. Failures are only logged.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// HealthChecker reports per-dependency health on every health request.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]HealthStatus
}

// HandlerFunc processes the params of one action.
type HandlerFunc func(ctx context.Context, params Params) (any, error)

type route struct {
	handler HandlerFunc
	info    MethodInfo
}

// Mux is a Service backed by a table of action handlers.
type Mux struct {
	name    string
	version string

	mu     sync.RWMutex
	routes map[string]route
}

// NewMux constructs an empty handler table for the given namespace.
func NewMux(name, version string) *Mux {
	return &Mux{
		name:    name,
		version: version,
		routes:  make(map[string]route),
	}
}

func (m *Mux) Name() string    { return m.name }
func (m *Mux) Version() string { return m.version }

// Handle installs a handler for an action. The action may be given bare or
// already prefixed with the namespace.
func (m *Mux) Handle(action string, handler HandlerFunc, info MethodInfo) {
	action = strings.TrimPrefix(action, m.name+".")
	if info.Name == "" {
		info.Name = action
	}
	if info.Params == nil {
		info.Params = []ParamInfo{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[action] = route{handler: handler, info: info}
}

// Dispatch implements Service.
func (m *Mux) Dispatch(ctx context.Context, method string, params map[string]any) (any, error) {
	action := strings.TrimPrefix(method, m.name+".")
	m.mu.RLock()
	r, ok := m.routes[action]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown method: %s", method)
	}
	return r.handler(ctx, Params(params))
}

// Methods implements MethodLister, sorted by name.
func (m *Mux) Methods() []MethodInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MethodInfo, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Params wraps a request parameter map with typed accessors.
type Params map[string]any

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Require returns an INVALID_PARAMS error naming the first missing key.
func (p Params) Require(keys ...string) error {
	for _, k := range keys {
		if !p.Has(k) {
			return Errorf(CodeInvalidParams, fmt.Sprintf("missing required param %q", k), map[string]any{"param": k})
		}
	}
	return nil
}

// String returns the string at key, or def when absent or not a string.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Float returns the number at key, or def.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Int returns the integral number at key, or def when absent, fractional or
// not a number.
func (p Params) Int(key string, def int64) int64 {
	switch v := p[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return def
		}
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return def
}

// Bool returns the boolean at key, or def.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}
