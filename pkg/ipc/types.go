package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only wire version this package speaks.
const ProtocolVersion uint8 = 1

// NullID is echoed when a request line could not be parsed far enough to recover its id.
const NullID = "null"

// Standard error codes.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnknownMethod      = "UNKNOWN_METHOD"
	CodeInvalidParams      = "INVALID_PARAMS"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Request models RPC requests.
type Request struct {
	ID     string         `json:"id"`
	V      uint8          `json:"v"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// NewRequest builds a request with a fresh id and the current protocol version.
func NewRequest(method string, params map[string]any) *Request {
	if params == nil {
		params = map[string]any{}
	}
	return &Request{
		ID:     NewRequestID(),
		V:      ProtocolVersion,
		Method: method,
		Params: params,
	}
}

// Meta is attached to every response.
type Meta struct {
	ServerMs  float64 `json:"server_ms"`
	ProtocolV uint8   `json:"protocol_v"`
}

// Response models RPC responses. Result is set iff OK, Error iff !OK.
type Response struct {
	ID     string
	OK     bool
	Result json.RawMessage
	Error  *Error
	Meta   Meta
}

// Error follows the API contract for structured failures.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf helps build protocol errors.
func Errorf(code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Success builds an ok response. A nil result is encoded as JSON null.
func Success(id string, result json.RawMessage, serverMs float64) *Response {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Response{
		ID:     id,
		OK:     true,
		Result: result,
		Meta:   Meta{ServerMs: serverMs, ProtocolV: ProtocolVersion},
	}
}

// Failure builds an error response.
func Failure(id string, rpcErr *Error, serverMs float64) *Response {
	if rpcErr == nil {
		rpcErr = &Error{Code: CodeInternalError, Message: "unknown error"}
	}
	return &Response{
		ID:    id,
		OK:    false,
		Error: rpcErr,
		Meta:  Meta{ServerMs: serverMs, ProtocolV: ProtocolVersion},
	}
}

// Err returns the structured error of a failed response, or nil.
func (r *Response) Err() error {
	if r == nil || r.OK {
		return nil
	}
	return r.Error
}

// DecodeResult unmarshals the result payload into v.
func (r *Response) DecodeResult(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	return json.Unmarshal(r.Result, v)
}

type successWire struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Meta   Meta            `json:"meta"`
}

type failureWire struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error *Error `json:"error"`
	Meta  Meta   `json:"meta"`
}

// MarshalJSON emits exactly one of result or error depending on OK.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.OK {
		result := r.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return json.Marshal(successWire{ID: r.ID, OK: true, Result: result, Meta: r.Meta})
	}
	if r.Error == nil {
		return nil, errors.New("error response without error info")
	}
	return json.Marshal(failureWire{ID: r.ID, OK: false, Error: r.Error, Meta: r.Meta})
}

type responseWire struct {
	ID     *string         `json:"id"`
	OK     *bool           `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Meta   *Meta           `json:"meta"`
}

// UnmarshalJSON rejects payloads that break the ok/result/error pairing.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.ID == nil:
		return errors.New("missing field id")
	case w.OK == nil:
		return errors.New("missing field ok")
	case w.Meta == nil:
		return errors.New("missing field meta")
	}
	resp := Response{ID: *w.ID, OK: *w.OK, Meta: *w.Meta}
	if resp.OK {
		if w.Error != nil {
			return errors.New("ok response carries an error")
		}
		resp.Result = w.Result
		if len(resp.Result) == 0 {
			resp.Result = json.RawMessage("null")
		}
	} else {
		if w.Error == nil {
			return errors.New("error response missing error info")
		}
		if len(w.Result) > 0 && !bytes.Equal(w.Result, []byte("null")) {
			return errors.New("error response carries a result")
		}
		resp.Error = w.Error
	}
	*r = resp
	return nil
}

type requestWire struct {
	ID     *string        `json:"id"`
	V      *uint8         `json:"v"`
	Method *string        `json:"method"`
	Params map[string]any `json:"params"`
}

// UnmarshalJSON requires id, v and method; params default to an empty map.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.ID == nil:
		return errors.New("missing field id")
	case w.V == nil:
		return errors.New("missing field v")
	case w.Method == nil:
		return errors.New("missing field method")
	}
	if w.Params == nil {
		w.Params = map[string]any{}
	}
	*r = Request{ID: *w.ID, V: *w.V, Method: *w.Method, Params: w.Params}
	return nil
}

// MarshalJSON always emits params as an object.
func (r Request) MarshalJSON() ([]byte, error) {
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	type plain Request
	p := plain(r)
	p.Params = params
	return json.Marshal(p)
}

// MethodInfo describes a method for the methods built-in.
type MethodInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Params      []ParamInfo     `json:"params"`
	Schema      any             `json:"schema,omitempty"`
	Returns     any             `json:"returns,omitempty"`
	Examples    []MethodExample `json:"examples,omitempty"`
	Errors      []string        `json:"errors,omitempty"`
	Deprecated  bool            `json:"deprecated"`
}

// NewMethodInfo returns a method description with no parameters.
func NewMethodInfo(name, description string) MethodInfo {
	return MethodInfo{Name: name, Description: description, Params: []ParamInfo{}}
}

// WithParam appends a legacy parameter descriptor.
func (m MethodInfo) WithParam(p ParamInfo) MethodInfo {
	m.Params = append(append([]ParamInfo{}, m.Params...), p)
	return m
}

// WithSchema sets the full parameter schema; it takes precedence over Params.
func (m MethodInfo) WithSchema(schema any) MethodInfo {
	m.Schema = schema
	return m
}

// WithReturns sets the schema of a successful result.
func (m MethodInfo) WithReturns(schema any) MethodInfo {
	m.Returns = schema
	return m
}

// WithExample appends a usage example.
func (m MethodInfo) WithExample(description string, params, result any) MethodInfo {
	m.Examples = append(append([]MethodExample{}, m.Examples...), MethodExample{
		Description: description,
		Params:      params,
		Result:      result,
	})
	return m
}

// WithErrors sets the error codes the method may return.
func (m MethodInfo) WithErrors(codes ...string) MethodInfo {
	m.Errors = append([]string{}, codes...)
	return m
}

// MarkDeprecated flags the method as deprecated.
func (m MethodInfo) MarkDeprecated() MethodInfo {
	m.Deprecated = true
	return m
}

// MethodExample is a usage example for a method.
type MethodExample struct {
	Description string `json:"description"`
	Params      any    `json:"params"`
	Result      any    `json:"result,omitempty"`
}

// ParamInfo is the legacy parameter descriptor.
type ParamInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// HealthStatus reports the state of one dependency.
type HealthStatus struct {
	OK        bool     `json:"ok"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Healthy reports a healthy dependency.
func Healthy() HealthStatus {
	return HealthStatus{OK: true}
}

// HealthyWithLatency reports a healthy dependency with a measured latency.
func HealthyWithLatency(ms float64) HealthStatus {
	return HealthStatus{OK: true, LatencyMs: &ms}
}

// Unhealthy reports a failing dependency.
func Unhealthy(message string) HealthStatus {
	return HealthStatus{OK: false, Message: message}
}
