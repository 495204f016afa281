package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToParamMap(t *testing.T) {
	type query struct {
		Q     string `json:"q"`
		Limit int    `json:"limit"`
	}
	cases := []struct {
		name string
		in   any
		want map[string]any
	}{
		{"nil", nil, map[string]any{}},
		{"map", map[string]any{"a": 1}, map[string]any{"a": 1}},
		{"params", Params{"a": "b"}, map[string]any{"a": "b"}},
		{"struct", query{Q: "x", Limit: 5}, map[string]any{"q": "x", "limit": 5.0}},
		{"json null", json.RawMessage("null"), map[string]any{}},
		{"string", "hello", map[string]any{"value": "hello"}},
		{"number", 3, map[string]any{"value": 3.0}},
		{"array", []int{1, 2}, map[string]any{"value": []any{1.0, 2.0}}},
		{"typed nil map", map[string]int(nil), map[string]any{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := toParamMap(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := toParamMap(make(chan int))
	assert.Error(t, err)
}

func TestClientCall(t *testing.T) {
	h := startServer(t, newTestService())
	client, err := NewClient(h.socket, WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, h.socket, client.SocketPath())
	ctx := context.Background()

	resp, err := client.Call(ctx, "add", struct {
		A int `json:"a"`
		B int `json:"b"`
	}{40, 2})
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.JSONEq(t, `{"sum":42}`, string(resp.Result))

	resp, err = client.CallRaw(ctx, "test.echo", map[string]any{"x": "y"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"y"}`, string(resp.Result))

	resp, err = client.Call(ctx, "echo", "scalar")
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"scalar"}`, string(resp.Result))

	// Application failures are responses, not transport errors.
	resp, err = client.Call(ctx, "fail", nil)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, CodeInternalError, resp.Error.Code)

	resp, err = client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	resp, err = client.Methods(ctx)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.True(t, client.IsRunning(ctx))

	resp, err = client.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	require.NoError(t, <-h.errCh)
	assert.False(t, client.IsRunning(ctx))
}

func TestClientEchoesRequestID(t *testing.T) {
	h := startServer(t, newTestService())
	client, err := NewClient(h.socket)
	require.NoError(t, err)

	req := &Request{ID: "custom-id", V: ProtocolVersion, Method: "add", Params: map[string]any{"a": 1, "b": 1}}
	resp, err := client.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "custom-id", resp.ID)
}

func TestClientConnectError(t *testing.T) {
	socket := filepath.Join(socketDir(t), "missing.sock")
	client, err := NewClient(socket)
	require.NoError(t, err)

	_, err = client.Call(context.Background(), "health", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), socket)
}

func TestClientTimeout(t *testing.T) {
	h := startServer(t, newTestService())
	client, err := NewClient(h.socket, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Call(context.Background(), "sleep", map[string]any{"ms": 500})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestClientContextCancel(t *testing.T) {
	h := startServer(t, newTestService())
	client, err := NewClient(h.socket)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, "sleep", map[string]any{"ms": 500})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeLauncher struct {
	calls atomic.Int32
	start func() error
}

func (f *fakeLauncher) Start(ctx context.Context, service string) error {
	f.calls.Add(1)
	return f.start()
}

func TestClientAutoStart(t *testing.T) {
	socket := filepath.Join(socketDir(t), "daemon.sock")
	srv, err := NewServer(newTestService(), socket)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	launcher := &fakeLauncher{start: func() error {
		go srv.Serve(context.Background())
		deadline := time.Now().Add(5 * time.Second)
		for !srv.Running() {
			if time.Now().After(deadline) {
				return errors.New("server did not start")
			}
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	}}
	client, err := NewClient(socket, WithAutoStart("test", launcher))
	require.NoError(t, err)

	resp, err := client.Call(context.Background(), "add", map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, string(resp.Result))
	assert.EqualValues(t, 1, launcher.calls.Load())

	// Already running: no second launch.
	_, err = client.Call(context.Background(), "health", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, launcher.calls.Load())
}

func TestClientAutoStartFailure(t *testing.T) {
	socket := filepath.Join(socketDir(t), "daemon.sock")
	launcher := &fakeLauncher{start: func() error { return errors.New("exec failed") }}
	client, err := NewClient(socket, WithAutoStart("test", launcher))
	require.NoError(t, err)

	_, err = client.Call(context.Background(), "health", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `auto-start service "test"`)
	assert.Contains(t, err.Error(), "exec failed")

	client, err = NewClient(socket, WithAutoStart("test", launcher), WithoutAutoStart())
	require.NoError(t, err)
	_, err = client.Call(context.Background(), "health", nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, launcher.calls.Load())
}

func TestClientAutoStartNoDaemonKeepsDialError(t *testing.T) {
	socket := filepath.Join(socketDir(t), "never.sock")
	launcher := &fakeLauncher{start: func() error { return nil }}
	client, err := NewClient(socket, WithAutoStart("test", launcher))
	require.NoError(t, err)

	_, err = client.Call(context.Background(), "health", nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, launcher.calls.Load())
	assert.Contains(t, err.Error(), `after auto-starting "test"`)
	assert.Contains(t, err.Error(), "first attempt: dial "+socket)
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestNewServiceClientRejectsBadName(t *testing.T) {
	_, err := NewServiceClient("bad.name")
	require.Error(t, err)
}

func TestNewServiceClientUsesServicesDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FGP_HOME", home)
	client, err := NewServiceClient("gmail")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "gmail", "daemon.sock"), client.SocketPath())
}
