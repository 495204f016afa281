package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/logging"
)

func startEcho(t *testing.T) *ipc.Client {
	t.Helper()
	dir, err := os.MkdirTemp("", "echod")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "echo.sock")

	srv, err := ipc.NewServer(newService(), socket, ipc.WithLogger(logging.Nop()))
	require.NoError(t, err)
	go srv.Serve(context.Background())
	t.Cleanup(func() {
		srv.Stop()
		<-srv.Done()
	})

	client, err := ipc.NewClient(socket, ipc.WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.IsRunning(context.Background()) }, 5*time.Second, 5*time.Millisecond)
	return client
}

func TestEchoMethods(t *testing.T) {
	client := startEcho(t)
	ctx := context.Background()

	resp, err := client.Call(ctx, "echo", map[string]any{"hello": "world", "n": 3})
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.JSONEq(t, `{"hello":"world","n":3}`, string(resp.Result))

	resp, err = client.Call(ctx, "echo.ping", nil)
	require.NoError(t, err)
	var pong struct {
		Pong      bool   `json:"pong"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, resp.DecodeResult(&pong))
	assert.True(t, pong.Pong)
	_, err = time.Parse(time.RFC3339Nano, pong.Timestamp)
	assert.NoError(t, err)

	resp, err = client.Call(ctx, "sleep", map[string]any{"ms": 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"slept_ms":10}`, string(resp.Result))
}

func TestEchoErrorMethod(t *testing.T) {
	client := startEcho(t)
	ctx := context.Background()

	resp, err := client.Call(ctx, "error", map[string]any{"code": ipc.CodeNotFound, "message": "nothing here"})
	require.NoError(t, err)
	require.False(t, resp.OK)
	assert.Equal(t, ipc.CodeNotFound, resp.Error.Code)
	assert.Equal(t, "nothing here", resp.Error.Message)

	resp, err = client.Call(ctx, "sleep", map[string]any{"ms": -1})
	require.NoError(t, err)
	assert.Equal(t, ipc.CodeInvalidParams, resp.Error.Code)
}

func TestEchoAdvertisesMethods(t *testing.T) {
	client := startEcho(t)
	resp, err := client.Methods(context.Background())
	require.NoError(t, err)
	var body struct {
		Methods []ipc.MethodInfo `json:"methods"`
	}
	require.NoError(t, resp.DecodeResult(&body))
	var names []string
	for _, m := range body.Methods {
		names = append(names, m.Name)
	}
	assert.Subset(t, names, []string{"echo.echo", "echo.error", "echo.ping", "echo.sleep"})
}
