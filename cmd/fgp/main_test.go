package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/fgp/pkg/config"
	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/logging"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fgpcli")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("FGP_HOME", dir)
	return dir
}

func serveCalc(t *testing.T, socket string) {
	t.Helper()
	mux := ipc.NewMux("calc", "0.1.0")
	mux.Handle("add", func(ctx context.Context, p ipc.Params) (any, error) {
		return map[string]any{"sum": p.Float("a", 0) + p.Float("b", 0)}, nil
	}, ipc.NewMethodInfo("add", "Adds a and b"))
	srv, err := ipc.NewServer(mux, socket, ipc.WithLogger(logging.Nop()))
	require.NoError(t, err)
	go srv.Serve(context.Background())
	t.Cleanup(srv.Stop)
	client, err := ipc.NewClient(socket)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.IsRunning(context.Background()) }, 5*time.Second, 5*time.Millisecond)
}

func TestPathsCommand(t *testing.T) {
	home := shortHome(t)
	out, err := runCLI(t, "paths", "gmail")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(home, "gmail", "daemon.sock"))
	assert.Contains(t, out, filepath.Join(home, "gmail", "logs", "daemon.log"))

	_, err = runCLI(t, "paths", "Bad.Name")
	assert.Error(t, err)
}

func TestHomeFlagOverridesEnv(t *testing.T) {
	shortHome(t)
	other := t.TempDir()
	out, err := runCLI(t, "paths", "kv", "--home", other)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(other, "kv", "daemon.pid"))
}

func TestInitWritesConfig(t *testing.T) {
	home := shortHome(t)
	out, err := runCLI(t, "init", "kv")
	require.NoError(t, err)
	path := filepath.Join(home, "kv", "config.toml")
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "kv", cfg.Service.Name)

	_, err = runCLI(t, "init", "kv")
	assert.ErrorContains(t, err, "already exists")
	_, err = runCLI(t, "init", "kv", "--force")
	assert.NoError(t, err)
}

func TestCallAndBuiltins(t *testing.T) {
	home := shortHome(t)
	socket := filepath.Join(home, "calc", "daemon.sock")
	serveCalc(t, socket)

	out, err := runCLI(t, "call", "calc", "add", `{"a":40,"b":2}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":42}`, out)

	out, err = runCLI(t, "call", "calc", "calc.add", `{"a":1,"b":1}`, "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok": true`)
	assert.Contains(t, out, `"protocol_v": 1`)

	out, err = runCLI(t, "health", "calc")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "healthy"`)

	out, err = runCLI(t, "methods", "calc")
	require.NoError(t, err)
	assert.Contains(t, out, `"calc.add"`)

	out, err = runCLI(t, "status")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "calc")
	assert.Contains(t, lines[1], "running")

	_, err = runCLI(t, "call", "calc", "add", `{not json`)
	assert.ErrorContains(t, err, "params must be JSON")

	out, err = runCLI(t, "stop", "calc")
	require.NoError(t, err)
	assert.Contains(t, out, "shutting down")
}

func TestCallWithExplicitSocket(t *testing.T) {
	shortHome(t)
	dir, err := os.MkdirTemp("", "fgpsock")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "calc.sock")
	serveCalc(t, socket)

	out, err := runCLI(t, "call", "calc", "add", `{"a":2,"b":3}`, "--socket", socket)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, out)
}

func TestCallUnreachableService(t *testing.T) {
	shortHome(t)
	_, err := runCLI(t, "call", "ghost", "ping", "--timeout", "1s")
	assert.Error(t, err)
}
