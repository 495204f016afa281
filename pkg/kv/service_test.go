package kv

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/logging"
)

func startService(t *testing.T, cacheSize int) *Service {
	t.Helper()
	svc := New(Options{
		DBPath:    filepath.Join(t.TempDir(), "kv.db"),
		CacheSize: cacheSize,
		CacheTTL:  time.Minute,
		Logger:    logging.Nop(),
	})
	require.NoError(t, svc.OnStart(context.Background()))
	t.Cleanup(func() { svc.OnStop(context.Background()) })
	return svc
}

func call(t *testing.T, svc *Service, action string, params map[string]any) (map[string]any, error) {
	t.Helper()
	result, err := svc.Dispatch(context.Background(), Name+"."+action, params)
	if err != nil {
		return nil, err
	}
	raw, mErr := json.Marshal(result)
	require.NoError(t, mErr)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out, nil
}

func errorCode(t *testing.T, err error) string {
	t.Helper()
	var rpcErr *ipc.Error
	require.True(t, errors.As(err, &rpcErr), "expected *ipc.Error, got %v", err)
	return rpcErr.Code
}

func TestSetGetDelete(t *testing.T) {
	svc := startService(t, 16)

	out, err := call(t, svc, "set", map[string]any{"key": "greeting", "value": map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, true, out["created"])

	out, err = call(t, svc, "get", map[string]any{"key": "greeting"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi"}, out["value"])

	// Second read is served from cache.
	_, err = call(t, svc, "get", map[string]any{"key": "greeting"})
	require.NoError(t, err)
	stats, err := call(t, svc, "stats", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats["cache_hits"])
	assert.EqualValues(t, 1, stats["cache_misses"])
	assert.EqualValues(t, 1, stats["keys"])

	// Overwrite invalidates the cached entry.
	out, err = call(t, svc, "set", map[string]any{"key": "greeting", "value": "hello"})
	require.NoError(t, err)
	assert.Equal(t, false, out["created"])
	out, err = call(t, svc, "get", map[string]any{"key": "greeting"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["value"])

	_, err = call(t, svc, "delete", map[string]any{"key": "greeting"})
	require.NoError(t, err)
	_, err = call(t, svc, "get", map[string]any{"key": "greeting"})
	assert.Equal(t, ipc.CodeNotFound, errorCode(t, err))
	_, err = call(t, svc, "delete", map[string]any{"key": "greeting"})
	assert.Equal(t, ipc.CodeNotFound, errorCode(t, err))
}

func TestGetDoesNotCacheValueOverwrittenMidRead(t *testing.T) {
	svc := startService(t, 16)
	_, err := call(t, svc, "set", map[string]any{"key": "k", "value": "old"})
	require.NoError(t, err)

	// A writer lands after the reader loaded "old" but before it fills the cache.
	svc.afterLoad = func(key string) {
		svc.afterLoad = nil
		_, err := call(t, svc, "set", map[string]any{"key": key, "value": "new"})
		require.NoError(t, err)
	}
	out, err := call(t, svc, "get", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "old", out["value"])

	out, err = call(t, svc, "get", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "new", out["value"])

	// Without a racing write the fill goes through.
	out, err = call(t, svc, "get", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "new", out["value"])
	stats, err := call(t, svc, "stats", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats["cache_hits"])
}

func TestInvalidParams(t *testing.T) {
	svc := startService(t, 0)

	_, err := call(t, svc, "get", map[string]any{})
	assert.Equal(t, ipc.CodeInvalidParams, errorCode(t, err))
	_, err = call(t, svc, "get", map[string]any{"key": 7.0})
	assert.Equal(t, ipc.CodeInvalidParams, errorCode(t, err))
	_, err = call(t, svc, "set", map[string]any{"key": "k"})
	assert.Equal(t, ipc.CodeInvalidParams, errorCode(t, err))
	_, err = call(t, svc, "list", map[string]any{"limit": -1.0})
	assert.Equal(t, ipc.CodeInvalidParams, errorCode(t, err))
}

func TestListAndKeys(t *testing.T) {
	svc := startService(t, 0)
	for _, k := range []string{"a:1", "a:2", "b:1"} {
		_, err := call(t, svc, "set", map[string]any{"key": k, "value": 1.0})
		require.NoError(t, err)
	}

	out, err := call(t, svc, "list", map[string]any{"prefix": "a:"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out["count"])

	out, err = call(t, svc, "keys", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a:1", "a:2", "b:1"}, out["keys"])
}

func TestExportWritesSnapshot(t *testing.T) {
	svc := startService(t, 0)
	_, err := call(t, svc, "set", map[string]any{"key": "k", "value": []any{1.0, 2.0}})
	require.NoError(t, err)

	out, err := call(t, svc, "export", map[string]any{"path": "backup/snap.json"})
	require.NoError(t, err)
	path := out["path"].(string)
	assert.Equal(t, filepath.Join(svc.opts.ExportDir, "backup", "snap.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, Name, snap.Service)
	require.Len(t, snap.Entries, 1)
	assert.JSONEq(t, `[1,2]`, string(snap.Entries[0].Value))
}

func TestHealthCheck(t *testing.T) {
	svc := startService(t, 4)
	health := svc.HealthCheck(context.Background())
	assert.True(t, health["sqlite"].OK)
	assert.NotNil(t, health["sqlite"].LatencyMs)
	assert.True(t, health["cache"].OK)
	assert.Equal(t, "healthy", ipc.HealthStatusOf(health))

	require.NoError(t, svc.OnStop(context.Background()))
	health = svc.HealthCheck(context.Background())
	assert.False(t, health["sqlite"].OK)
	assert.Equal(t, "degraded", ipc.HealthStatusOf(health))

	_, err := call(t, svc, "stats", nil)
	assert.Equal(t, ipc.CodeServiceUnavailable, errorCode(t, err))
}

func TestMethodsAdvertised(t *testing.T) {
	svc := New(Options{DBPath: filepath.Join(t.TempDir(), "kv.db")})
	names := map[string]bool{}
	for _, m := range svc.Methods() {
		names[m.Name] = m.Deprecated
	}
	for _, want := range []string{"get", "set", "delete", "list", "stats", "export", "keys"} {
		_, ok := names[want]
		assert.True(t, ok, want)
	}
	assert.True(t, names["keys"])
}

func TestServedOverSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "fgpkv")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	svc := New(Options{DBPath: filepath.Join(dir, "kv.db"), CacheSize: 8, Logger: logging.Nop()})
	srv, err := ipc.NewServer(svc, filepath.Join(dir, "kv.sock"), ipc.WithLogger(logging.Nop()))
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()

	client, err := ipc.NewClient(srv.SocketPath(), ipc.WithTimeout(5*time.Second))
	require.NoError(t, err)
	ctx := context.Background()
	require.Eventually(t, func() bool { return client.IsRunning(ctx) }, 5*time.Second, 10*time.Millisecond)

	resp, err := client.Call(ctx, "set", map[string]any{"key": "x", "value": 42})
	require.NoError(t, err)
	require.True(t, resp.OK, "%+v", resp.Error)

	resp, err = client.Call(ctx, "kv.get", map[string]any{"key": "x"})
	require.NoError(t, err)
	var entry struct {
		Value int `json:"value"`
	}
	require.NoError(t, resp.DecodeResult(&entry))
	assert.Equal(t, 42, entry.Value)

	resp, err = client.Call(ctx, "get", map[string]any{"key": "missing"})
	require.NoError(t, err)
	require.False(t, resp.OK)
	assert.Equal(t, ipc.CodeNotFound, resp.Error.Code)

	resp, err = client.Stop(ctx)
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.NoError(t, <-errCh)
}
