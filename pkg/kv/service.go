// Package kv is a persistent key/value daemon service. Values are arbitrary
// JSON, stored in SQLite and fronted by an expirable read cache.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexliu/fgp/pkg/cache"
	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/storage/sqlite"
)

// Name is the method namespace of the service.
const Name = "kv"

// Options configures a Service.
type Options struct {
	Version   string
	DBPath    string
	CacheSize int
	CacheTTL  time.Duration
	// ExportDir is where export writes when no path is given. Defaults to
	// the directory of DBPath.
	ExportDir string
	Logger    *slog.Logger
}

// Service implements ipc.Service and every optional hook.
type Service struct {
	*ipc.Mux

	opts   Options
	logger *slog.Logger
	cache  *cache.TTLCache[string, sqlite.Entry]

	// cacheMu orders cache fills against invalidations; gen counts writes
	// so a read that raced a write does not cache what it loaded.
	cacheMu sync.Mutex
	gen     uint64

	// afterLoad runs between the store read and the cache fill in get.
	afterLoad func(key string)

	mu    sync.RWMutex
	store *sqlite.Store

	hits   atomic.Int64
	misses atomic.Int64
}

// New constructs the service. The database is opened in OnStart.
func New(opts Options) *Service {
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	if opts.ExportDir == "" {
		opts.ExportDir = filepath.Dir(opts.DBPath)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		Mux:    ipc.NewMux(Name, opts.Version),
		opts:   opts,
		logger: logger.With("component", "kv"),
	}
	if opts.CacheSize > 0 {
		s.cache = cache.NewTTL[string, sqlite.Entry](opts.CacheSize, opts.CacheTTL)
	}
	s.register()
	return s
}

func (s *Service) register() {
	keyParam := ipc.ParamInfo{Name: "key", Type: "string", Required: true}

	s.Handle("get", s.get, ipc.NewMethodInfo("get", "Returns the value stored under key").
		WithParam(keyParam).
		WithExample("Read a key", map[string]any{"key": "greeting"}, map[string]any{"key": "greeting", "value": "hello"}).
		WithErrors(ipc.CodeInvalidParams, ipc.CodeNotFound))

	s.Handle("set", s.set, ipc.NewMethodInfo("set", "Stores a JSON value under key").
		WithParam(keyParam).
		WithParam(ipc.ParamInfo{Name: "value", Type: "any", Required: true}).
		WithReturns(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":     map[string]any{"type": "string"},
				"created": map[string]any{"type": "boolean"},
			},
		}).
		WithErrors(ipc.CodeInvalidParams))

	s.Handle("delete", s.delete, ipc.NewMethodInfo("delete", "Removes key").
		WithParam(keyParam).
		WithErrors(ipc.CodeInvalidParams, ipc.CodeNotFound))

	s.Handle("list", s.list, ipc.NewMethodInfo("list", "Lists entries by key prefix").
		WithParam(ipc.ParamInfo{Name: "prefix", Type: "string", Default: ""}).
		WithParam(ipc.ParamInfo{Name: "limit", Type: "integer", Default: 100}))

	s.Handle("stats", s.stats, ipc.NewMethodInfo("stats", "Reports key count and cache statistics"))

	s.Handle("export", s.export, ipc.NewMethodInfo("export", "Writes every entry to a JSON snapshot file").
		WithParam(ipc.ParamInfo{Name: "path", Type: "string"}))

	s.Handle("keys", s.keys, ipc.NewMethodInfo("keys", "Lists key names by prefix").
		WithParam(ipc.ParamInfo{Name: "prefix", Type: "string", Default: ""}).
		MarkDeprecated())
}

// OnStart opens and migrates the database.
func (s *Service) OnStart(ctx context.Context) error {
	store, err := sqlite.Open(s.opts.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return fmt.Errorf("init store: %w", err)
	}
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
	s.logger.Info("store opened", "path", store.Path())
	return nil
}

// OnStop closes the database.
func (s *Service) OnStop(context.Context) error {
	s.mu.Lock()
	store := s.store
	s.store = nil
	s.mu.Unlock()
	s.cache.Purge()
	if store == nil {
		return nil
	}
	return store.Close()
}

// HealthCheck pings the database and reports the cache as a dependency.
func (s *Service) HealthCheck(ctx context.Context) map[string]ipc.HealthStatus {
	out := map[string]ipc.HealthStatus{}
	store, err := s.db()
	if err != nil {
		out["sqlite"] = ipc.Unhealthy(err.Error())
	} else {
		start := time.Now()
		if err := store.Ping(ctx); err != nil {
			out["sqlite"] = ipc.Unhealthy(err.Error())
		} else {
			out["sqlite"] = ipc.HealthyWithLatency(float64(time.Since(start).Microseconds()) / 1000)
		}
	}
	if s.cache != nil {
		out["cache"] = ipc.Healthy()
	}
	return out
}

func (s *Service) db() (*sqlite.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil {
		return nil, ipc.Errorf(ipc.CodeServiceUnavailable, "store is not open", nil)
	}
	return s.store, nil
}

func requireKey(p ipc.Params) (string, error) {
	if err := p.Require("key"); err != nil {
		return "", err
	}
	key := p.String("key", "")
	if err := ValidateKey(key); err != nil {
		return "", ipc.Errorf(ipc.CodeInvalidParams, err.Error(), map[string]any{"param": "key"})
	}
	return key, nil
}

func notFound(key string) error {
	return ipc.Errorf(ipc.CodeNotFound, fmt.Sprintf("key not found: %s", key), map[string]any{"key": key})
}

func (s *Service) get(ctx context.Context, p ipc.Params) (any, error) {
	key, err := requireKey(p)
	if err != nil {
		return nil, err
	}
	if entry, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		return entry, nil
	}
	s.misses.Add(1)
	store, err := s.db()
	if err != nil {
		return nil, err
	}
	s.cacheMu.Lock()
	gen := s.gen
	s.cacheMu.Unlock()
	entry, err := store.Get(ctx, key)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, err
	}
	if s.afterLoad != nil {
		s.afterLoad(key)
	}
	s.fillCache(key, entry, gen)
	return entry, nil
}

// fillCache stores entry unless a write happened since gen was read.
func (s *Service) fillCache(key string, entry sqlite.Entry, gen uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.gen == gen {
		s.cache.Set(key, entry)
	}
}

func (s *Service) invalidate(key string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen++
	s.cache.Delete(key)
}

func (s *Service) set(ctx context.Context, p ipc.Params) (any, error) {
	key, err := requireKey(p)
	if err != nil {
		return nil, err
	}
	if err := p.Require("value"); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p["value"])
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeInvalidParams, fmt.Sprintf("encode value: %v", err), nil)
	}
	store, err := s.db()
	if err != nil {
		return nil, err
	}
	created, err := store.Put(ctx, key, raw)
	s.invalidate(key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "created": created}, nil
}

func (s *Service) delete(ctx context.Context, p ipc.Params) (any, error) {
	key, err := requireKey(p)
	if err != nil {
		return nil, err
	}
	store, err := s.db()
	if err != nil {
		return nil, err
	}
	err = store.Delete(ctx, key)
	s.invalidate(key)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, notFound(key)
		}
		return nil, err
	}
	return map[string]any{"key": key, "deleted": true}, nil
}

func (s *Service) list(ctx context.Context, p ipc.Params) (any, error) {
	limit := p.Int("limit", 100)
	if limit < 0 {
		return nil, ipc.Errorf(ipc.CodeInvalidParams, "limit must be >= 0", map[string]any{"param": "limit"})
	}
	store, err := s.db()
	if err != nil {
		return nil, err
	}
	entries, err := store.List(ctx, p.String("prefix", ""), int(limit))
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

func (s *Service) keys(ctx context.Context, p ipc.Params) (any, error) {
	store, err := s.db()
	if err != nil {
		return nil, err
	}
	entries, err := store.List(ctx, p.String("prefix", ""), 0)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return map[string]any{"keys": keys}, nil
}

func (s *Service) stats(ctx context.Context, _ ipc.Params) (any, error) {
	store, err := s.db()
	if err != nil {
		return nil, err
	}
	count, err := store.Count(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"keys":          count,
		"db_path":       store.Path(),
		"cache_enabled": s.cache != nil,
		"cache_entries": s.cache.Len(),
		"cache_hits":    s.hits.Load(),
		"cache_misses":  s.misses.Load(),
	}, nil
}

func (s *Service) export(ctx context.Context, p ipc.Params) (any, error) {
	store, err := s.db()
	if err != nil {
		return nil, err
	}
	entries, err := store.List(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	path := p.String("path", filepath.Join(s.opts.ExportDir, "snapshot.json"))
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.opts.ExportDir, path)
	}
	if err := writeSnapshot(path, snapshot{
		Service:    Name,
		Version:    s.Version(),
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Entries:    entries,
	}); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	s.logger.Info("snapshot exported", "path", path, "count", len(entries))
	return map[string]any{"path": path, "count": len(entries)}, nil
}
