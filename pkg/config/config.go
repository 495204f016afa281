package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rexliu/fgp/pkg/lifecycle"
)

// ServiceConfig names the daemon.
type ServiceConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// IPCConfig defines socket settings.
type IPCConfig struct {
	SocketPath     string `toml:"socketPath"`
	Sequential     bool   `toml:"sequential"`
	WriteTimeoutMs int    `toml:"writeTimeoutMs"`
	MaxLineBytes   int    `toml:"maxLineBytes"`
}

// WriteTimeout converts WriteTimeoutMs.
func (c IPCConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// StorageConfig defines the SQLite location.
type StorageConfig struct {
	DBPath string `toml:"dbPath"`
}

// CacheConfig sizes the read cache. A zero Size disables it.
type CacheConfig struct {
	Size int    `toml:"size"`
	TTL  string `toml:"ttl"`
}

// TTLDuration parses TTL; empty means entries never expire.
func (c CacheConfig) TTLDuration() (time.Duration, error) {
	if c.TTL == "" {
		return 0, nil
	}
	return time.ParseDuration(c.TTL)
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	Format      string `toml:"format"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
}

// MetricsConfig enables the Prometheus listener when Listen is set.
type MetricsConfig struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

// DaemonConfig aggregates daemon configuration.
type DaemonConfig struct {
	Service ServiceConfig `toml:"service"`
	IPC     IPCConfig     `toml:"ipc"`
	Storage StorageConfig `toml:"storage"`
	Cache   CacheConfig   `toml:"cache"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// Default returns the configuration a daemon named name uses when no file is
// present. Paths follow the services directory layout.
func Default(name string) *DaemonConfig {
	dir := lifecycle.ServiceDir(name)
	return &DaemonConfig{
		Service: ServiceConfig{Name: name, Version: "0.1.0"},
		IPC: IPCConfig{
			SocketPath:     lifecycle.ServiceSocketPath(name),
			WriteTimeoutMs: 30000,
			MaxLineBytes:   16 << 20,
		},
		Storage: StorageConfig{DBPath: filepath.Join(dir, "data.db")},
		Cache:   CacheConfig{Size: 1024, TTL: "5m"},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			FilePath:    lifecycle.ServiceLogPath(name),
			FileMaxSize: 10,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads config.toml from the provided path. Relative paths inside the
// file are resolved against its directory.
func Load(path string) (*DaemonConfig, error) {
	var cfg DaemonConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg as TOML with owner-only permissions.
func Save(path string, cfg *DaemonConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath expands "~" and anchors relative paths at base.
func ResolvePath(base, p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if !strings.HasPrefix(p, "~") && !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	return lifecycle.ExpandPath(p)
}

func (cfg *DaemonConfig) validate(base string) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name required")
	}
	if err := lifecycle.ValidateServiceName(cfg.Service.Name); err != nil {
		return fmt.Errorf("service.name: %w: %q", err, cfg.Service.Name)
	}
	def := Default(cfg.Service.Name)
	if cfg.Service.Version == "" {
		cfg.Service.Version = def.Service.Version
	}
	if cfg.IPC.SocketPath == "" {
		cfg.IPC.SocketPath = def.IPC.SocketPath
	}
	if cfg.IPC.WriteTimeoutMs < 0 {
		return fmt.Errorf("ipc.writeTimeoutMs must be >= 0")
	}
	if cfg.IPC.MaxLineBytes < 0 {
		return fmt.Errorf("ipc.maxLineBytes must be >= 0")
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = def.Storage.DBPath
	}
	if cfg.Cache.Size < 0 {
		return fmt.Errorf("cache.size must be >= 0")
	}
	if _, err := cfg.Cache.TTLDuration(); err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug|info|warn|error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "json"
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q not one of json|console", cfg.Logging.Format)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}

	var err error
	for _, p := range []*string{&cfg.IPC.SocketPath, &cfg.Storage.DBPath, &cfg.Logging.FilePath} {
		if *p, err = ResolvePath(base, *p); err != nil {
			return err
		}
	}
	return nil
}
