package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog"

	"github.com/rexliu/fgp/pkg/config"
)

// New builds a slog logger backed by zerolog. Output goes to stderr and, when
// cfg.FilePath is set, to a size-rotated file as well. The returned closer
// releases the file and is never nil.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return nil, nil, err
		}
		file, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stderr, file)
		closer = file
	}
	return newLogger(out, cfg.Format, level), closer, nil
}

// NewWriter is New without a file, writing to w. Used by tests and tools that
// own their output stream.
func NewWriter(w io.Writer, format string, level slog.Level) *slog.Logger {
	return newLogger(w, format, level)
}

// Nop discards everything.
func Nop() *slog.Logger {
	return NewWriter(io.Discard, "json", slog.LevelError+1)
}

// ParseLevel maps debug|info|warn|error to a slog level; empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	var zl zerolog.Logger
	if format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true})
	} else {
		zl = zerolog.New(w)
	}
	return slog.New(slogzerolog.Option{Level: level, Logger: &zl}.NewZerologHandler())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// rollingFile renames the file to <path>.1 once it would exceed max MB.
type rollingFile struct {
	mu   sync.Mutex
	path string
	max  int
	file *os.File
}

func newRollingFile(path string, maxMB int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &rollingFile{path: path, max: maxMB, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size() > 0 && info.Size()+int64(len(p)) > int64(r.max)*1024*1024 {
			r.file.Close()
			os.Rename(r.path, r.path+".1")
			newFile, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				r.file = nil
				return 0, err
			}
			r.file = newFile
		}
	}
	return r.file.Write(p)
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
