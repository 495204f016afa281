// Package lifecycle holds the process-level collaborators of a daemon:
// path layout, PID files, liveness checks and on-demand startup.
package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"

	"github.com/mitchellh/go-homedir"
)

const (
	// DefaultServicesDir is the base directory holding one folder per service.
	DefaultServicesDir = "~/.fgp/services"
	// HomeEnv overrides the services directory.
	HomeEnv = "FGP_HOME"

	socketFile = "daemon.sock"
	pidFile    = "daemon.pid"
	logDir     = "logs"
	logFile    = "daemon.log"
)

// ErrInvalidServiceName indicates a name unusable as a namespace or directory.
var ErrInvalidServiceName = errors.New("invalid service name")

var serviceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateServiceName rejects names that contain a namespace separator or
// would escape the services directory.
func ValidateServiceName(name string) error {
	if !serviceNameRe.MatchString(name) {
		return ErrInvalidServiceName
	}
	return nil
}

// ExpandPath resolves a leading "~" to the user's home directory and makes
// the result absolute.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

// ServicesDir returns the base directory, honoring FGP_HOME.
func ServicesDir() string {
	base := os.Getenv(HomeEnv)
	if base == "" {
		base = DefaultServicesDir
	}
	dir, err := ExpandPath(base)
	if err != nil {
		return base
	}
	return dir
}

// ServiceDir returns <base>/<name>.
func ServiceDir(name string) string {
	return filepath.Join(ServicesDir(), name)
}

// ServiceSocketPath returns <base>/<name>/daemon.sock.
func ServiceSocketPath(name string) string {
	return filepath.Join(ServiceDir(name), socketFile)
}

// ServicePIDPath returns <base>/<name>/daemon.pid.
func ServicePIDPath(name string) string {
	return filepath.Join(ServiceDir(name), pidFile)
}

// ServiceLogPath returns <base>/<name>/logs/daemon.log.
func ServiceLogPath(name string) string {
	return filepath.Join(ServiceDir(name), logDir, logFile)
}
