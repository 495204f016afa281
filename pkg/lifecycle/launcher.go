package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

var (
	// ErrDaemonNotFound indicates no executable could be resolved for a service.
	ErrDaemonNotFound = errors.New("daemon executable not found")
	// ErrStartTimeout indicates the daemon did not open its socket in time.
	ErrStartTimeout = errors.New("timed out waiting for daemon socket")
)

// Launcher starts a named service and blocks until its socket is connectable.
type Launcher interface {
	Start(ctx context.Context, service string) error
}

// ExecLauncher spawns daemons as detached child processes.
type ExecLauncher struct {
	// StartTimeout bounds the wait for the socket (default 5s).
	StartTimeout time.Duration
	// PollInterval is how often the socket is dialed (default 50ms).
	PollInterval time.Duration
	// Resolve maps a service name to an executable and arguments. Nil uses
	// <servicesDir>/<name>/daemon, then fgp-<name> or <name>d on PATH.
	Resolve func(service string) (string, []string, error)
}

// DefaultLauncher is used by service clients with auto-start enabled.
var DefaultLauncher Launcher = &ExecLauncher{}

// Start implements Launcher.
func (l *ExecLauncher) Start(ctx context.Context, service string) error {
	if err := ValidateServiceName(service); err != nil {
		return fmt.Errorf("%w: %q", err, service)
	}
	socketPath := ServiceSocketPath(service)
	if Connectable(socketPath) {
		return nil
	}
	resolve := l.Resolve
	if resolve == nil {
		resolve = resolveExecutable
	}
	bin, args, err := resolve(service)
	if err != nil {
		return err
	}

	logPath := ServiceLogPath(service)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return err
	}
	logOut, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer logOut.Close()

	cmd := exec.Command(bin, args...)
	cmd.Stdout = logOut
	cmd.Stderr = logOut
	cmd.Dir = ServiceDir(service)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", bin, err)
	}
	pid := cmd.Process.Pid
	if err := writePID(ServicePIDPath(service), pid); err != nil {
		return err
	}
	// The daemon outlives this process; reap it if it exits early.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	return l.waitForSocket(ctx, socketPath, exited)
}

func (l *ExecLauncher) waitForSocket(ctx context.Context, socketPath string, exited <-chan error) error {
	timeout := l.StartTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	interval := l.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if Connectable(socketPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %s", ErrStartTimeout, socketPath, timeout)
		case err := <-exited:
			if err != nil {
				return fmt.Errorf("daemon exited before opening %s: %w", socketPath, err)
			}
			// Daemons that fork themselves exit cleanly; keep polling.
			exited = nil
		case <-ticker.C:
		}
	}
}

func resolveExecutable(service string) (string, []string, error) {
	local := filepath.Join(ServiceDir(service), "daemon")
	if info, err := os.Stat(local); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
		return local, nil, nil
	}
	for _, name := range []string{"fgp-" + service, service + "d"} {
		if bin, err := exec.LookPath(name); err == nil {
			return bin, nil, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s", ErrDaemonNotFound, service)
}
