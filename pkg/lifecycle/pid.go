package lifecycle

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// WritePIDFile records the current process id at path.
func WritePIDFile(path string) error {
	return writePID(path, os.Getpid())
}

func writePID(path string, pid int) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// IsProcessRunning checks pid with signal 0.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM to pid.
func Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return unix.Kill(pid, unix.SIGTERM)
}

// Connectable reports whether something accepts connections on socketPath.
func Connectable(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// CleanupStaleSocket removes socketPath (and pidPath, if given) when no live
// process owns it. It reports whether anything was removed.
func CleanupStaleSocket(socketPath, pidPath string) (bool, error) {
	socketPath, err := ExpandPath(socketPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if pidPath != "" {
		if pid, err := ReadPIDFile(pidPath); err == nil && IsProcessRunning(pid) {
			return false, nil
		}
	}
	if Connectable(socketPath) {
		return false, nil
	}
	if err := RemoveFiles(socketPath, pidPath); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFiles deletes the given paths, ignoring ones that do not exist.
func RemoveFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		expanded, err := ExpandPath(p)
		if err != nil {
			return err
		}
		if err := os.Remove(expanded); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// IsServiceRunning dials the conventional socket of a service.
func IsServiceRunning(name string) bool {
	return Connectable(ServiceSocketPath(name))
}

// StopService sends SIGTERM to the pid recorded for a service.
func StopService(name string) error {
	pid, err := ReadPIDFile(ServicePIDPath(name))
	if err != nil {
		return fmt.Errorf("read pid for %s: %w", name, err)
	}
	if !IsProcessRunning(pid) {
		return RemoveFiles(ServicePIDPath(name))
	}
	return Terminate(pid)
}
