// Package pid keeps a single harness instance per host with a PID file.
package pid

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/procutil"
)

const (
	pidFile = "perfcollect.pid"
)

// DefaultPath returns the PID file location in the system temp directory.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), pidFile)
}

// Write writes the current process ID to path. It fails with
// ErrAlreadyRunning when path names a live process; a stale file is
// replaced.
func Write(ctx context.Context, path string) error {
	errFactory := errors.New()
	pid := os.Getpid()

	if _, err := os.Stat(path); err == nil {
		bytes, err := os.ReadFile(path)
		if err != nil {
			return errFactory.Wrap(errors.ErrInternal, err)
		}

		existing, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if err != nil {
			return errFactory.Wrap(errors.ErrInternal, err)
		}

		running, err := procutil.IsRunning(ctx, existing)
		if err != nil {
			return errFactory.Wrap(errors.ErrInternal, err)
		}
		if running && existing != pid {
			return errFactory.WithData(errors.ErrAlreadyRunning, existing)
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file at path.
func Remove(path string) error {
	errFactory := errors.New()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}
