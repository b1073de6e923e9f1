package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/snipvault-installer/internal/logger"
)

const (
	// DefaultFilename is used when the lock path is not configured.
	DefaultFilename = ".snipvault-installer.lock"

	fileMode os.FileMode = 0o600
	dirMode  os.FileMode = 0o755

	// takeoverAttempts bounds how often a stale lock is removed and retried.
	takeoverAttempts = 3
)

var (
	// ErrLocked reports that a live process holds the lock.
	ErrLocked = errors.New("another installation is in progress")

	errEmptyPath  = errors.New("lock path is empty")
	errInvalidPID = errors.New("invalid pid")
)

// LockedError names the process holding the lock.
type LockedError struct {
	// Path is the lock file.
	Path string
	// PID is the owner's process ID.
	PID int
	// Executable is the owner's executable name as reported by the OS.
	Executable string
}

// Error implements the error interface.
func (e *LockedError) Error() string {
	return fmt.Sprintf("%v: %s is held by %s (pid %d)", ErrLocked, e.Path, e.Executable, e.PID)
}

// Unwrap returns ErrLocked.
func (e *LockedError) Unwrap() error { return ErrLocked }

// Lock is a held lock file.
type Lock struct {
	path string
	pid  int

	once sync.Once
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire creates the lock file at path, taking over stale locks.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	if path == "" {
		return nil, errEmptyPath
	}

	path = filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	pid := os.Getpid()

	for range takeoverAttempts {
		err := create(path, pid)
		if err == nil {
			logger.DebugKV(ctx, "Lock acquired", "path", path, "pid", pid)

			return &Lock{path: path, pid: pid}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		owner, alive, err := inspect(path)
		if err != nil {
			return nil, err
		}

		if alive {
			return nil, owner
		}

		logger.InfoKV(ctx, "The lock is stale, attempting cleanup", "path", path, "pid", owner.PID)

		if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	return nil, &LockedError{Path: path}
}

// Release removes the lock file if it still belongs to this process.
// It is safe to call more than once.
func (l *Lock) Release(ctx context.Context) error {
	var err error

	l.once.Do(func() {
		pid, readErr := readPID(l.path)
		if readErr != nil || pid != l.pid {
			logger.WarnKV(ctx, "The lock no longer belongs to this process", "path", l.path)

			return
		}

		if err = os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("remove lock file: %w", err)

			return
		}

		err = nil
	})

	return err
}

func create(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return err
	}

	if _, err = f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return err
	}

	return f.Close()
}

// inspect reports who owns the lock at path and whether that process still runs.
// An unreadable PID counts as a dead owner.
func inspect(path string) (*LockedError, bool, error) {
	owner := &LockedError{Path: path}

	pid, err := readPID(path)
	if err != nil {
		// Missing means released meanwhile, garbage means a crashed writer.
		return owner, false, nil //nolint:nilerr // Both are retried.
	}

	owner.PID = pid

	process, err := ps.FindProcess(pid)
	if err != nil {
		return nil, false, fmt.Errorf("look up lock owner: %w", err)
	}

	if process == nil {
		return owner, false, nil
	}

	owner.Executable = process.Executable()

	return owner, true, nil
}

func readPID(path string) (int, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil {
		return 0, fmt.Errorf("parse lock owner: %w", err)
	}

	if pid <= 0 {
		return 0, fmt.Errorf("parse lock owner: %w %d", errInvalidPID, pid)
	}

	return pid, nil
}
