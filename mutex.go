package testserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// NamedMutex is a cross-process exclusive lock identified by a name shared
// by every process on the host. Lock ownership is released by the OS when the
// holding process dies.
type NamedMutex interface {
	// Name returns the shared mutex name
	Name() string
	// TryLock waits up to timeout for the lock. It returns false with a nil
	// error when the lock is held elsewhere, and an error wrapping ctx.Err()
	// on cancellation.
	TryLock(ctx context.Context, timeout time.Duration) (bool, error)
	// Unlock releases the lock; unlocking an unheld mutex is a no-op
	Unlock() error
}

// MutexFactory creates the named mutex for a mutex name
type MutexFactory func(name string) NamedMutex

// FileMutex implements NamedMutex with an advisory file lock in a shared
// directory. Locks are per open file, so two FileMutex values with the same
// name exclude each other inside one process as well as across processes.
type FileMutex struct {
	name string
	path string
	lock *flock.Flock
}

// NewFileMutex creates a FileMutex named name in dir. An empty dir selects
// the system temporary directory.
func NewFileMutex(dir, name string) *FileMutex {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, name+".lock")
	return &FileMutex{
		name: name,
		path: path,
		lock: flock.New(path),
	}
}

// FileMutexFactory returns a MutexFactory creating FileMutex values in dir
func FileMutexFactory(dir string) MutexFactory {
	return func(name string) NamedMutex {
		return NewFileMutex(dir, name)
	}
}

// Name returns the shared mutex name
func (m *FileMutex) Name() string {
	return m.name
}

// Path returns the lock file path
func (m *FileMutex) Path() string {
	return m.path
}

// TryLock waits up to timeout for the lock
func (m *FileMutex) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), DirMode); err != nil {
		return false, fmt.Errorf("creating lock directory: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := m.lock.TryLockContext(lockCtx, DefaultMutexRetry)
	if ctx.Err() != nil {
		if locked {
			_ = m.lock.Unlock()
		}
		return false, fmt.Errorf("testserver: acquiring %s canceled: %w", m.name, ctx.Err())
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, fmt.Errorf("acquiring %s: %w", m.name, err)
	}
	return locked, nil
}

// Unlock releases the lock
func (m *FileMutex) Unlock() error {
	return m.lock.Unlock()
}

// Locked reports whether this value currently holds the lock
func (m *FileMutex) Locked() bool {
	return m.lock.Locked()
}
