//go:build unix

// Package fslock provides advisory, exclusive file locks shared between
// processes on the same host.
package fslock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultRetryInterval is how often Lock retries a held lock.
const DefaultRetryInterval = 50 * time.Millisecond

// Lock is an exclusive flock on a file. Two Lock values on the same path
// exclude each other even inside one process.
type Lock struct {
	path          string
	retryInterval time.Duration

	mu sync.Mutex
	f  *os.File
}

func New(path string) *Lock {
	return &Lock{path: path, retryInterval: DefaultRetryInterval}
}

func (l *Lock) Path() string { return l.path }

// TryLock acquires the lock without blocking. It returns false if another
// holder has it.
func (l *Lock) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("locking %s: %w", l.path, err)
	}
	l.f = f
	return true, nil
}

// Lock blocks until the lock is acquired or ctx ends.
func (l *Lock) Lock(ctx context.Context) error {
	for {
		ok, err := l.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return closeErr
}
