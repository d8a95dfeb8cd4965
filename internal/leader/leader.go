// Package leader elects the single process per local store that runs
// replication.
package leader

import (
	"context"
	"fmt"
	"sync"

	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/fslock"
)

// token is a fieldsync.LeaderToken whose Lost channel closes on release.
type token struct {
	lost    chan struct{}
	once    sync.Once
	release func() error
	err     error
}

func newToken(release func() error) *token {
	return &token{lost: make(chan struct{}), release: release}
}

func (t *token) Lost() <-chan struct{} { return t.lost }

func (t *token) Release() error {
	t.once.Do(func() {
		close(t.lost)
		t.err = t.release()
	})
	return t.err
}

// FileElector elects through an exclusive flock on a lock file next to the
// local store. The lock is released by the kernel if the process dies.
type FileElector struct {
	path string
}

var _ fieldsync.LeaderElector = (*FileElector)(nil)

func NewFileElector(path string) *FileElector {
	return &FileElector{path: path}
}

func (e *FileElector) Acquire(ctx context.Context) (fieldsync.LeaderToken, error) {
	lock := fslock.New(e.path)
	if err := lock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("acquiring leadership: %w", err)
	}
	return newToken(lock.Unlock), nil
}

// TryAcquire returns a token if leadership is free right now, or nil.
func (e *FileElector) TryAcquire() (fieldsync.LeaderToken, error) {
	lock := fslock.New(e.path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring leadership: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return newToken(lock.Unlock), nil
}

// MemoryElector elects among goroutines of one process. Revoke simulates
// losing leadership.
type MemoryElector struct {
	sem chan struct{}

	mu      sync.Mutex
	current *token
}

var _ fieldsync.LeaderElector = (*MemoryElector)(nil)

func NewMemoryElector() *MemoryElector {
	return &MemoryElector{sem: make(chan struct{}, 1)}
}

func (e *MemoryElector) Acquire(ctx context.Context) (fieldsync.LeaderToken, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var t *token
	t = newToken(func() error {
		e.mu.Lock()
		if e.current == t {
			e.current = nil
		}
		e.mu.Unlock()
		<-e.sem
		return nil
	})
	e.mu.Lock()
	e.current = t
	e.mu.Unlock()
	return t, nil
}

// Revoke ends the current leadership, if any.
func (e *MemoryElector) Revoke() {
	e.mu.Lock()
	t := e.current
	e.mu.Unlock()
	if t != nil {
		t.Release()
	}
}
