//go:build unix

package fslock_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fieldsync-go/internal/fslock"
)

func TestLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "store.lock")
	a := fslock.New(path)
	b := fslock.New(path)

	ok, err := a.TryLock()
	if err != nil || !ok {
		t.Fatalf("a.TryLock() = %v, %v; want true, nil", ok, err)
	}

	ok, err = b.TryLock()
	if err != nil {
		t.Fatalf("b.TryLock() error = %v", err)
	}
	if ok {
		t.Fatal("b.TryLock() acquired a held lock")
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("a.Unlock() error = %v", err)
	}
	ok, err = b.TryLock()
	if err != nil || !ok {
		t.Fatalf("b.TryLock() after release = %v, %v; want true, nil", ok, err)
	}
	b.Unlock()
}

func TestLock_LockHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	a := fslock.New(path)
	if err := a.Lock(context.Background()); err != nil {
		t.Fatalf("a.Lock() error = %v", err)
	}
	defer a.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := fslock.New(path).Lock(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() error = %v, want deadline exceeded", err)
	}
}

func TestLock_LockWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	a := fslock.New(path)
	if err := a.Lock(context.Background()); err != nil {
		t.Fatalf("a.Lock() error = %v", err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		a.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := fslock.New(path)
	if err := b.Lock(ctx); err != nil {
		t.Fatalf("b.Lock() error = %v", err)
	}
	b.Unlock()
}
