package leader_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/leader"
)

func TestFileElector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.lock")
	a := leader.NewFileElector(path)
	b := leader.NewFileElector(path)

	tok, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	other, err := b.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if other != nil {
		t.Fatal("second elector acquired a held leadership")
	}

	if err := tok.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	select {
	case <-tok.Lost():
	default:
		t.Error("Lost() not closed after Release()")
	}
	if err := tok.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	other, err = b.TryAcquire()
	if err != nil || other == nil {
		t.Fatalf("TryAcquire() after release = %v, %v", other, err)
	}
	other.Release()
}

func TestMemoryElector(t *testing.T) {
	e := leader.NewMemoryElector()

	first, err := e.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan fieldsync.LeaderToken, 1)
	go func() {
		tok, err := e.Acquire(context.Background())
		if err == nil {
			got <- tok
		}
	}()

	select {
	case <-got:
		t.Fatal("second Acquire() returned while leadership held")
	case <-time.After(50 * time.Millisecond):
	}

	e.Revoke()
	select {
	case <-first.Lost():
	default:
		t.Fatal("Revoke() did not close Lost()")
	}

	select {
	case tok := <-got:
		tok.Release()
	case <-time.After(time.Second):
		t.Fatal("second Acquire() did not return after revoke")
	}
}

func TestMemoryElector_AcquireHonoursContext(t *testing.T) {
	e := leader.NewMemoryElector()
	tok, _ := e.Acquire(context.Background())
	defer tok.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Acquire(ctx); err == nil {
		t.Error("Acquire() expected context error")
	}
}
