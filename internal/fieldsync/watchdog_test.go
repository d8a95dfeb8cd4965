package fieldsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

// gate is an awaiter that is in sync while open and blocks while closed.
type gate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newGate(open bool) *gate {
	g := &gate{open: make(chan struct{})}
	if open {
		close(g.open)
	}
	return g
}

func (g *gate) AwaitInSync(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

type fixedSource struct {
	mu       sync.Mutex
	awaiters []SyncAwaiter
}

func (s *fixedSource) Awaiters() []SyncAwaiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiters
}

func (s *fixedSource) set(a ...SyncAwaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaiters = a
}

func waitStatus(t *testing.T, w *Watchdog, want WatchdogStatus, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for w.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status = %v, want %v", w.Status(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWatchdog_DowngradesWhenRoundsStop(t *testing.T) {
	g := newGate(true)
	src := &fixedSource{}
	src.set(g, newGate(true))
	w := NewWatchdog(src, NewNopLogger(), WatchdogOptions{CycleInterval: 5 * time.Millisecond, DowngradeAfter: 50 * time.Millisecond})

	w.Start(context.Background())
	defer w.Stop()

	waitStatus(t, w, WatchdogStatus{Started: true, Synced: true}, time.Second)

	// A channel that stops catching up leaves the last round's "synced" to
	// expire on its own.
	g.close()
	waitStatus(t, w, WatchdogStatus{Started: true}, time.Second)
}

func TestWatchdog_NotStartedWithoutChannels(t *testing.T) {
	src := &fixedSource{}
	w := NewWatchdog(src, NewNopLogger(), WatchdogOptions{CycleInterval: 5 * time.Millisecond})
	w.Start(context.Background())
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	if got := w.Status(); got != (WatchdogStatus{}) {
		t.Fatalf("status = %v, want not started", got)
	}

	src.set(newGate(true))
	waitStatus(t, w, WatchdogStatus{Started: true, Synced: true}, time.Second)

	src.set()
	waitStatus(t, w, WatchdogStatus{}, time.Second)
}

func TestWatchdog_StopClearsPendingDowngrade(t *testing.T) {
	src := &fixedSource{}
	src.set(newGate(true))
	w := NewWatchdog(src, NewNopLogger(), WatchdogOptions{CycleInterval: time.Hour, DowngradeAfter: 20 * time.Millisecond})

	updates, unsubscribe := w.Subscribe()
	defer unsubscribe()

	w.Start(context.Background())
	waitStatus(t, w, WatchdogStatus{Started: true, Synced: true}, time.Second)
	w.Stop()

	if got := w.Status(); got != (WatchdogStatus{}) {
		t.Fatalf("status after Stop = %v, want not started", got)
	}

	// Past the downgrade deadline the stale timer must not report anything.
	time.Sleep(60 * time.Millisecond)
	if got := w.Status(); got != (WatchdogStatus{}) {
		t.Fatalf("status after timer deadline = %v, want not started", got)
	}
	select {
	case s := <-updates:
		if s != (WatchdogStatus{}) {
			t.Fatalf("latest streamed status = %v, want not started", s)
		}
	default:
		t.Fatal("no status streamed")
	}
}

func TestWatchdogStatus_String(t *testing.T) {
	tests := map[WatchdogStatus]string{
		{}:                            "not started",
		{Started: true}:               "unsynced",
		{Started: true, Synced: true}: "synced",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%+v.String() = %q, want %q", s, got, want)
		}
	}
}
