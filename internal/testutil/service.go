package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync-go/internal/backend"
	"fieldsync-go/internal/database"
	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/kv"
	"fieldsync-go/internal/leader"
	"fieldsync-go/internal/schema"
)

// StubSession is a SessionChecker whose answer tests flip at will.
type StubSession struct {
	authed atomic.Bool
}

func NewStubSession(authed bool) *StubSession {
	s := &StubSession{}
	s.authed.Store(authed)
	return s
}

func (s *StubSession) Set(authed bool) { s.authed.Store(authed) }

func (s *StubSession) Authenticated(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.authed.Load(), nil
}

// Harness is one simulated device: a Service over in-memory collaborators
// that tests can reach into directly.
type Harness struct {
	Service *fieldsync.Service
	Store   *database.SQLiteStore
	Backend fieldsync.Backend
	KV      *kv.MemoryStore
	Elector *leader.MemoryElector
	Session *StubSession
	IDs     *StubIDGenerator
	Clock   *TickingClock
}

var devices atomic.Int64

// FastOptions shortens every interval so replication settles within a test.
func FastOptions() fieldsync.Options {
	return fieldsync.Options{
		Replication: fieldsync.ReplicationOptions{
			BatchSize:    100,
			PollInterval: 10 * time.Millisecond,
			BackoffBase:  5 * time.Millisecond,
			BackoffMax:   50 * time.Millisecond,
		},
		Readiness: fieldsync.ReadinessOptions{
			PollInterval:     10 * time.Millisecond,
			AuthWait:         100 * time.Millisecond,
			AuthPollInterval: 5 * time.Millisecond,
		},
		Watchdog: fieldsync.WatchdogOptions{
			CycleInterval:  10 * time.Millisecond,
			DowngradeAfter: 100 * time.Millisecond,
		},
	}
}

// NewHarness builds a signed-in device replicating against b. When b is nil
// a fresh memory backend is used. The service is not started.
func NewHarness(t *testing.T, b fieldsync.Backend, opts fieldsync.Options) *Harness {
	t.Helper()

	if b == nil {
		b = backend.NewMemoryBackend(nil)
	}
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("failed to load schemas: %v", err)
	}
	h := &Harness{
		Store:   NewTestStore(t),
		Backend: b,
		KV:      kv.NewMemoryStore(),
		Elector: leader.NewMemoryElector(),
		Session: NewStubSession(true),
		IDs:     NewStubIDGenerator(fmt.Sprintf("dev%d", devices.Add(1))),
		Clock:   NewTickingClock(),
	}
	svc, err := fieldsync.NewService(fieldsync.Deps{
		Store:    h.Store,
		Backend:  b,
		KV:       h.KV,
		Registry: registry,
		Elector:  h.Elector,
		Session:  h.Session,
		Clock:    h.Clock,
		IDs:      h.IDs,
	}, opts)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	h.Service = svc
	t.Cleanup(func() {
		svc.Close()
	})
	return h
}

// Start starts the service and waits until it holds leadership.
func (h *Harness) Start(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := h.Service.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	Eventually(t, 5*time.Second, h.Service.Leader, "service never became leader")
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
