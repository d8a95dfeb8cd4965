package fieldsync_test

import (
	"context"
	"testing"
	"time"

	"fieldsync-go/internal/backend"
	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/kv"
	"fieldsync-go/internal/leader"
	"fieldsync-go/internal/schema"
	"fieldsync-go/internal/testutil"
)

func openShared(t *testing.T, ctx context.Context, h *testutil.Harness) string {
	t.Helper()
	id, err := h.Service.CreateFile(ctx, true, nil)
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	res, err := h.Service.RequestOpen(ctx, id)
	if err != nil || res.State != fieldsync.Loaded {
		t.Fatalf("RequestOpen() = %v, %v", res.State, err)
	}
	return id
}

func TestSupervisor_ReconfigureIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := testutil.NewHarness(t, nil, testutil.FastOptions())
	h.Start(t, ctx)

	sup := h.Service.Supervisor()
	if n := len(sup.Channels()); n != 0 {
		t.Fatalf("channels with nothing opted in = %d, want 0", n)
	}

	openShared(t, ctx, h)
	for range 2 {
		if err := sup.Reconfigure(ctx); err != nil {
			t.Fatalf("Reconfigure() error = %v", err)
		}
	}
	chs := sup.Channels()
	if len(chs) != len(fieldsync.Collections) {
		t.Fatalf("channels after two reconfigures = %d, want %d", len(chs), len(fieldsync.Collections))
	}
	seen := map[fieldsync.Collection]bool{}
	for _, ch := range chs {
		if seen[ch.Collection()] {
			t.Fatalf("two live channels for %s", ch.Collection())
		}
		seen[ch.Collection()] = true
	}
}

func TestSupervisor_StopThenStartAgain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := fieldsync.NewNopLogger()
	sets := fieldsync.NewSyncSets(kv.NewMemoryStore(), logger)
	sup := fieldsync.NewReplicationSupervisor(testutil.NewTestStore(t), backend.NewMemoryBackend(nil), sets, logger, testutil.FastOptions().Replication)
	if err := sets.OptIn(ctx, "remote-file"); err != nil {
		t.Fatalf("OptIn() error = %v", err)
	}
	token, err := leader.NewMemoryElector().Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	for round := range 3 {
		if err := sup.Start(ctx, token); err != nil {
			t.Fatalf("round %d: Start() error = %v", round, err)
		}
		if n := len(sup.Channels()); n != len(fieldsync.Collections) {
			t.Fatalf("round %d: channels = %d, want %d", round, n, len(fieldsync.Collections))
		}
		sup.Stop()
		if sup.Running() {
			t.Fatalf("round %d: still running after Stop()", round)
		}
		if n := len(sup.Channels()); n != 0 {
			t.Fatalf("round %d: channels after Stop() = %d", round, n)
		}
	}
}

func TestService_CloseAfterStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := testutil.NewHarness(t, nil, testutil.FastOptions())
	h.Start(t, ctx)
	openShared(t, ctx, h)

	if err := h.Service.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.Service.Leader() || h.Service.Supervisor().Running() {
		t.Error("replication still running after Close()")
	}
}

func TestSupervisor_OnlyLeaderOpensChannels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Two processes over one local store, one sync set file and one lock.
	store := testutil.NewTestStore(t)
	sets := kv.NewMemoryStore()
	elector := leader.NewMemoryElector()
	b := backend.NewMemoryBackend(nil)
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	newService := func() *fieldsync.Service {
		svc, err := fieldsync.NewService(fieldsync.Deps{
			Store:    store,
			Backend:  b,
			KV:       sets,
			Registry: registry,
			Elector:  elector,
			Session:  testutil.NewStubSession(true),
		}, testutil.FastOptions())
		if err != nil {
			t.Fatalf("NewService() error = %v", err)
		}
		t.Cleanup(func() { svc.Close() })
		return svc
	}
	a, c := newService(), newService()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return a.Leader() != c.Leader() }, "no single leader elected")
	lead, follower := a, c
	if c.Leader() {
		lead, follower = c, a
	}

	id, err := follower.CreateFile(ctx, true, nil)
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	res, err := follower.RequestOpen(ctx, id)
	if err != nil || res.State != fieldsync.Loaded {
		t.Fatalf("RequestOpen() through follower = %v, %v", res.State, err)
	}

	if err := follower.Supervisor().Reconfigure(ctx); err != nil {
		t.Fatalf("follower Reconfigure() error = %v", err)
	}
	if n := len(follower.Supervisor().Channels()); n != 0 {
		t.Errorf("follower channels = %d, want 0", n)
	}
	if n := len(lead.Supervisor().Channels()); n != len(fieldsync.Collections) {
		t.Errorf("leader channels = %d, want %d", n, len(fieldsync.Collections))
	}
}

func TestService_LeadershipLossStopsReplication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := testutil.NewHarness(t, nil, testutil.FastOptions())
	h.Start(t, ctx)
	openShared(t, ctx, h)

	if n := len(h.Service.Supervisor().Channels()); n != len(fieldsync.Collections) {
		t.Fatalf("channels = %d, want %d", n, len(fieldsync.Collections))
	}

	h.Elector.Revoke()
	// The service competes again and rebuilds the same channels.
	testutil.Eventually(t, 5*time.Second, func() bool {
		return h.Service.Leader() && len(h.Service.Supervisor().Channels()) == len(fieldsync.Collections)
	}, "replication not rebuilt after leadership returned")
}

func TestService_WatchdogReportsSynced(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := testutil.NewHarness(t, nil, testutil.FastOptions())

	updates, unsubscribe := h.Service.SubscribeWatchdog()
	defer unsubscribe()
	if s := <-updates; s.Started {
		t.Fatalf("initial status = %v, want not started", s)
	}

	h.Start(t, ctx)
	openShared(t, ctx, h)
	testutil.Eventually(t, 5*time.Second, func() bool {
		return h.Service.WatchdogStatus() == fieldsync.WatchdogStatus{Started: true, Synced: true}
	}, "watchdog never reported synced")

	st, err := h.Service.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Leader || len(st.OptedIn) != 1 || len(st.Ready) != 1 || len(st.Channels) != len(fieldsync.Collections) {
		t.Errorf("Status() = %+v", st)
	}
}

func TestService_WatchTeams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := testutil.NewHarness(t, nil, testutil.FastOptions())
	id, _ := h.Service.CreateFile(ctx, false, nil)

	w := h.Service.WatchTeams(ctx, id)
	defer w.Close()

	if got := <-w.Updates(); len(got) != 0 {
		t.Fatalf("initial teams = %+v", got)
	}
	team, err := h.Service.AddTeam(ctx, id, "Alpha")
	if err != nil {
		t.Fatalf("AddTeam() error = %v", err)
	}
	for {
		select {
		case got := <-w.Updates():
			if len(got) == 1 && got[0].ID == team.ID {
				return
			}
		case <-ctx.Done():
			t.Fatal("team never appeared in the watch")
		}
	}
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	if _, err := fieldsync.NewService(fieldsync.Deps{}, fieldsync.Options{}); err == nil {
		t.Fatal("NewService() expected error without collaborators")
	}
}
