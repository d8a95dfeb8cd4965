package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ReplicationSupervisor owns the replication channels of one process. It
// only runs while holding a live LeaderToken and keeps exactly one channel
// per collection (8 in total: files plus its seven dependents), scoped to
// the shared files of the current OptedIn set.
type ReplicationSupervisor struct {
	store   DocumentStore
	backend Backend
	sets    *SyncSets
	logger  Logger
	opts    ReplicationOptions

	// reconfigure serialises Reconfigure, Start and Stop.
	reconfigure sync.Mutex

	mu       sync.Mutex
	token    LeaderToken
	runCtx   context.Context
	stopRun  context.CancelFunc
	runDone  chan struct{}
	channels map[Collection]*Channel
	caught   map[Collection]bool
	fileIDs  []string
}

func NewReplicationSupervisor(store DocumentStore, backend Backend, sets *SyncSets, logger Logger, opts ReplicationOptions) *ReplicationSupervisor {
	return &ReplicationSupervisor{
		store:    store,
		backend:  backend,
		sets:     sets,
		logger:   logger,
		opts:     opts.withDefaults(),
		channels: make(map[Collection]*Channel),
		caught:   make(map[Collection]bool),
	}
}

// Start begins replication under token. It reconfigures whenever OptedIn
// changes and stops by itself when leadership is lost.
func (s *ReplicationSupervisor) Start(ctx context.Context, token LeaderToken) error {
	if !tokenLive(token) {
		return ErrNotLeader
	}

	s.reconfigure.Lock()
	s.mu.Lock()
	if s.token != nil {
		s.mu.Unlock()
		s.reconfigure.Unlock()
		return fmt.Errorf("replication already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.token = token
	s.runCtx = runCtx
	s.stopRun = cancel
	s.runDone = make(chan struct{})
	done := s.runDone
	s.mu.Unlock()
	s.reconfigure.Unlock()

	changes, unsubscribe := s.sets.Subscribe()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		s.watchSets(runCtx, changes, token)
	}()
	go func() {
		defer wg.Done()
		s.forwardRemote(runCtx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	if err := s.Reconfigure(ctx); err != nil {
		s.logger.Warn("initial reconfigure failed", "error", err)
	}
	return nil
}

// Stop cancels every channel and gives up the token's use. The token itself
// is not released; its owner does that.
func (s *ReplicationSupervisor) Stop() {
	s.stop(nil)
}

// stop tears down the current run. With a non-nil token it only does so if
// that token is still the one in use.
func (s *ReplicationSupervisor) stop(only LeaderToken) {
	s.reconfigure.Lock()
	s.mu.Lock()
	if only != nil && s.token != only {
		s.mu.Unlock()
		s.reconfigure.Unlock()
		return
	}
	stop := s.stopRun
	done := s.runDone
	s.token = nil
	s.stopRun = nil
	s.runDone = nil
	s.mu.Unlock()
	s.cancelAll()
	s.reconfigure.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// Running reports whether the supervisor holds a live token.
func (s *ReplicationSupervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tokenLive(s.token)
}

// Reconfigure cancels all channels, re-reads OptedIn and opens one channel
// per collection for it. Without a live token it opens nothing.
func (s *ReplicationSupervisor) Reconfigure(ctx context.Context) error {
	s.reconfigure.Lock()
	defer s.reconfigure.Unlock()

	s.cancelAll()

	s.mu.Lock()
	token, runCtx := s.token, s.runCtx
	s.mu.Unlock()
	if !tokenLive(token) {
		s.logger.Debug("reconfigure skipped: not leader")
		return nil
	}

	fileIDs, err := s.sets.OptedIn(ctx)
	if err != nil {
		return fmt.Errorf("reading opted-in files: %w", err)
	}
	if fileIDs, err = s.replicable(ctx, fileIDs); err != nil {
		return err
	}
	if len(fileIDs) == 0 {
		s.logger.Debug("reconfigure: no files opted in")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileIDs = slices.Clone(fileIDs)
	s.caught = make(map[Collection]bool, len(Collections))
	for _, c := range Collections {
		ch := newChannel(c, fileIDs, s.store, s.backend, s.logger, s.opts, s.caughtUp)
		s.channels[c] = ch
		ch.start(runCtx)
	}
	s.logger.Info("replication configured", "files", len(fileIDs), "channels", len(s.channels))
	return nil
}

// replicable drops files whose local record keeps them on this device.
// Files not known locally yet stay, since they can only arrive shared.
func (s *ReplicationSupervisor) replicable(ctx context.Context, fileIDs []string) ([]string, error) {
	out := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		doc, err := s.store.Get(ctx, Files, id)
		if err != nil {
			return nil, fmt.Errorf("loading file %s: %w", id, err)
		}
		if isLocalFile(doc) {
			s.logger.Warn("local file is opted in, not replicating it", "file", id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// FileIDs returns the files the current channels replicate.
func (s *ReplicationSupervisor) FileIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.fileIDs)
}

// Channels returns the live channels in collection order.
func (s *ReplicationSupervisor) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Channel, 0, len(s.channels))
	for _, c := range Collections {
		if ch, ok := s.channels[c]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Awaiters implements AwaiterSource for the watchdog.
func (s *ReplicationSupervisor) Awaiters() []SyncAwaiter {
	chs := s.Channels()
	out := make([]SyncAwaiter, len(chs))
	for i, ch := range chs {
		out[i] = ch
	}
	return out
}

// Flush waits until every live channel is in sync.
func (s *ReplicationSupervisor) Flush(ctx context.Context) error {
	for _, ch := range s.Channels() {
		if err := ch.AwaitInSync(ctx); err != nil {
			return fmt.Errorf("flushing %s: %w", ch.Collection(), err)
		}
	}
	return nil
}

// PushFileTombstones pushes pending tombstones of shared files right away,
// so a deletion reaches the backend even when no channel is open. Failures
// leave the tombstones pending for the next files channel.
func (s *ReplicationSupervisor) PushFileTombstones(ctx context.Context) error {
	if !s.Running() {
		return ErrNotLeader
	}
	tombstones, err := s.store.PendingPush(ctx, Files, Query{OnlyDeleted: true})
	if err != nil {
		return fmt.Errorf("listing file tombstones: %w", err)
	}
	docs := sharedOnly(tombstones)
	if len(docs) == 0 {
		return nil
	}
	if _, err := pushDocuments(ctx, s.store, s.backend, Files, docs, s.opts.BatchSize); err != nil {
		return fmt.Errorf("pushing file tombstones: %w", err)
	}
	return nil
}

// cancelAll cancels every channel in parallel. A channel that fails to stop
// does not block the others.
func (s *ReplicationSupervisor) cancelAll() {
	s.mu.Lock()
	old := s.channels
	s.channels = make(map[Collection]*Channel)
	s.caught = make(map[Collection]bool)
	s.fileIDs = nil
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range old {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			ch.Cancel()
		}(ch)
	}
	wg.Wait()
}

// caughtUp marks the generation's files Ready once every collection has
// caught up. Callbacks from cancelled channels are ignored.
func (s *ReplicationSupervisor) caughtUp(ch *Channel) {
	s.mu.Lock()
	if s.channels[ch.Collection()] != ch {
		s.mu.Unlock()
		return
	}
	s.caught[ch.Collection()] = true
	for _, c := range Collections {
		if !s.caught[c] {
			s.mu.Unlock()
			return
		}
	}
	fileIDs := ch.FileIDs()
	s.mu.Unlock()

	ctx := context.Background()
	ready, err := s.sets.Ready(ctx)
	if err != nil {
		s.logger.Warn("reading ready files", "error", err)
		return
	}
	for _, id := range fileIDs {
		if slices.Contains(ready, id) {
			continue
		}
		if err := s.sets.MarkReady(ctx, id); err != nil {
			s.logger.Warn("marking file ready", "file", id, "error", err)
			continue
		}
		s.logger.Info("file ready", "file", id)
	}
}

func (s *ReplicationSupervisor) watchSets(ctx context.Context, changes <-chan struct{}, token LeaderToken) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-token.Lost():
			s.logger.Warn("leadership lost, stopping replication")
			go s.stop(token)
			return
		case <-changes:
			if err := s.Reconfigure(ctx); err != nil {
				s.logger.Warn("reconfigure failed", "error", err)
			}
		}
	}
}

// forwardRemote pokes channels when the backend announces changes, and
// resubscribes with backoff when the stream breaks.
func (s *ReplicationSupervisor) forwardRemote(ctx context.Context) {
	notifier, ok := s.backend.(ChangeNotifier)
	if !ok {
		return
	}
	attempt := 0
	for {
		events, err := notifier.Subscribe(ctx)
		if err == nil {
			attempt = 0
			for c := range events {
				s.mu.Lock()
				ch := s.channels[c]
				s.mu.Unlock()
				if ch != nil {
					ch.notifyRemote()
				}
			}
		} else if !errors.Is(err, context.Canceled) {
			s.logger.Debug("change stream unavailable", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff(s.opts.BackoffBase, s.opts.BackoffMax, attempt)):
		}
	}
}
