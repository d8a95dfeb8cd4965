package fieldsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Deps are the collaborators a Service is built from.
type Deps struct {
	Store    DocumentStore
	Backend  Backend
	KV       KeyValue
	Registry SchemaRegistry
	Elector  LeaderElector
	Session  SessionChecker
	Logger   Logger
	Clock    Clock
	IDs      IDGenerator
}

// Options tunes the background machinery. Zero values select defaults.
type Options struct {
	Replication ReplicationOptions
	Readiness   ReadinessOptions
	Watchdog    WatchdogOptions
}

// Service is the operation surface of the replication layer: opening files,
// lifecycle cascades, entity mutations and reactive queries.
type Service struct {
	store      DocumentStore
	registry   SchemaRegistry
	elector    LeaderElector
	logger     Logger
	clock      Clock
	ids        IDGenerator
	sets       *SyncSets
	supervisor *ReplicationSupervisor
	watchdog   *Watchdog
	opener     *Opener

	mu      sync.Mutex
	token   LeaderToken
	runCtx  context.Context
	stopRun context.CancelFunc
	runDone chan struct{}
}

func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("fieldsync: store is required")
	case deps.Backend == nil:
		return nil, errors.New("fieldsync: backend is required")
	case deps.KV == nil:
		return nil, errors.New("fieldsync: key-value store is required")
	case deps.Registry == nil:
		return nil, errors.New("fieldsync: schema registry is required")
	case deps.Elector == nil:
		return nil, errors.New("fieldsync: leader elector is required")
	case deps.Session == nil:
		return nil, errors.New("fieldsync: session checker is required")
	}
	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.IDs == nil {
		deps.IDs = UUIDGenerator{}
	}

	sets := NewSyncSets(deps.KV, deps.Logger)
	supervisor := NewReplicationSupervisor(deps.Store, deps.Backend, sets, deps.Logger, opts.Replication)
	return &Service{
		store:      deps.Store,
		registry:   deps.Registry,
		elector:    deps.Elector,
		logger:     deps.Logger,
		clock:      deps.Clock,
		ids:        deps.IDs,
		sets:       sets,
		supervisor: supervisor,
		watchdog:   NewWatchdog(supervisor, deps.Logger, opts.Watchdog),
		opener:     NewOpener(deps.Store, deps.Registry, sets, deps.Session, deps.Logger, opts.Readiness),
	}, nil
}

func (s *Service) Sets() *SyncSets { return s.sets }
func (s *Service) Supervisor() *ReplicationSupervisor { return s.supervisor }
func (s *Service) Store() DocumentStore { return s.store }
func (s *Service) WatchdogStatus() WatchdogStatus { return s.watchdog.Status() }

// SubscribeWatchdog streams watchdog status changes.
func (s *Service) SubscribeWatchdog() (<-chan WatchdogStatus, func()) {
	return s.watchdog.Subscribe()
}

// Start launches the background machinery: the sync set watch, the
// watchdog, and a loop that competes for leadership and drives replication
// while it holds it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopRun != nil {
		s.mu.Unlock()
		return errors.New("fieldsync: service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.stopRun = cancel
	s.runDone = make(chan struct{})
	done := s.runDone
	s.mu.Unlock()

	if err := s.sets.Watch(runCtx); err != nil {
		s.logger.Warn("watching sync sets", "error", err)
	}
	s.watchdog.Start(runCtx)
	go func() {
		defer close(done)
		s.lead(runCtx)
	}()
	s.logger.Info("service started")
	return nil
}

// Close stops replication, releases leadership and stops the watchdog.
func (s *Service) Close() error {
	s.mu.Lock()
	stop, done := s.stopRun, s.runDone
	s.stopRun, s.runDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.watchdog.Stop()
	s.supervisor.Stop()
	s.logger.Info("service stopped")
	return nil
}

// Leader reports whether this process currently drives replication.
func (s *Service) Leader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tokenLive(s.token)
}

// RequestOpen resolves fileID to Loaded, NotFound or Unauthenticated,
// waiting for its initial sync when the file is shared.
func (s *Service) RequestOpen(ctx context.Context, fileID string) (OpenResult, error) {
	return s.opener.RequestOpen(ctx, fileID)
}

// RequestSync opts fileID in without waiting.
func (s *Service) RequestSync(ctx context.Context, fileID string) {
	s.opener.RequestSync(ctx, fileID)
}

// Status is a point-in-time summary for display.
type Status struct {
	Leader   bool
	Degraded bool
	OptedIn  []string
	Ready    []string
	Watchdog WatchdogStatus
	Channels map[Collection]ChannelStats
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	optedIn, err := s.sets.OptedIn(ctx)
	if err != nil {
		return Status{}, err
	}
	ready, err := s.sets.Ready(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Leader:   s.Leader(),
		Degraded: s.sets.Degraded(),
		OptedIn:  optedIn,
		Ready:    ready,
		Watchdog: s.watchdog.Status(),
		Channels: make(map[Collection]ChannelStats),
	}
	for _, ch := range s.supervisor.Channels() {
		st.Channels[ch.Collection()] = ch.Stats()
	}
	return st, nil
}

func (s *Service) lead(ctx context.Context) {
	attempt := 0
	for {
		token, err := s.elector.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			s.logger.Warn("acquiring leadership", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff(250*time.Millisecond, 30*time.Second, attempt)):
			}
			continue
		}
		attempt = 0

		s.mu.Lock()
		s.token = token
		s.mu.Unlock()
		s.logger.Info("acquired replication leadership")

		if err := s.supervisor.Start(ctx, token); err != nil {
			s.logger.Error("starting replication", "error", err)
		}

		select {
		case <-ctx.Done():
			s.supervisor.Stop()
			s.dropToken(token)
			return
		case <-token.Lost():
			s.logger.Warn("replication leadership lost")
			s.supervisor.Stop()
			s.dropToken(token)
		}
	}
}

func (s *Service) dropToken(token LeaderToken) {
	s.mu.Lock()
	if s.token == token {
		s.token = nil
	}
	s.mu.Unlock()
	if err := token.Release(); err != nil {
		s.logger.Warn("releasing leadership", "error", err)
	}
}

func (s *Service) currentToken() (LeaderToken, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.runCtx
}

// fanOut runs fn for every collection concurrently. Every collection is
// attempted; failures are logged and returned together as a CascadeError.
func (s *Service) fanOut(ctx context.Context, op, fileID string, cols []Collection, fn func(context.Context, Collection) (int, error)) (map[Collection]int, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		counts   = make(map[Collection]int, len(cols))
		failures = make(map[Collection]error)
	)
	for _, c := range cols {
		wg.Add(1)
		go func(c Collection) {
			defer wg.Done()
			n, err := fn(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[c] = err
				s.logger.Warn(op+" failed for collection", "file", fileID, "collection", c, "error", err)
				return
			}
			counts[c] = n
		}(c)
	}
	wg.Wait()
	if len(failures) > 0 {
		return counts, &CascadeError{Op: op, FileID: fileID, Failures: failures}
	}
	return counts, nil
}
