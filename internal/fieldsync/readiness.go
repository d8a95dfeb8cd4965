package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync-go/internal/model"
)

// OpenState is a state of the open-file protocol.
type OpenState int

const (
	Unloaded OpenState = iota
	AuthPending
	OptIn
	PollUntilReady
	Loaded
	NotFound
	Unauthenticated
)

var openStateNames = [...]string{
	Unloaded:        "unloaded",
	AuthPending:     "auth-pending",
	OptIn:           "opt-in",
	PollUntilReady:  "poll-until-ready",
	Loaded:          "loaded",
	NotFound:        "not-found",
	Unauthenticated: "unauthenticated",
}

func (s OpenState) String() string {
	if s < 0 || int(s) >= len(openStateNames) {
		return fmt.Sprintf("OpenState(%d)", int(s))
	}
	return openStateNames[s]
}

// Terminal reports whether s ends the protocol.
func (s OpenState) Terminal() bool {
	return s == Loaded || s == NotFound || s == Unauthenticated
}

// OpenResult is the outcome of RequestOpen. Trace lists every state entered
// after Unloaded, in order.
type OpenResult struct {
	FileID string
	State  OpenState
	Trace  []OpenState
	File   *model.File
}

type ReadinessOptions struct {
	PollInterval     time.Duration
	ReadyTimeout     time.Duration // 0 waits until cancelled
	AuthWait         time.Duration
	AuthPollInterval time.Duration
}

func DefaultReadinessOptions() ReadinessOptions {
	return ReadinessOptions{
		PollInterval:     500 * time.Millisecond,
		AuthWait:         10 * time.Second,
		AuthPollInterval: 100 * time.Millisecond,
	}
}

func (o ReadinessOptions) withDefaults() ReadinessOptions {
	d := DefaultReadinessOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.AuthWait <= 0 {
		o.AuthWait = d.AuthWait
	}
	if o.AuthPollInterval <= 0 {
		o.AuthPollInterval = d.AuthPollInterval
	}
	if o.ReadyTimeout < 0 {
		o.ReadyTimeout = 0
	}
	return o
}

// Opener gates opening a file on its initial sync. A new request for a file
// supersedes the outstanding one, so there is at most one poller per file.
type Opener struct {
	store    DocumentStore
	registry SchemaRegistry
	sets     *SyncSets
	session  SessionChecker
	logger   Logger
	opts     ReadinessOptions

	mu      sync.Mutex
	pending map[string]*openRequest
}

type openRequest struct {
	cancel context.CancelCauseFunc
}

func NewOpener(store DocumentStore, registry SchemaRegistry, sets *SyncSets, session SessionChecker, logger Logger, opts ReadinessOptions) *Opener {
	return &Opener{
		store:    store,
		registry: registry,
		sets:     sets,
		session:  session,
		logger:   logger,
		opts:     opts.withDefaults(),
		pending:  make(map[string]*openRequest),
	}
}

// RequestOpen drives fileID to a terminal state. Loaded, NotFound and
// Unauthenticated are results, not errors. It returns ErrSuperseded when a
// newer request for the same file replaced this one and ErrSyncTimeout when
// ReadyTimeout elapsed first.
func (o *Opener) RequestOpen(ctx context.Context, fileID string) (OpenResult, error) {
	ctx, req := o.register(ctx, fileID)
	defer o.unregister(fileID, req)

	res := OpenResult{FileID: fileID}
	enter := func(s OpenState) {
		res.State = s
		res.Trace = append(res.Trace, s)
		o.logger.Debug("open", "file", fileID, "state", s.String())
	}

	file, err := o.loadFile(ctx, fileID)
	if err != nil {
		return res, o.cause(ctx, err)
	}
	if file != nil && !file.Shared() {
		enter(Loaded)
		res.File = file
		return res, nil
	}

	enter(AuthPending)
	authed, err := o.awaitSession(ctx)
	if err != nil {
		return res, o.cause(ctx, err)
	}
	if !authed {
		enter(Unauthenticated)
		return res, nil
	}

	ready, err := o.sets.IsReady(ctx, fileID)
	if err != nil {
		return res, err
	}
	if !ready {
		optedIn, err := o.sets.IsOptedIn(ctx, fileID)
		if err != nil {
			return res, err
		}
		if !optedIn {
			enter(OptIn)
			if err := o.sets.OptIn(ctx, fileID); err != nil {
				return res, fmt.Errorf("opting in %s: %w", fileID, err)
			}
		}
		enter(PollUntilReady)
		if err := o.pollReady(ctx, fileID); err != nil {
			return res, o.cause(ctx, err)
		}
	}

	file, err = o.loadFile(ctx, fileID)
	if err != nil {
		return res, o.cause(ctx, err)
	}
	if file == nil {
		enter(NotFound)
		if err := o.sets.RemoveFromBothSets(ctx, fileID); err != nil {
			o.logger.Warn("dropping missing file from sync sets", "file", fileID, "error", err)
		}
		return res, nil
	}
	enter(Loaded)
	res.File = file
	return res, nil
}

// RequestSync opts fileID in without waiting for it. Local files are
// ignored: they never replicate.
func (o *Opener) RequestSync(ctx context.Context, fileID string) {
	file, err := o.loadFile(ctx, fileID)
	if err != nil {
		o.logger.Warn("requesting sync", "file", fileID, "error", err)
		return
	}
	if file != nil && !file.Shared() {
		o.logger.Debug("not opting in local file", "file", fileID)
		return
	}
	if err := o.sets.OptIn(ctx, fileID); err != nil {
		o.logger.Warn("requesting sync", "file", fileID, "error", err)
	}
}

// Pending reports the files with an outstanding open request.
func (o *Opener) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Opener) register(ctx context.Context, fileID string) (context.Context, *openRequest) {
	ctx, cancel := context.WithCancelCause(ctx)
	req := &openRequest{cancel: cancel}

	o.mu.Lock()
	prev := o.pending[fileID]
	o.pending[fileID] = req
	o.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrSuperseded)
	}
	return ctx, req
}

func (o *Opener) unregister(fileID string, req *openRequest) {
	o.mu.Lock()
	if o.pending[fileID] == req {
		delete(o.pending, fileID)
	}
	o.mu.Unlock()
	req.cancel(context.Canceled)
}

func (o *Opener) loadFile(ctx context.Context, fileID string) (*model.File, error) {
	doc, err := o.store.Get(ctx, Files, fileID)
	if err != nil {
		return nil, fmt.Errorf("loading file %s: %w", fileID, err)
	}
	if doc == nil {
		return nil, nil
	}
	if doc, err = upgradeDocument(o.registry, doc); err != nil {
		return nil, fmt.Errorf("loading file %s: %w", fileID, err)
	}
	return Decode[model.File](doc)
}

func (o *Opener) awaitSession(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(o.opts.AuthWait)
	ticker := time.NewTicker(o.opts.AuthPollInterval)
	defer ticker.Stop()
	for {
		ok, err := o.session.Authenticated(ctx)
		if err != nil {
			o.logger.Warn("checking session", "error", err)
		} else if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Opener) pollReady(ctx context.Context, fileID string) error {
	if o.opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.opts.ReadyTimeout, ErrSyncTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	for {
		ready, err := o.sets.IsReady(ctx, fileID)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// cause prefers the reason the request was cancelled over the bare
// context error.
func (o *Opener) cause(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if c := context.Cause(ctx); c != nil {
			return c
		}
	}
	return err
}
