package fieldsync

import (
	"context"
	"sync"
	"time"
)

// WatchdogStatus is the coarse sync health shown to users. Started is false
// when nothing replicates; Synced is only meaningful when Started.
type WatchdogStatus struct {
	Started bool `json:"started"`
	Synced  bool `json:"synced"`
}

func (s WatchdogStatus) String() string {
	switch {
	case !s.Started:
		return "not started"
	case s.Synced:
		return "synced"
	default:
		return "unsynced"
	}
}

// SyncAwaiter is anything that can block until it is caught up.
type SyncAwaiter interface {
	AwaitInSync(ctx context.Context) error
}

// AwaiterSource lists the awaiters the watchdog should watch right now.
type AwaiterSource interface {
	Awaiters() []SyncAwaiter
}

type WatchdogOptions struct {
	CycleInterval  time.Duration
	DowngradeAfter time.Duration
}

func DefaultWatchdogOptions() WatchdogOptions {
	return WatchdogOptions{
		CycleInterval:  250 * time.Millisecond,
		DowngradeAfter: time.Second,
	}
}

func (o WatchdogOptions) withDefaults() WatchdogOptions {
	d := DefaultWatchdogOptions()
	if o.CycleInterval <= 0 {
		o.CycleInterval = d.CycleInterval
	}
	if o.DowngradeAfter <= 0 {
		o.DowngradeAfter = d.DowngradeAfter
	}
	return o
}

// Watchdog repeatedly waits for every awaiter to be in sync. Each complete
// round reports synced and re-arms a downgrade timer; if no round completes
// before the timer fires, the status drops to unsynced.
type Watchdog struct {
	source AwaiterSource
	logger Logger
	opts   WatchdogOptions

	mu      sync.Mutex
	status  WatchdogStatus
	timer   *time.Timer
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[int]chan WatchdogStatus
	nextSub int
}

func NewWatchdog(source AwaiterSource, logger Logger, opts WatchdogOptions) *Watchdog {
	return &Watchdog{
		source: source,
		logger: logger,
		opts:   opts.withDefaults(),
		subs:   make(map[int]chan WatchdogStatus),
	}
}

// Start runs the watchdog until Stop or until ctx ends. Starting a running
// watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop ends the loop, clears any pending downgrade and reports not started.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	w.mu.Lock()
	w.clearTimerLocked()
	w.setLocked(WatchdogStatus{})
	w.mu.Unlock()
}

func (w *Watchdog) Status() WatchdogStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Subscribe streams status changes, starting with the current status. Slow
// readers only see the latest value.
func (w *Watchdog) Subscribe() (<-chan WatchdogStatus, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSub
	w.nextSub++
	ch := make(chan WatchdogStatus, 1)
	ch <- w.status
	w.subs[id] = ch
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

func (w *Watchdog) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		awaiters := w.source.Awaiters()
		if len(awaiters) == 0 {
			w.mu.Lock()
			w.clearTimerLocked()
			w.setLocked(WatchdogStatus{})
			w.mu.Unlock()
		} else {
			w.mu.Lock()
			if !w.status.Started {
				w.setLocked(WatchdogStatus{Started: true})
			}
			w.mu.Unlock()

			if w.awaitAll(ctx, awaiters) {
				w.mu.Lock()
				w.setLocked(WatchdogStatus{Started: true, Synced: true})
				w.armTimerLocked()
				w.mu.Unlock()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.CycleInterval):
		}
	}
}

// awaitAll reports whether every awaiter caught up. A closed channel counts
// as not caught up so the next cycle picks up the replacement set.
func (w *Watchdog) awaitAll(ctx context.Context, awaiters []SyncAwaiter) bool {
	results := make(chan error, len(awaiters))
	for _, a := range awaiters {
		go func(a SyncAwaiter) {
			results <- a.AwaitInSync(ctx)
		}(a)
	}
	ok := true
	for range awaiters {
		if err := <-results; err != nil {
			ok = false
		}
	}
	return ok
}

func (w *Watchdog) armTimerLocked() {
	w.clearTimerLocked()
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.opts.DowngradeAfter, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if gen != w.gen || !w.status.Started {
			return
		}
		w.logger.Debug("watchdog: no sync round completed in time, downgrading")
		w.setLocked(WatchdogStatus{Started: true})
	})
}

func (w *Watchdog) clearTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *Watchdog) setLocked(s WatchdogStatus) {
	if s == w.status {
		return
	}
	w.status = s
	for _, ch := range w.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
