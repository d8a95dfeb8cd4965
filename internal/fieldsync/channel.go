package fieldsync

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"fieldsync-go/internal/model"
)

// ReplicationOptions tunes every replication channel.
type ReplicationOptions struct {
	BatchSize    int           // documents per push or pull request
	PollInterval time.Duration // live-mode poll when no change notification arrives
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// DefaultReplicationOptions returns the options used when fields are zero.
func DefaultReplicationOptions() ReplicationOptions {
	return ReplicationOptions{
		BatchSize:    100,
		PollInterval: 2 * time.Second,
		BackoffBase:  250 * time.Millisecond,
		BackoffMax:   30 * time.Second,
	}
}

func (o ReplicationOptions) withDefaults() ReplicationOptions {
	d := DefaultReplicationOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	return o
}

// ChannelStats summarises what a channel has transferred.
type ChannelStats struct {
	Pushed    int
	Pulled    int
	Errors    int
	LastSync  time.Time
	LastError string
}

// Channel replicates one collection for a fixed set of files. It pushes dirty
// local documents, pulls remote revisions until caught up, then waits for a
// local change, a remote notification or the poll interval. Failures are
// reported on Errors and retried with exponential backoff.
type Channel struct {
	collection Collection
	fileIDs    []string
	store      DocumentStore
	backend    Backend
	logger     Logger
	opts       ReplicationOptions
	onCaughtUp func(*Channel)

	remote chan struct{}
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	inSync bool
	synced chan struct{} // closed while in sync
	stats  ChannelStats
}

func newChannel(c Collection, fileIDs []string, store DocumentStore, backend Backend, logger Logger, opts ReplicationOptions, onCaughtUp func(*Channel)) *Channel {
	return &Channel{
		collection: c,
		fileIDs:    slices.Clone(fileIDs),
		store:      store,
		backend:    backend,
		logger:     logger,
		opts:       opts.withDefaults(),
		onCaughtUp: onCaughtUp,
		remote:     make(chan struct{}, 1),
		errs:       make(chan error, 16),
		done:       make(chan struct{}),
		synced:     make(chan struct{}),
	}
}

func (ch *Channel) Collection() Collection { return ch.collection }

// FileIDs returns the files this channel replicates.
func (ch *Channel) FileIDs() []string { return slices.Clone(ch.fileIDs) }

// Errors streams replication failures. Errors are dropped when nobody reads.
func (ch *Channel) Errors() <-chan error { return ch.errs }

// Done is closed once the channel has stopped.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

func (ch *Channel) Stats() ChannelStats {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stats
}

// InSync reports whether the last cycle finished with nothing left to push or pull.
func (ch *Channel) InSync() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.inSync
}

// AwaitInSync blocks until the channel is in sync. It returns
// ErrChannelClosed once the channel was cancelled.
func (ch *Channel) AwaitInSync(ctx context.Context) error {
	select {
	case <-ch.done:
		return ErrChannelClosed
	default:
	}
	ch.mu.Lock()
	synced := ch.synced
	ch.mu.Unlock()

	select {
	case <-synced:
		return nil
	case <-ch.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *Channel) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	ch.cancel = cancel
	go ch.run(ctx)
}

// Cancel stops the channel and waits for its loop to exit.
func (ch *Channel) Cancel() {
	if ch.cancel != nil {
		ch.cancel()
	}
	<-ch.done
}

func (ch *Channel) notifyRemote() {
	select {
	case ch.remote <- struct{}{}:
	default:
	}
}

func (ch *Channel) run(ctx context.Context) {
	defer close(ch.done)
	local, unsubscribe := ch.store.Changes(ch.collection)
	defer unsubscribe()

	attempt := 0
	for {
		err := ch.cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			attempt++
			ch.fail(err)
			timer := time.NewTimer(backoff(ch.opts.BackoffBase, ch.opts.BackoffMax, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		attempt = 0
		timer := time.NewTimer(ch.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-local:
			ch.setInSync(false)
		case <-ch.remote:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (ch *Channel) cycle(ctx context.Context) error {
	pushed, err := ch.push(ctx)
	if err != nil {
		return fmt.Errorf("pushing %s: %w", ch.collection, err)
	}
	pulled, err := ch.pull(ctx)
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ch.collection, err)
	}

	pending, err := ch.pending(ctx)
	if err != nil {
		return fmt.Errorf("checking pending %s: %w", ch.collection, err)
	}

	ch.mu.Lock()
	ch.stats.Pushed += pushed
	ch.stats.Pulled += pulled
	ch.stats.LastSync = time.Now()
	ch.mu.Unlock()

	if len(pending) > 0 {
		ch.setInSync(false)
		return nil
	}
	ch.setInSync(true)
	if ch.onCaughtUp != nil {
		ch.onCaughtUp(ch)
	}
	return nil
}

// pending returns the documents this channel must push. The files channel
// only pushes shared files, and also pushes tombstones of shared files that
// are no longer opted in so the backend can cascade their removal.
func (ch *Channel) pending(ctx context.Context) ([]*Document, error) {
	docs, err := ch.store.PendingPush(ctx, ch.collection, Query{FileIDs: ch.fileIDs})
	if err != nil {
		return nil, err
	}
	if ch.collection != Files {
		return docs, nil
	}
	tombstones, err := ch.store.PendingPush(ctx, Files, Query{OnlyDeleted: true})
	if err != nil {
		return nil, err
	}
	return sharedOnly(docs, tombstones), nil
}

func (ch *Channel) push(ctx context.Context) (int, error) {
	docs, err := ch.pending(ctx)
	if err != nil {
		return 0, err
	}
	return pushDocuments(ctx, ch.store, ch.backend, ch.collection, docs, ch.opts.BatchSize)
}

func (ch *Channel) pull(ctx context.Context) (int, error) {
	if len(ch.fileIDs) == 0 {
		return 0, nil
	}
	cursors, err := ch.store.Cursors(ctx, ch.collection, ch.fileIDs)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		batch, err := ch.backend.Pull(ctx, ch.collection, cursors, ch.opts.BatchSize)
		if err != nil {
			return total, err
		}
		if err := ch.store.ApplyPulled(ctx, ch.collection, batch.Documents, batch.Cursors); err != nil {
			return total, err
		}
		total += len(batch.Documents)
		for id, rev := range batch.Cursors {
			if rev > cursors[id] {
				cursors[id] = rev
			}
		}
		if !batch.More {
			return total, nil
		}
	}
}

func (ch *Channel) setInSync(v bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if v == ch.inSync {
		return
	}
	ch.inSync = v
	if v {
		close(ch.synced)
	} else {
		ch.synced = make(chan struct{})
	}
}

func (ch *Channel) fail(err error) {
	ch.setInSync(false)
	ch.mu.Lock()
	ch.stats.Errors++
	ch.stats.LastError = err.Error()
	ch.mu.Unlock()

	ch.logger.Warn("replication error", "collection", ch.collection, "error", err)
	select {
	case ch.errs <- err:
	default:
	}
}

// pushDocuments sends docs in batches and records the acknowledged revisions.
func pushDocuments(ctx context.Context, store DocumentStore, backend Backend, c Collection, docs []*Document, batchSize int) (int, error) {
	pushed := 0
	for batch := range slices.Chunk(docs, max(batchSize, 1)) {
		changes := make([]Change, len(batch))
		seqs := make(map[string]int64, len(batch))
		for i, d := range batch {
			changes[i] = changeFor(d)
			seqs[d.ID] = d.LocalSeq
		}

		acks, err := backend.Push(ctx, c, changes)
		if err != nil {
			return pushed, err
		}
		for i := range acks {
			acks[i].LocalSeq = seqs[acks[i].ID]
		}
		if err := store.MarkPushed(ctx, c, acks); err != nil {
			return pushed, err
		}
		pushed += len(acks)
	}
	return pushed, nil
}

func changeFor(d *Document) Change {
	ch := Change{ID: d.ID, FileID: d.FileID, SchemaVersion: d.SchemaVersion}
	if d.Deleted {
		ch.Deleted = true
		return ch
	}
	if slices.Contains(d.Dirty, AllFields) {
		ch.Fields = CloneData(d.Data)
		return ch
	}
	ch.Fields = make(map[string]any, len(d.Dirty))
	for _, f := range d.Dirty {
		ch.Fields[f] = d.Data[f]
	}
	return ch
}

// isLocalFile reports whether doc is a file that never leaves this device.
func isLocalFile(doc *Document) bool {
	return doc != nil && doc.String("storageClass") != string(model.StorageShared)
}

func sharedOnly(lists ...[]*Document) []*Document {
	seen := make(map[string]bool)
	var out []*Document
	for _, docs := range lists {
		for _, d := range docs {
			if seen[d.ID] || d.String("storageClass") != string(model.StorageShared) {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}
	return out
}

// backoff returns the delay before retry attempt n (1-based), with up to 20%
// jitter, capped at limit.
func backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return min(d-d/10+jitter, limit)
}
