package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"fieldsync-go/internal/fieldsync"
)

var (
	errNoObject = errors.New("object does not exist")
	errConflict = errors.New("object changed concurrently")
	errSkip     = errors.New("nothing to update")
)

const (
	// matchAbsent makes a conditional put fail if the object exists.
	matchAbsent = "*"

	// casAttempts bounds retries of a lost compare-and-swap.
	casAttempts = 16
)

// objectStore is the minimal key/value surface the object backend needs.
type objectStore interface {
	// Get returns the object and its etag, or errNoObject.
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Put writes the object. A non-empty match makes the write conditional on
	// the current etag (or matchAbsent) and fails with errConflict otherwise.
	Put(ctx context.Context, key string, data []byte, match string) error

	// List returns keys with prefix that sort after startAfter, in order.
	List(ctx context.Context, prefix, startAfter string) ([]string, error)
}

// locker is implemented by object stores that can serialise pushes.
type locker interface {
	lock(ctx context.Context) (func(), error)
}

// Sealer encrypts stored payloads.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// ObjectBackend keeps documents as objects in a flat key space:
//
//	meta/revision                          (revision counter, compare-and-swap)
//	docs/<collection>/<fileID>/<id>.json   (current merged document)
//	log/<collection>/<fileID>/<rev>-<id>   (document as of each revision)
//
// Pull lists the log of each cursor file after the cursor's revision, which
// is why revisions are zero-padded to sort lexically.
type ObjectBackend struct {
	store  objectStore
	sealer Sealer
	clock  fieldsync.Clock

	mu     sync.Mutex
	closed bool
	close  func() error
}

func newObjectBackend(store objectStore, sealer Sealer, clock fieldsync.Clock, close func() error) *ObjectBackend {
	if clock == nil {
		clock = fieldsync.RealClock{}
	}
	return &ObjectBackend{store: store, sealer: sealer, clock: clock, close: close}
}

func docKey(c fieldsync.Collection, fileID, id string) string {
	return path.Join("docs", string(c), fileID, id+".json")
}

func docPrefix(c fieldsync.Collection, fileID string) string {
	return path.Join("docs", string(c), fileID) + "/"
}

func logPrefix(c fieldsync.Collection, fileID string) string {
	return path.Join("log", string(c), fileID) + "/"
}

func logKey(c fieldsync.Collection, fileID string, rev int64, id string) string {
	return logPrefix(c, fileID) + revisionPart(rev) + "-" + id + ".json"
}

func revisionPart(rev int64) string {
	return fmt.Sprintf("%020d", rev)
}

const revisionKey = "meta/revision"

// Push merges each change into its document object and appends it to the
// file's log.
func (b *ObjectBackend) Push(ctx context.Context, c fieldsync.Collection, changes []fieldsync.Change) ([]fieldsync.PushAck, error) {
	if err := validate(c, changes); err != nil {
		return nil, err
	}
	if err := b.usable(); err != nil {
		return nil, err
	}
	if l, ok := b.store.(locker); ok {
		unlock, err := l.lock(ctx)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	acks := make([]fieldsync.PushAck, len(changes))
	for i, ch := range changes {
		doc, err := b.update(ctx, c, ch.FileID, ch.ID, nil, func(prev *fieldsync.Document, rev int64) *fieldsync.Document {
			return apply(prev, c, ch, rev, b.clock.Now())
		})
		if err != nil {
			return nil, fmt.Errorf("pushing %s/%s: %w", c, ch.ID, err)
		}
		acks[i] = fieldsync.PushAck{ID: ch.ID, Revision: doc.Revision}

		if c == fieldsync.Files && doc.Deleted {
			if err := b.cascade(ctx, doc.ID); err != nil {
				return nil, err
			}
		}
	}
	return acks, nil
}

// update reads, merges and conditionally rewrites one document, retrying
// when another writer got there first. It returns errSkip when skip rejects
// the stored document.
func (b *ObjectBackend) update(ctx context.Context, c fieldsync.Collection, fileID, id string, skip func(*fieldsync.Document) bool, merge func(*fieldsync.Document, int64) *fieldsync.Document) (*fieldsync.Document, error) {
	key := docKey(c, fileID, id)
	for range casAttempts {
		prev, etag, err := b.readDoc(ctx, key)
		if err != nil {
			return nil, err
		}
		if skip != nil && skip(prev) {
			return nil, errSkip
		}
		if etag == "" {
			etag = matchAbsent
		}
		rev, err := b.nextRevision(ctx)
		if err != nil {
			return nil, err
		}
		doc := merge(prev, rev)
		data, err := b.encode(doc)
		if err != nil {
			return nil, err
		}

		err = b.store.Put(ctx, key, data, etag)
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := b.store.Put(ctx, logKey(c, fileID, rev, id), data, ""); err != nil {
			return nil, fmt.Errorf("appending to log: %w", err)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("updating %s: %w", key, errConflict)
}

// cascade tombstones every live dependent of fileID.
func (b *ObjectBackend) cascade(ctx context.Context, fileID string) error {
	for _, dep := range fieldsync.Dependents {
		keys, err := b.store.List(ctx, docPrefix(dep, fileID), "")
		if err != nil {
			return fmt.Errorf("listing %s of %s: %w", dep, fileID, err)
		}
		for _, key := range keys {
			id := strings.TrimSuffix(path.Base(key), ".json")
			_, err := b.update(ctx, dep, fileID, id, func(prev *fieldsync.Document) bool {
				return prev == nil || prev.Deleted
			}, func(prev *fieldsync.Document, rev int64) *fieldsync.Document {
				return tombstone(prev, rev, b.clock.Now())
			})
			if errors.Is(err, errSkip) {
				continue
			}
			if err != nil {
				return fmt.Errorf("tombstoning %s/%s: %w", dep, id, err)
			}
		}
	}
	return nil
}

// nextRevision allocates a revision from the shared counter.
func (b *ObjectBackend) nextRevision(ctx context.Context) (int64, error) {
	for range casAttempts {
		data, etag, err := b.store.Get(ctx, revisionKey)
		var cur int64
		switch {
		case errors.Is(err, errNoObject):
			etag = matchAbsent
		case err != nil:
			return 0, fmt.Errorf("reading revision counter: %w", err)
		default:
			cur, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("corrupt revision counter: %w", err)
			}
		}

		next := cur + 1
		err = b.store.Put(ctx, revisionKey, []byte(strconv.FormatInt(next, 10)), etag)
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("writing revision counter: %w", err)
		}
		return next, nil
	}
	return 0, fmt.Errorf("allocating revision: %w", errConflict)
}

// Pull reads each cursor file's log after its cursor.
func (b *ObjectBackend) Pull(ctx context.Context, c fieldsync.Collection, cursors map[string]int64, limit int) (fieldsync.PullBatch, error) {
	if !c.Valid() {
		return fieldsync.PullBatch{}, fmt.Errorf("unknown collection %q", c)
	}
	if err := b.usable(); err != nil {
		return fieldsync.PullBatch{}, err
	}

	latest := make(map[string]*fieldsync.Document)
	for _, fileID := range sortedFiles(cursors) {
		prefix := logPrefix(c, fileID)
		keys, err := b.store.List(ctx, prefix, prefix+revisionPart(cursors[fileID])+"~")
		if err != nil {
			return fieldsync.PullBatch{}, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, key := range keys {
			doc, _, err := b.readDoc(ctx, key)
			if err != nil {
				return fieldsync.PullBatch{}, err
			}
			if doc == nil {
				continue
			}
			if prev, ok := latest[doc.ID]; !ok || doc.Revision > prev.Revision {
				latest[doc.ID] = doc
			}
		}
	}

	docs := make([]*fieldsync.Document, 0, len(latest))
	for _, d := range latest {
		docs = append(docs, d)
	}
	return page(docs, cursors, limit), nil
}

func (b *ObjectBackend) readDoc(ctx context.Context, key string) (*fieldsync.Document, string, error) {
	data, etag, err := b.store.Get(ctx, key)
	if errors.Is(err, errNoObject) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", key, err)
	}
	doc, err := b.decode(data)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", key, err)
	}
	return doc, etag, nil
}

func (b *ObjectBackend) encode(doc *fieldsync.Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	if b.sealer == nil {
		return data, nil
	}
	return b.sealer.Seal(data)
}

func (b *ObjectBackend) decode(data []byte) (*fieldsync.Document, error) {
	if b.sealer != nil {
		var err error
		if data, err = b.sealer.Open(data); err != nil {
			return nil, fmt.Errorf("opening sealed document: %w", err)
		}
	}
	var doc fieldsync.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return &doc, nil
}

func (b *ObjectBackend) usable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *ObjectBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.close != nil {
		return b.close()
	}
	return nil
}
