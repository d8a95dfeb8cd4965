package backend

import (
	"context"
	"fmt"
	"sync"

	"fieldsync-go/internal/fieldsync"
)

// MemoryBackend is an in-memory implementation of the Backend interface.
// Several services can share one instance to simulate devices replicating
// through a server. This implementation is safe for concurrent use.
type MemoryBackend struct {
	clock fieldsync.Clock

	mu       sync.Mutex
	revision int64
	docs     map[fieldsync.Collection]map[string]*fieldsync.Document
	subs     broadcaster
	pushes   int
	closed   bool
}

// NewMemoryBackend creates an empty backend. A nil clock uses the wall clock.
func NewMemoryBackend(clock fieldsync.Clock) *MemoryBackend {
	if clock == nil {
		clock = fieldsync.RealClock{}
	}
	docs := make(map[fieldsync.Collection]map[string]*fieldsync.Document, len(fieldsync.Collections))
	for _, c := range fieldsync.Collections {
		docs[c] = make(map[string]*fieldsync.Document)
	}
	return &MemoryBackend{clock: clock, docs: docs}
}

// Push merges changes into the stored documents.
func (m *MemoryBackend) Push(ctx context.Context, c fieldsync.Collection, changes []fieldsync.Change) ([]fieldsync.PushAck, error) {
	if err := validate(c, changes); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	now := m.clock.Now()
	touched := []fieldsync.Collection{c}
	acks := make([]fieldsync.PushAck, len(changes))
	for i, ch := range changes {
		m.revision++
		doc := apply(m.docs[c][ch.ID], c, ch, m.revision, now)
		m.docs[c][ch.ID] = doc
		acks[i] = fieldsync.PushAck{ID: ch.ID, Revision: doc.Revision}

		if c == fieldsync.Files && doc.Deleted {
			touched = append(touched, m.cascadeLocked(doc.ID)...)
		}
	}
	m.pushes++
	m.subs.notify(touched...)
	return acks, nil
}

// cascadeLocked tombstones every live dependent of fileID.
func (m *MemoryBackend) cascadeLocked(fileID string) []fieldsync.Collection {
	var touched []fieldsync.Collection
	now := m.clock.Now()
	for _, dep := range fieldsync.Dependents {
		n := 0
		for id, d := range m.docs[dep] {
			if d.FileID != fileID || d.Deleted {
				continue
			}
			m.revision++
			m.docs[dep][id] = tombstone(d, m.revision, now)
			n++
		}
		if n > 0 {
			touched = append(touched, dep)
		}
	}
	return touched
}

// Pull returns documents of the cursor files newer than their cursors.
func (m *MemoryBackend) Pull(ctx context.Context, c fieldsync.Collection, cursors map[string]int64, limit int) (fieldsync.PullBatch, error) {
	if !c.Valid() {
		return fieldsync.PullBatch{}, fmt.Errorf("unknown collection %q", c)
	}
	if err := ctx.Err(); err != nil {
		return fieldsync.PullBatch{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fieldsync.PullBatch{}, ErrClosed
	}

	var out []*fieldsync.Document
	for _, d := range m.docs[c] {
		cursor, ok := cursors[d.FileID]
		if !ok || d.Revision <= cursor {
			continue
		}
		out = append(out, d.Clone())
	}
	return page(out, cursors, limit), nil
}

// Subscribe announces every collection a push touches.
func (m *MemoryBackend) Subscribe(ctx context.Context) (<-chan fieldsync.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch := m.subs.add()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.subs.remove(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Get returns a stored document, tombstones included, or nil.
func (m *MemoryBackend) Get(c fieldsync.Collection, id string) *fieldsync.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[c][id]
	if !ok {
		return nil
	}
	return d.Clone()
}

// Count returns the number of live documents in c.
func (m *MemoryBackend) Count(c fieldsync.Collection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.docs[c] {
		if !d.Deleted {
			n++
		}
	}
	return n
}

// Pushes returns the number of accepted push calls.
func (m *MemoryBackend) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subs.subs {
		m.subs.remove(ch)
	}
	return nil
}
