package database

import (
	"sync"

	"fieldsync-go/internal/fieldsync"
)

// changeHub fans out per-collection change notifications. Each subscriber
// channel has a buffer of one, so bursts of writes coalesce into a single
// wake-up.
type changeHub struct {
	mu   sync.Mutex
	next int
	subs map[fieldsync.Collection]map[int]chan struct{}
}

func newChangeHub() *changeHub {
	return &changeHub{subs: make(map[fieldsync.Collection]map[int]chan struct{})}
}

func (h *changeHub) subscribe(c fieldsync.Collection) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan struct{}, 1)
	if h.subs[c] == nil {
		h.subs[c] = make(map[int]chan struct{})
	}
	h.subs[c][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[c], id)
		})
	}
}

func (h *changeHub) notify(c fieldsync.Collection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[c] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
