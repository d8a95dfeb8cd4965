package fieldsync

import (
	"context"
	"slices"
	"sync"
)

// Persisted keys of the sync set store.
const (
	KeyOptedIn       = "optedInFileIds"
	KeyReady         = "readyFileIds"
	lastTabKeyPrefix = "lastTab:"
)

// SyncSets tracks which shared files this device synchronises (OptedIn) and
// which have completed their initial sync (Ready). Every mutation re-reads
// the persisted value before writing. If persistence fails the sets keep
// working in memory for the rest of the session.
type SyncSets struct {
	kv     KeyValue
	logger Logger

	mu       sync.Mutex
	degraded bool
	mem      map[string][]string
	tabs     map[string]string
	lastOpt  []string
	subs     map[int]chan struct{}
	nextSub  int
	watching bool
}

func NewSyncSets(kv KeyValue, logger Logger) *SyncSets {
	return &SyncSets{
		kv:     kv,
		logger: logger,
		mem:    make(map[string][]string),
		tabs:   make(map[string]string),
		subs:   make(map[int]chan struct{}),
	}
}

// Degraded reports whether the sets fell back to memory.
func (s *SyncSets) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// OptedIn returns the persisted OptedIn set, sorted.
func (s *SyncSets) OptedIn(ctx context.Context) ([]string, error) {
	return s.read(KeyOptedIn), nil
}

// Ready returns the persisted Ready set, sorted.
func (s *SyncSets) Ready(ctx context.Context) ([]string, error) {
	return s.read(KeyReady), nil
}

func (s *SyncSets) IsOptedIn(ctx context.Context, fileID string) (bool, error) {
	return slices.Contains(s.read(KeyOptedIn), fileID), nil
}

func (s *SyncSets) IsReady(ctx context.Context, fileID string) (bool, error) {
	return slices.Contains(s.read(KeyReady), fileID), nil
}

// OptIn adds fileID to OptedIn. It is idempotent.
func (s *SyncSets) OptIn(ctx context.Context, fileID string) error {
	s.update(KeyOptedIn, func(ids []string) []string { return addID(ids, fileID) })
	s.checkOptedIn()
	return nil
}

// MarkReady adds fileID to Ready. It is idempotent.
func (s *SyncSets) MarkReady(ctx context.Context, fileID string) error {
	s.update(KeyReady, func(ids []string) []string { return addID(ids, fileID) })
	return nil
}

// RemoveFromBothSets drops fileID from OptedIn and Ready and forgets its tab.
func (s *SyncSets) RemoveFromBothSets(ctx context.Context, fileID string) error {
	drop := func(ids []string) []string {
		return slices.DeleteFunc(ids, func(id string) bool { return id == fileID })
	}
	s.update(KeyReady, drop)
	s.update(KeyOptedIn, drop)
	s.deleteKeys(lastTabKeyPrefix + fileID)
	s.checkOptedIn()
	return nil
}

// Clear empties both sets.
func (s *SyncSets) Clear(ctx context.Context) error {
	empty := func([]string) []string { return []string{} }
	s.update(KeyReady, empty)
	s.update(KeyOptedIn, empty)
	s.checkOptedIn()
	return nil
}

// Reload re-reads persisted state and notifies subscribers if OptedIn
// differs from what they last saw.
func (s *SyncSets) Reload(ctx context.Context) error {
	s.checkOptedIn()
	return nil
}

// LastTab returns the last active UI tab of a file, or "".
func (s *SyncSets) LastTab(ctx context.Context, fileID string) (string, error) {
	key := lastTabKeyPrefix + fileID
	s.mu.Lock()
	degraded := s.degraded
	cached := s.tabs[key]
	s.mu.Unlock()
	if degraded {
		return cached, nil
	}
	v, err := s.kv.String(key)
	if err != nil {
		s.degrade("reading last tab", err)
		return cached, nil
	}
	return v, nil
}

func (s *SyncSets) SetLastTab(ctx context.Context, fileID, tab string) error {
	key := lastTabKeyPrefix + fileID
	s.mu.Lock()
	s.tabs[key] = tab
	degraded := s.degraded
	s.mu.Unlock()
	if degraded {
		return nil
	}
	if err := s.kv.SetString(key, tab); err != nil {
		s.degrade("writing last tab", err)
	}
	return nil
}

// Subscribe returns a coalescing channel notified whenever OptedIn changes,
// including changes written by other processes while Watch runs.
func (s *SyncSets) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Watch forwards external writes to subscribers until ctx ends. It is a
// no-op when the store cannot report them.
func (s *SyncSets) Watch(ctx context.Context) error {
	w, ok := s.kv.(KeyValueWatcher)
	if !ok {
		return nil
	}
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	s.watching = true
	s.mu.Unlock()

	events, err := w.Watch(ctx)
	if err != nil {
		s.mu.Lock()
		s.watching = false
		s.mu.Unlock()
		s.logger.Warn("sync sets: cannot watch for external changes", "error", err)
		return nil
	}
	go func() {
		defer func() {
			s.mu.Lock()
			s.watching = false
			s.mu.Unlock()
		}()
		for range events {
			s.checkOptedIn()
		}
	}()
	return nil
}

func (s *SyncSets) read(key string) []string {
	s.mu.Lock()
	degraded := s.degraded
	cached := slices.Clone(s.mem[key])
	s.mu.Unlock()

	if !degraded {
		ids, err := s.kv.Strings(key)
		if err == nil {
			ids = normalizeIDs(ids)
			s.mu.Lock()
			s.mem[key] = slices.Clone(ids)
			s.mu.Unlock()
			return ids
		}
		s.degrade("reading "+key, err)
	}
	return normalizeIDs(cached)
}

func (s *SyncSets) update(key string, fn func([]string) []string) {
	s.mu.Lock()
	degraded := s.degraded
	s.mu.Unlock()

	if !degraded {
		out, err := s.kv.UpdateStrings(key, func(ids []string) []string { return normalizeIDs(fn(normalizeIDs(ids))) })
		if err == nil {
			s.mu.Lock()
			s.mem[key] = slices.Clone(out)
			s.mu.Unlock()
			return
		}
		s.degrade("writing "+key, err)
	}

	s.mu.Lock()
	s.mem[key] = normalizeIDs(fn(slices.Clone(s.mem[key])))
	s.mu.Unlock()
}

func (s *SyncSets) deleteKeys(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.tabs, k)
	}
	degraded := s.degraded
	s.mu.Unlock()
	if degraded {
		return
	}
	if err := s.kv.Delete(keys...); err != nil {
		s.degrade("deleting keys", err)
	}
}

func (s *SyncSets) degrade(op string, err error) {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if !already {
		s.logger.Warn("sync sets: persistence unavailable, keeping sets in memory for this session",
			"op", op, "error", err)
	}
}

// checkOptedIn notifies subscribers if the OptedIn set differs from the last
// value they were notified about.
func (s *SyncSets) checkOptedIn() {
	current := s.read(KeyOptedIn)

	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Equal(current, s.lastOpt) {
		return
	}
	s.lastOpt = current
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func addID(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func normalizeIDs(ids []string) []string {
	out := slices.Clone(ids)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
