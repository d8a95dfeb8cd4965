// Package kv implements the small key-value stores that persist sync sets.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/fslock"
)

// lockTimeout bounds how long a write waits for another process.
const lockTimeout = 5 * time.Second

// FileStore keeps all keys in one JSON object on disk. Writes replace the
// file atomically while holding an exclusive flock on <path>.lock, so
// concurrent processes never lose each other's updates.
type FileStore struct {
	path string
	lock *fslock.Lock
	mu   sync.Mutex
}

var (
	_ fieldsync.KeyValue        = (*FileStore)(nil)
	_ fieldsync.KeyValueWatcher = (*FileStore)(nil)
)

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating kv directory: %w", err)
	}
	return &FileStore{path: path, lock: fslock.New(path + ".lock")}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Strings(key string) ([]string, error) {
	values, err := s.read()
	if err != nil {
		return nil, err
	}
	return decodeStrings(values, key)
}

func (s *FileStore) UpdateStrings(key string, fn func([]string) []string) ([]string, error) {
	var out []string
	err := s.update(func(values map[string]json.RawMessage) error {
		current, err := decodeStrings(values, key)
		if err != nil {
			return err
		}
		out = fn(current)
		if out == nil {
			out = []string{}
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		values[key] = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FileStore) String(key string) (string, error) {
	values, err := s.read()
	if err != nil {
		return "", err
	}
	raw, ok := values[key]
	if !ok {
		return "", nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("decoding %s: %w", key, err)
	}
	return v, nil
}

func (s *FileStore) SetString(key, value string) error {
	return s.update(func(values map[string]json.RawMessage) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		values[key] = raw
		return nil
	})
}

func (s *FileStore) Delete(keys ...string) error {
	return s.update(func(values map[string]json.RawMessage) error {
		for _, k := range keys {
			delete(values, k)
		}
		return nil
	})
}

// Watch reports writes to the file, including those of other processes.
// Bursts are coalesced. The channel is closed when ctx ends.
func (s *FileStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	// Atomic renames replace the inode, so watch the directory.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *FileStore) update(fn func(map[string]json.RawMessage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := s.lock.Lock(ctx); err != nil {
		return fmt.Errorf("locking %s: %w", s.path, err)
	}
	defer s.lock.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(values); err != nil {
		return err
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.path, err)
	}
	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	values := map[string]json.RawMessage{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.path, err)
	}
	return values, nil
}

func decodeStrings(values map[string]json.RawMessage, key string) ([]string, error) {
	raw, ok := values[key]
	if !ok {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
