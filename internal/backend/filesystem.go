package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/fslock"
)

// NewFileSystemBackend creates an object backend in a directory that several
// processes on one host (or a shared mount) can use at once:
//
//	<root>/
//	  .lock          (held for the duration of each push)
//	  objects/...    (one file per object key)
func NewFileSystemBackend(root string, sealer Sealer, clock fieldsync.Clock) (*ObjectBackend, error) {
	store, err := newDirStore(root)
	if err != nil {
		return nil, err
	}
	return newObjectBackend(store, sealer, clock, nil), nil
}

// dirStore is an objectStore on the local filesystem. Etags are content
// hashes; conditional puts are made atomic by the directory lock.
type dirStore struct {
	objects  string
	lockPath string

	// mu serialises conditional puts within this process; the lock file
	// does so across processes.
	mu sync.Mutex
}

func newDirStore(root string) (*dirStore, error) {
	objects := filepath.Join(root, "objects")
	if err := os.MkdirAll(objects, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backend directory: %w", err)
	}
	return &dirStore{
		objects:  objects,
		lockPath: filepath.Join(root, ".lock"),
	}, nil
}

func (s *dirStore) path(key string) string {
	return filepath.Join(s.objects, filepath.FromSlash(key))
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *dirStore) Get(_ context.Context, key string) ([]byte, string, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", errNoObject
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object: %w", err)
	}
	return data, etagOf(data), nil
}

func (s *dirStore) Put(ctx context.Context, key string, data []byte, match string) error {
	if match != "" {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, cur, err := s.Get(ctx, key)
		switch {
		case errors.Is(err, errNoObject):
			if match != matchAbsent {
				return errConflict
			}
		case err != nil:
			return err
		case match != cur:
			return errConflict
		}
	}
	return writeFileAtomic(s.path(key), data, 0644)
}

func (s *dirStore) List(_ context.Context, prefix, startAfter string) ([]string, error) {
	// Prefixes always end at a directory boundary.
	dir := s.path(strings.TrimSuffix(prefix, "/"))
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.objects, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && key > startAfter {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	slices.Sort(keys)
	return keys, nil
}

// lock holds the directory lock so revisions are appended to the log in
// the order they are allocated. Each call takes its own Lock so concurrent
// pushes in one process exclude each other too.
func (s *dirStore) lock(ctx context.Context) (func(), error) {
	l := fslock.New(s.lockPath)
	if err := l.Lock(ctx); err != nil {
		return nil, fmt.Errorf("locking backend: %w", err)
	}
	return func() { _ = l.Unlock() }, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
