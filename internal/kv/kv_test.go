package kv_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"fieldsync-go/internal/config"
	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/kv"
)

func stores(t *testing.T) map[string]fieldsync.KeyValue {
	t.Helper()
	fs, err := kv.NewFileStore(filepath.Join(t.TempDir(), "kv.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return map[string]fieldsync.KeyValue{
		"file":   fs,
		"memory": kv.NewMemoryStore(),
	}
}

func TestKeyValue_Strings(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Strings("missing")
			if err != nil {
				t.Fatalf("Strings() error = %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("Strings(missing) = %#v, want empty slice", got)
			}

			out, err := s.UpdateStrings("ids", func(cur []string) []string { return append(cur, "a", "b") })
			if err != nil {
				t.Fatalf("UpdateStrings() error = %v", err)
			}
			if !slices.Equal(out, []string{"a", "b"}) {
				t.Errorf("UpdateStrings() = %v", out)
			}

			got, err = s.Strings("ids")
			if err != nil {
				t.Fatalf("Strings() error = %v", err)
			}
			if !slices.Equal(got, []string{"a", "b"}) {
				t.Errorf("Strings(ids) = %v, want [a b]", got)
			}

			if err := s.Delete("ids"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			got, _ = s.Strings("ids")
			if len(got) != 0 {
				t.Errorf("Strings(ids) after delete = %v", got)
			}
		})
	}
}

func TestKeyValue_String(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SetString("lastTab:f1", "teams"); err != nil {
				t.Fatalf("SetString() error = %v", err)
			}
			got, err := s.String("lastTab:f1")
			if err != nil || got != "teams" {
				t.Errorf("String() = %q, %v; want teams", got, err)
			}
			got, err = s.String("lastTab:f2")
			if err != nil || got != "" {
				t.Errorf("String(missing) = %q, %v; want empty", got, err)
			}
		})
	}
}

func TestFileStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")

	// Two handles on one file behave like two processes.
	a, err := kv.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := kv.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := a.UpdateStrings("ids", func(cur []string) []string { return append(cur, "a") }); err != nil {
				t.Error(err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := b.UpdateStrings("ids", func(cur []string) []string { return append(cur, "b") }); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	got, err := a.Strings("ids")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 40 {
		t.Errorf("len(ids) = %d, want 40", len(got))
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := kv.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Strings("ids"); err == nil {
		t.Error("Strings() expected error for corrupt file")
	}
}

func TestFileStore_WatchSeesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	watcher, err := kv.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	writer, err := kv.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := watcher.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if _, err := writer.UpdateStrings("optedInFileIds", func(cur []string) []string { return append(cur, "f1") }); err != nil {
		t.Fatal(err)
	}

	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("no watch event for write by another handle")
	}

	cancel()
	closed := make(chan struct{})
	go func() {
		for range events {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestNewFromConfig(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		s, err := kv.NewFromConfig(config.SyncSetsConfig{Type: "file", Dir: t.TempDir()})
		if err != nil || s == nil {
			t.Fatalf("NewFromConfig() = %v, %v", s, err)
		}
	})
	t.Run("file without dir", func(t *testing.T) {
		if _, err := kv.NewFromConfig(config.SyncSetsConfig{Type: "file"}); err == nil {
			t.Error("NewFromConfig() expected error for missing dir")
		}
	})
	t.Run("memory", func(t *testing.T) {
		if _, err := kv.NewFromConfig(config.SyncSetsConfig{Type: "memory"}); err != nil {
			t.Errorf("NewFromConfig() error = %v", err)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		if _, err := kv.NewFromConfig(config.SyncSetsConfig{Type: "redis"}); err == nil {
			t.Error("NewFromConfig() expected error for unknown type")
		}
	})
}
