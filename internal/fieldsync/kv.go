package fieldsync

import "context"

// KeyValue is the small persistent store behind the sync sets.
type KeyValue interface {
	Strings(key string) ([]string, error)

	// UpdateStrings re-reads the persisted value under a cross-process lock,
	// applies fn and writes the result back.
	UpdateStrings(key string, fn func([]string) []string) ([]string, error)

	String(key string) (string, error)
	SetString(key, value string) error
	Delete(keys ...string) error
}

// KeyValueWatcher is implemented by stores that can report writes made by
// other processes.
type KeyValueWatcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}
