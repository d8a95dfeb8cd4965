package kv

import (
	"fmt"
	"path/filepath"

	"fieldsync-go/internal/config"
	"fieldsync-go/internal/fieldsync"
)

// FileName is the JSON file created inside the configured directory.
const FileName = "syncsets.json"

// NewFromConfig creates the sync set KeyValue for the configured type.
func NewFromConfig(cfg config.SyncSetsConfig) (fieldsync.KeyValue, error) {
	switch cfg.Type {
	case "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("dir required for file sync sets")
		}
		return NewFileStore(filepath.Join(cfg.Dir, FileName))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown sync_sets type: %s", cfg.Type)
	}
}
