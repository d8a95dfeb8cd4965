package database

import (
	"fmt"
	"os"
	"path/filepath"

	"fieldsync-go/internal/config"
)

// StoreFileName is the SQLite file created inside the configured data dir.
const StoreFileName = "fieldsync.db"

// NewStoreFromConfig creates the local document store for the configured type.
func NewStoreFromConfig(cfg config.StoreConfig) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, StoreFileName))
	case "memory":
		return NewSQLiteStore(":memory:")
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
