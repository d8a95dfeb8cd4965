package backend

import (
	"context"
	"fmt"
	"os"

	"fieldsync-go/internal/config"
	"fieldsync-go/internal/fieldsync"
)

// NewBackendFromConfig creates a Backend implementation based on the backend
// config type. sealer is only used when cfg.Seal is set; tokens only by the
// http backend.
func NewBackendFromConfig(ctx context.Context, cfg config.BackendConfig, sealer Sealer, tokens TokenSource) (fieldsync.Backend, error) {
	if cfg.Seal && sealer == nil {
		return nil, fmt.Errorf("%s backend is configured to seal payloads but no encryption is set up", cfg.Type)
	}
	if !cfg.Seal {
		sealer = nil
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryBackend(nil), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem backend requires fs_root to be set")
		}
		return NewFileSystemBackend(cfg.FSRoot, sealer, nil)
	case "s3":
		return NewS3Backend(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     os.Getenv("FIELDSYNC_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("FIELDSYNC_S3_SECRET_ACCESS_KEY"),
		}, sealer, nil)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_dsn to be set")
		}
		return NewPostgresBackend(cfg.PostgresDSN)
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http backend requires url to be set")
		}
		return NewHTTPBackend(cfg.URL, tokens, nil), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
