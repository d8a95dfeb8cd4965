package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func newServeFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "serve"}
	registerServeFlags(cmd)
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cmd
}

func TestBackendConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("FIELDSYNC_SERVER_BACKEND", "")
		t.Setenv("FIELDSYNC_SERVER_FS_ROOT", "")
		cfg, err := backendConfig(newServeFlags(t))
		if err != nil {
			t.Fatalf("backendConfig() error = %v", err)
		}
		if cfg.Type != "filesystem" || cfg.FSRoot != "./data" {
			t.Errorf("backendConfig() = %+v", cfg)
		}
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("FIELDSYNC_SERVER_BACKEND", "s3")
		t.Setenv("FIELDSYNC_SERVER_S3_BUCKET", "incidents")
		cfg, err := backendConfig(newServeFlags(t))
		if err != nil {
			t.Fatalf("backendConfig() error = %v", err)
		}
		if cfg.Type != "s3" || cfg.S3Bucket != "incidents" {
			t.Errorf("backendConfig() = %+v", cfg)
		}
	})

	t.Run("flag beats environment", func(t *testing.T) {
		t.Setenv("FIELDSYNC_SERVER_BACKEND", "s3")
		cfg, err := backendConfig(newServeFlags(t, "--backend", "memory"))
		if err != nil {
			t.Fatalf("backendConfig() error = %v", err)
		}
		if cfg.Type != "memory" {
			t.Errorf("Type = %q, want memory", cfg.Type)
		}
	})

	t.Run("http rejected", func(t *testing.T) {
		if _, err := backendConfig(newServeFlags(t, "--backend", "http")); err == nil {
			t.Fatal("backendConfig() expected error for http")
		}
	})
}

func TestNewIssuer(t *testing.T) {
	t.Setenv("FIELDSYNC_JWT_SECRET", "")
	if _, err := newIssuer(0); err == nil {
		t.Fatal("newIssuer() expected error without secret")
	}
	t.Setenv("FIELDSYNC_JWT_SECRET", "s3cret")
	if _, err := newIssuer(0); err != nil {
		t.Fatalf("newIssuer() error = %v", err)
	}
}
