package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		DeviceID: "device-abc",
		BaseDir:  "/home/user/.local/share/fieldsync",
		LogDir:   "/home/user/.local/share/fieldsync/log",
		Store:    StoreConfig{Type: "sqlite", DataDir: "/home/user/.local/share/fieldsync/db"},
		SyncSets: SyncSetsConfig{Type: "file", Dir: "/home/user/.local/share/fieldsync/state"},
		Backend: BackendConfig{
			Type:     "s3",
			S3Bucket: "incidents",
			S3Prefix: "team-a/",
			S3Region: "eu-west-1",
			Seal:     true,
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  "/home/user/.local/share/fieldsync/keys/fieldsync.pub",
			PrivateKeyPath: "/home/user/.local/share/fieldsync/keys/fieldsync.key",
		},
		Replication: ReplicationConfig{BatchSize: 50, PollInterval: Duration(3 * time.Second)},
		Readiness:   ReadinessConfig{ReadyTimeout: Duration(2 * time.Minute)},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.Contains(buf.String(), `ready_timeout = "2m0s"`) {
		t.Errorf("durations should be written as strings, got:\n%s", buf.String())
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.DeviceID != original.DeviceID {
		t.Errorf("DeviceID = %q, want %q", got.DeviceID, original.DeviceID)
	}
	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.Store != original.Store {
		t.Errorf("Store = %+v, want %+v", got.Store, original.Store)
	}
	if got.SyncSets != original.SyncSets {
		t.Errorf("SyncSets = %+v, want %+v", got.SyncSets, original.SyncSets)
	}
	if got.Backend != original.Backend {
		t.Errorf("Backend = %+v, want %+v", got.Backend, original.Backend)
	}
	if got.Encryption != original.Encryption {
		t.Errorf("Encryption = %+v, want %+v", got.Encryption, original.Encryption)
	}
	if got.Replication.BatchSize != 50 {
		t.Errorf("Replication.BatchSize = %d, want 50", got.Replication.BatchSize)
	}
	if got.Replication.PollInterval.Std() != 3*time.Second {
		t.Errorf("Replication.PollInterval = %v, want 3s", got.Replication.PollInterval.Std())
	}
	if got.Readiness.ReadyTimeout.Std() != 2*time.Minute {
		t.Errorf("Readiness.ReadyTimeout = %v, want 2m", got.Readiness.ReadyTimeout.Std())
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var cfg Config
	input := `
[watchdog]
cycle_interval = "250ms"
downgrade_after = "1s"
`
	m := &Manager{}
	got, err := m.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	cfg = *got
	if cfg.Watchdog.CycleInterval.Std() != 250*time.Millisecond {
		t.Errorf("CycleInterval = %v, want 250ms", cfg.Watchdog.CycleInterval.Std())
	}
	if cfg.Watchdog.DowngradeAfter.Std() != time.Second {
		t.Errorf("DowngradeAfter = %v, want 1s", cfg.Watchdog.DowngradeAfter.Std())
	}

	if _, err := m.Read(strings.NewReader("[watchdog]\ncycle_interval = \"soon\"\n")); err == nil {
		t.Error("Read() expected error for invalid duration")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("device-1", "/data/fieldsync")

	if cfg.DeviceID != "device-1" {
		t.Errorf("DeviceID = %q, want %q", cfg.DeviceID, "device-1")
	}
	if cfg.LogDir != "/data/fieldsync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/fieldsync/log")
	}
	if cfg.Store.Type != "sqlite" || cfg.Store.DataDir != "/data/fieldsync/db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.SyncSets.Type != "file" || cfg.SyncSets.Dir != "/data/fieldsync/state" {
		t.Errorf("SyncSets = %+v", cfg.SyncSets)
	}
	if cfg.Backend.Type != "filesystem" || cfg.Backend.FSRoot != "/data/fieldsync/backend" {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
	if cfg.Encryption.PublicKeyPath != "/data/fieldsync/keys/fieldsync.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if cfg.Session.TokenPath != "/data/fieldsync/session.json" {
		t.Errorf("Session.TokenPath = %q", cfg.Session.TokenPath)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "fieldsync.toml")
		cfg := NewConfig("d1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "fieldsync.toml")
		cfg := NewConfig("d1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "fieldsync.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Store = StoreConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.DeviceID != "read-test" {
			t.Errorf("DeviceID = %q, want %q", got.DeviceID, "read-test")
		}
		if got.Store.Type != "memory" {
			t.Errorf("Store.Type = %q, want memory", got.Store.Type)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/fieldsync.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
