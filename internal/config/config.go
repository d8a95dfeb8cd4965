package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for fieldsync.
type Config struct {
	DeviceID    string            `toml:"device_id"`
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	LogLevel    string            `toml:"log_level,omitempty"` // "debug", "info" (default), "warn", "error"
	Store       StoreConfig       `toml:"store"`
	SyncSets    SyncSetsConfig    `toml:"sync_sets"`
	Backend     BackendConfig     `toml:"backend"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Session     SessionConfig     `toml:"session"`
	Replication ReplicationConfig `toml:"replication"`
	Readiness   ReadinessConfig   `toml:"readiness"`
	Watchdog    WatchdogConfig    `toml:"watchdog"`
}

// StoreConfig represents configuration for the local document store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SyncSetsConfig represents configuration for the OptedIn/Ready set persistence.
type SyncSetsConfig struct {
	Type string `toml:"type"`          // "file" or "memory"
	Dir  string `toml:"dir,omitempty"` // only used for type=file
}

// BackendConfig represents configuration for the shared backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", "postgres", "s3" or "http"

	// Filesystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// Postgres-specific fields (only used when Type == "postgres")
	PostgresDSN string `toml:"postgres_dsn,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	// HTTP-specific fields (only used when Type == "http")
	URL string `toml:"url,omitempty"`

	// Seal stored payloads with the configured encryption (filesystem and s3).
	Seal bool `toml:"seal,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to seal backend payloads.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "none" or "test"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// SessionConfig locates the persisted session token.
type SessionConfig struct {
	TokenPath string `toml:"token_path"`
}

type ReplicationConfig struct {
	BatchSize    int      `toml:"batch_size,omitempty"`
	PollInterval Duration `toml:"poll_interval,omitempty"`
	BackoffBase  Duration `toml:"backoff_base,omitempty"`
	BackoffMax   Duration `toml:"backoff_max,omitempty"`
}

type ReadinessConfig struct {
	PollInterval Duration `toml:"poll_interval,omitempty"`
	ReadyTimeout Duration `toml:"ready_timeout,omitempty"` // 0 waits until cancelled
	AuthWait     Duration `toml:"auth_wait,omitempty"`
}

type WatchdogConfig struct {
	CycleInterval  Duration `toml:"cycle_interval,omitempty"`
	DowngradeAfter Duration `toml:"downgrade_after,omitempty"`
}

// Duration is a time.Duration written as a string such as "500ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Store:    StoreConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		SyncSets: SyncSetsConfig{Type: "file", Dir: filepath.Join(baseDir, "state")},
		Backend:  BackendConfig{Type: "filesystem", FSRoot: filepath.Join(baseDir, "backend")},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "fieldsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "fieldsync.key"),
		},
		Session: SessionConfig{TokenPath: filepath.Join(baseDir, "session.json")},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
