package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		name       string
		env        map[string]string
		wantConfig string
		wantBase   string
	}{
		{
			name:       "explicit overrides",
			env:        map[string]string{"FIELDSYNC_CONFIG_PATH": "/custom/config.toml", "FIELDSYNC_HOME": "/custom/fieldsync", "XDG_CONFIG_HOME": "/xdg/config"},
			wantConfig: "/custom/config.toml",
			wantBase:   "/custom/fieldsync",
		},
		{
			name:       "xdg dirs",
			env:        map[string]string{"XDG_CONFIG_HOME": "/xdg/config", "XDG_DATA_HOME": "/xdg/data"},
			wantConfig: "/xdg/config/fieldsync.toml",
			wantBase:   "/xdg/data/fieldsync",
		},
		{
			name:       "home dir fallback",
			wantConfig: filepath.Join(homeDir, ".config", "fieldsync.toml"),
			wantBase:   filepath.Join(homeDir, ".local", "share", "fieldsync"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"FIELDSYNC_CONFIG_PATH", "FIELDSYNC_HOME", "XDG_CONFIG_HOME", "XDG_DATA_HOME"} {
				t.Setenv(k, tt.env[k])
			}

			defaults, err := GetDefaults()
			if err != nil {
				t.Fatalf("GetDefaults() error = %v", err)
			}
			if defaults["config_path"] != tt.wantConfig {
				t.Errorf("config_path = %q, want %q", defaults["config_path"], tt.wantConfig)
			}
			if defaults["base_dir"] != tt.wantBase {
				t.Errorf("base_dir = %q, want %q", defaults["base_dir"], tt.wantBase)
			}
			if want := filepath.Join(tt.wantBase, "log"); defaults["log_dir"] != want {
				t.Errorf("log_dir = %q, want %q", defaults["log_dir"], want)
			}
		})
	}
}
