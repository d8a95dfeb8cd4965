package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns the config path and data directories, in order of
// preference from:
//   - FIELDSYNC_CONFIG_PATH, then $XDG_CONFIG_HOME/fieldsync.toml, then ~/.config/fieldsync.toml
//   - FIELDSYNC_HOME, then $XDG_DATA_HOME/fieldsync, then ~/.local/share/fieldsync
func GetDefaults() (map[string]string, error) {
	configPath, err := resolve("FIELDSYNC_CONFIG_PATH", "XDG_CONFIG_HOME", "fieldsync.toml", ".config")
	if err != nil {
		return nil, err
	}
	baseDir, err := resolve("FIELDSYNC_HOME", "XDG_DATA_HOME", "fieldsync", filepath.Join(".local", "share"))
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// resolve returns $override verbatim, else name under $xdgVar, else name
// under homeRel in the user's home directory.
func resolve(override, xdgVar, name, homeRel string) (string, error) {
	if path := os.Getenv(override); path != "" {
		return path, nil
	}
	if dir := os.Getenv(xdgVar); dir != "" {
		return filepath.Join(dir, name), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, homeRel, name), nil
}
