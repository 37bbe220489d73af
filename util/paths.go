package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDirEnv overrides the config directory, mostly for containers and tests.
const ConfigDirEnv = "FEDCORE_CONFIG_DIR"

// GetConfigDir returns the directory holding config.yaml and, by default, the database.
// It is $FEDCORE_CONFIG_DIR when set and <user config dir>/fedcore otherwise. The
// directory is created on demand.
func GetConfigDir() (string, error) {
	configDir := os.Getenv(ConfigDirEnv)
	if configDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("locating user config directory: %w", err)
		}
		configDir = filepath.Join(base, Name)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", configDir, err)
	}
	return configDir, nil
}

// ResolveFilePath prefers an existing file in the working directory and falls back to
// the config directory. Absolute paths are returned unchanged.
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(configDir, filename)
}
