package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	EnvConfigPath = "TMLSYNC_CONFIG_PATH"
	EnvHome       = "TMLSYNC_HOME"

	// EnvFileName is loaded from the working directory and the base dir.
	EnvFileName = ".env"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - TMLSYNC_CONFIG_PATH: config file location (default: ~/.config/tmlsync.toml)
//   - TMLSYNC_HOME: base directory for tmlsync data (default: ~/.local/share/tmlsync)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// LoadEnv loads .env files from each dir that has one. Variables already
// set in the environment win.
func LoadEnv(dirs ...string) error {
	var files []string
	for _, dir := range dirs {
		p := filepath.Join(dir, EnvFileName)
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("checking %s: %w", p, err)
		}
		files = append(files, p)
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}
	return nil
}

// getConfigPath returns the config file path, checking TMLSYNC_CONFIG_PATH first,
// then falling back to the default ~/.config/tmlsync.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "tmlsync.toml"), nil
}

// getBaseDir returns the base directory for tmlsync data, checking TMLSYNC_HOME
// first, then falling back to the XDG default ~/.local/share/tmlsync.
func getBaseDir() (string, error) {
	if path := os.Getenv(EnvHome); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tmlsync"), nil
}
