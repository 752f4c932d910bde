// Package paths provides a single source of truth for previewd file paths.
// All path helpers honor environment variable overrides for isolated testing.
//
// Path resolution precedence:
//  1. Specific env vars (PREVIEWD_SOCKET_PATH, PREVIEWD_PID_PATH) take highest priority
//  2. PREVIEWD_DIR env var sets the base directory (derives socket/pid/config)
//  3. Default behavior (~/.previewd) when no env vars are set
package paths

import (
	"os"
	"path/filepath"
)

// Environment variable names for path overrides.
const (
	// EnvBaseDir is the base directory override (e.g., /tmp/previewd-test).
	// When set, socket, PID, config, and registry paths derive from it.
	EnvBaseDir = "PREVIEWD_DIR"

	// EnvSocketPath overrides the socket path directly.
	EnvSocketPath = "PREVIEWD_SOCKET_PATH"

	// EnvPIDPath overrides the PID file path directly.
	EnvPIDPath = "PREVIEWD_PID_PATH"
)

// BaseDir returns the previewd base directory (~/.previewd by default).
// Honors the PREVIEWD_DIR environment variable.
func BaseDir() (string, error) {
	if dir := os.Getenv(EnvBaseDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".previewd"), nil
}

// ConfigPath returns the path to the global previewd config file.
func ConfigPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.toml"), nil
}

// RegistryPath returns the path to the project registry file.
func RegistryPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "projects.toml"), nil
}

// LogPath returns the daemon log file path.
func LogPath() string {
	base, err := BaseDir()
	if err != nil {
		return "/tmp/previewd.log"
	}
	return filepath.Join(base, "previewd.log")
}

// SocketPath returns the daemon socket path.
// Precedence: PREVIEWD_SOCKET_PATH > PREVIEWD_DIR/previewd.sock > ~/.previewd/previewd.sock
func SocketPath() string {
	if path := os.Getenv(EnvSocketPath); path != "" {
		return path
	}
	base, err := BaseDir()
	if err != nil {
		return "/tmp/previewd.sock"
	}
	return filepath.Join(base, "previewd.sock")
}

// PIDPath returns the daemon PID file path.
// Precedence: PREVIEWD_PID_PATH > PREVIEWD_DIR/previewd.pid > ~/.previewd/previewd.pid
func PIDPath() string {
	if path := os.Getenv(EnvPIDPath); path != "" {
		return path
	}
	base, err := BaseDir()
	if err != nil {
		return "/tmp/previewd.pid"
	}
	return filepath.Join(base, "previewd.pid")
}
