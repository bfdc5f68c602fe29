package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Env variable names read at startup. CMUX_SOCKET is the legacy alias for
// CMUX_SOCKET_PATH; both are honored, the canonical one wins.
const (
	EnvSocketPath       = "CMUX_SOCKET_PATH"
	EnvSocketPathLegacy = "CMUX_SOCKET"
	EnvSocketMode       = "CMUX_SOCKET_MODE"
	EnvWorkspaceID      = "CMUX_WORKSPACE_ID"
	EnvSurfaceID        = "CMUX_SURFACE_ID"
)

type Config struct {
	SocketPath     string
	DBPath         string
	SocketMode     string
	ReadTimeout    time.Duration
	ConnectTimeout time.Duration
	DialRetryDelay time.Duration
	DialRetryFor   time.Duration
	RetryBackoff   []time.Duration
	AncestryDepth  int
}

func DefaultConfig() Config {
	return Config{
		SocketPath:     defaultSocketPath(),
		DBPath:         defaultDBPath(),
		SocketMode:     envSocketMode(),
		ReadTimeout:    5 * time.Second,
		ConnectTimeout: 3 * time.Second,
		DialRetryDelay: 100 * time.Millisecond,
		DialRetryFor:   10 * time.Second,
		RetryBackoff:   []time.Duration{250 * time.Millisecond, 1 * time.Second},
		AncestryDepth:  32,
	}
}

func defaultSocketPath() string {
	if override := strings.TrimSpace(os.Getenv(EnvSocketPath)); override != "" {
		return override
	}
	if override := strings.TrimSpace(os.Getenv(EnvSocketPathLegacy)); override != "" {
		return override
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "cmux", "cmux.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cmux.sock"
	}
	return filepath.Join(home, ".local", "state", "cmux", "cmux.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cmux.db"
	}
	return filepath.Join(home, ".local", "state", "cmux", "control.db")
}

func envSocketMode() string {
	return strings.TrimSpace(os.Getenv(EnvSocketMode))
}

// AmbientWorkspaceID returns the workspace id inherited from the caller's
// shell, if any. Explicit flags always take precedence over this value.
func AmbientWorkspaceID() string {
	return strings.TrimSpace(os.Getenv(EnvWorkspaceID))
}

// AmbientSurfaceID returns the surface id inherited from the caller's shell.
func AmbientSurfaceID() string {
	return strings.TrimSpace(os.Getenv(EnvSurfaceID))
}
