// Package daemon runs the long-lived mediasync process: the status socket,
// its client, and the PID file that marks a running instance.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/mediasync/internal/config"
)

// Config holds the daemon process settings.
type Config struct {
	// SocketPath is the Unix socket serving status requests.
	SocketPath string

	// PIDPath is the file holding the daemon's process id.
	PIDPath string

	// Timeout bounds one client exchange. Default: 5s
	Timeout time.Duration
}

// FromConfig derives the daemon settings from the application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		SocketPath: cfg.SocketPath(),
		PIDPath:    cfg.PIDPath(),
		Timeout:    5 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("PID path cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// EnsureDir creates the directories for the socket and PID file.
func (c Config) EnsureDir() error {
	socketDir := filepath.Dir(c.SocketPath)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if pidDir := filepath.Dir(c.PIDPath); pidDir != socketDir {
		if err := os.MkdirAll(pidDir, 0o755); err != nil {
			return fmt.Errorf("failed to create PID directory: %w", err)
		}
	}
	return nil
}
