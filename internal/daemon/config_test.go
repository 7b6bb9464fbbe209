package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/mediasync/internal/config"
)

func TestFromConfig(t *testing.T) {
	cfg := config.NewConfig()
	cfg.DataDir = "/var/lib/mediasync"
	cfg.Server.SocketPath = ""
	cfg.Server.PIDPath = ""

	dc := FromConfig(cfg)

	assert.Equal(t, cfg.SocketPath(), dc.SocketPath)
	assert.Equal(t, cfg.PIDPath(), dc.PIDPath)
	assert.Greater(t, dc.Timeout, time.Duration(0))
	require.NoError(t, dc.Validate())
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{SocketPath: "/tmp/m.sock", PIDPath: "/tmp/m.pid", Timeout: time.Second}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty socket path", mutate: func(c *Config) { c.SocketPath = "" }, wantErr: "socket path"},
		{name: "empty PID path", mutate: func(c *Config) { c.PIDPath = "" }, wantErr: "PID path"},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, wantErr: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnsureDir(t *testing.T) {
	tmp := t.TempDir()
	cfg := Config{
		SocketPath: filepath.Join(tmp, "run", "m.sock"),
		PIDPath:    filepath.Join(tmp, "pid", "m.pid"),
		Timeout:    time.Second,
	}

	require.NoError(t, cfg.EnsureDir())

	for _, dir := range []string{"run", "pid"} {
		info, err := os.Stat(filepath.Join(tmp, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
