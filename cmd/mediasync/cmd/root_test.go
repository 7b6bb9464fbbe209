package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the developer's own config and environment out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, k := range []string{
		"MEDIASYNC_DATA_DIR", "MEDIASYNC_LOG_LEVEL", "MEDIASYNC_SOCKET", "MEDIASYNC_BROKER_BACKEND",
		"MEDIASYNC_SEARCH_BACKEND", "MEDIASYNC_WORKERS", "MEDIASYNC_BATCH_SIZE", "MEDIASYNC_FEEDS",
		"MEDIASYNC_TELEMETRY", "NO_COLOR",
	} {
		t.Setenv(k, "")
	}
}

// testEnv is a config file with its own data dir and a short socket path.
type testEnv struct {
	configPath string
	dataDir    string
	socketPath string
}

func newTestEnv(t *testing.T, extra string) testEnv {
	t.Helper()
	isolate(t)

	sockDir, err := os.MkdirTemp("/tmp", "msc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })

	env := testEnv{
		dataDir:    t.TempDir(),
		socketPath: filepath.Join(sockDir, "d.sock"),
	}
	env.configPath = filepath.Join(t.TempDir(), "mediasync.yaml")
	body := fmt.Sprintf("data_dir: %s\nserver:\n  socket_path: %s\n%s", env.dataDir, env.socketPath, extra)
	require.NoError(t, os.WriteFile(env.configPath, []byte(body), 0o644))
	return env
}

// run executes the root command with args and returns everything it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	// Given: a root command

	// When: executing with --help
	out, err := run(t, "--help")

	// Then: it should show usage information
	require.NoError(t, err)
	assert.Contains(t, out, "mediasync")
	assert.Contains(t, out, "Usage:")
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := NewRootCmd()

	tests := [][]string{
		{"serve"},
		{"stop"},
		{"status"},
		{"crawl"},
		{"tasks", "list"},
		{"tasks", "requeue"},
		{"reindex"},
		{"search"},
		{"config", "init"},
		{"config", "show"},
		{"config", "path"},
		{"logs"},
		{"version"},
	}
	for _, path := range tests {
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			found, _, err := root.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], found.Name())
		})
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"debug", "config"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(name), "missing --%s", name)
	}
	assert.Equal(t, "c", root.PersistentFlags().Lookup("config").Shorthand)
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, err := run(t, "frobnicate")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestRootCmd_MissingConfigFile(t *testing.T) {
	isolate(t)

	_, err := run(t, "config", "show", "--config", filepath.Join(t.TempDir(), "nope.yaml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
