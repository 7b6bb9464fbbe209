package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/mediasync/internal/daemon"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Night Shift Radio</title>
  <link>https://radio.example/</link>
  <item>
    <guid>s1</guid>
    <title>Ambient Dub</title>
    <enclosure url="https://cdn.radio.example/s1.mp3" type="audio/mpeg" length="1"/>
  </item>
  <item>
    <guid>s2</guid>
    <title>Deep Techno</title>
    <enclosure url="https://cdn.radio.example/s2.mp3" type="audio/mpeg" length="1"/>
  </item>
</channel>
</rss>`

func newFeed(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedXML))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fastDaemon tunes the daemon for tests.
const fastDaemon = `broker:
  backend: sqlite
  poll_interval: 20ms
watcher:
  poll_interval: 50ms
workers:
  size: 2
  backoff_initial: 10ms
  backoff_max: 50ms
`

func TestServe_EndToEnd(t *testing.T) {
	// Given: a config with one feed
	feed := newFeed(t, http.StatusOK)
	env := newTestEnv(t, fastDaemon+fmt.Sprintf(`crawler:
  watch_config: false
  feeds:
    - url: %s
`, feed.URL))

	// When: the daemon is started
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		root := NewRootCmd()
		root.SetOut(new(discard))
		root.SetErr(new(discard))
		root.SetArgs([]string{"serve", "--config", env.configPath})
		done <- root.ExecuteContext(ctx)
	}()
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			cancel()
			<-done
		}
	})

	client := daemon.NewClient(daemon.Config{SocketPath: env.socketPath, Timeout: time.Second})
	require.Eventually(t, client.IsRunning, 10*time.Second, 20*time.Millisecond)

	// Then: crawled entries become searchable through the CLI
	require.Eventually(t, func() bool {
		out, err := run(t, "search", "techno", "--json", "--config", env.configPath)
		if err != nil {
			return false
		}
		var hits []daemon.SearchResult
		return json.Unmarshal([]byte(out), &hits) == nil && len(hits) == 1 && hits[0].Title == "Deep Techno"
	}, 10*time.Second, 50*time.Millisecond)

	// And: status reports the records
	out, err := run(t, "status", "--json", "--config", env.configPath)
	require.NoError(t, err)
	var st daemon.StatusResult
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Records["oas.Media"])

	out, err = run(t, "status", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Watcher")
	assert.Contains(t, out, feed.URL)

	// And: task listing validates the state
	_, err = run(t, "tasks", "list", "--state", "stuck", "--config", env.configPath)
	require.Error(t, err)

	out, err = run(t, "reindex", "--wait", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Reindex done")

	// When: the daemon is cancelled
	cancel()
	stopped = true
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}

	// Then: it leaves no PID file and its log is readable
	_, err = os.Stat(filepath.Join(env.dataDir, "mediasync.pid"))
	assert.True(t, os.IsNotExist(err))

	out, err = run(t, "logs", "--config", env.configPath, "--filter", "daemon starting")
	require.NoError(t, err)
	assert.Contains(t, out, "daemon starting")
}

func TestClientCommands_DaemonNotRunning(t *testing.T) {
	tests := [][]string{
		{"status"},
		{"tasks", "list"},
		{"tasks", "requeue", "t-1"},
		{"search", "dub"},
		{"reindex"},
	}
	for _, args := range tests {
		t.Run(fmt.Sprint(args), func(t *testing.T) {
			env := newTestEnv(t, "")

			_, err := run(t, append(args, "--config", env.configPath)...)

			require.Error(t, err)
			assert.Equal(t, merrors.ErrCodeNetworkUnavailable, merrors.GetCode(err))
			assert.Contains(t, merrors.FormatForCLI(err), "mediasync serve")
		})
	}
}

func TestTasksRequeue_RequiresID(t *testing.T) {
	isolate(t)

	_, err := run(t, "tasks", "requeue")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestStop_NotRunning(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := run(t, "stop", "--config", env.configPath)

	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

func TestCrawl(t *testing.T) {
	good := newFeed(t, http.StatusOK)
	gone := newFeed(t, http.StatusGone)

	t.Run("reports counts", func(t *testing.T) {
		env := newTestEnv(t, "")

		out, err := run(t, "crawl", "--feed", good.URL, "--config", env.configPath)

		require.NoError(t, err)
		assert.Contains(t, out, "2 created")

		// a second crawl sees the same entries unchanged
		out, err = run(t, "crawl", "--feed", good.URL, "--config", env.configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "0 created")
	})

	t.Run("fails when any feed fails", func(t *testing.T) {
		env := newTestEnv(t, "")

		out, err := run(t, "crawl", "--feed", good.URL, "--feed", gone.URL, "--config", env.configPath)

		require.Error(t, err)
		assert.Equal(t, merrors.ErrCodeInvalidFeed, merrors.GetCode(err))
		assert.Contains(t, err.Error(), "1 of 2 feeds failed")
		assert.Contains(t, out, gone.URL)
	})

	t.Run("requires feeds", func(t *testing.T) {
		env := newTestEnv(t, "")

		_, err := run(t, "crawl", "--config", env.configPath)

		require.Error(t, err)
		assert.Equal(t, merrors.ErrCodeConfigInvalid, merrors.GetCode(err))
	})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
