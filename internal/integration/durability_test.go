package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/mediasync/internal/config"
	"github.com/Aman-CERP/mediasync/internal/daemon"
	"github.com/Aman-CERP/mediasync/internal/pipeline"
	"github.com/Aman-CERP/mediasync/internal/record"
)

// Durability tests run the whole pipeline against on-disk state (SQLite
// broker, persistent search index) and restart it between steps.

func durableConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	sockDir, err := os.MkdirTemp("/tmp", "msi")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })

	cfg := config.NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.Broker.Backend = "sqlite"
	cfg.Broker.PollInterval = 20 * time.Millisecond
	cfg.Search.Backend = backend
	cfg.Search.Path = "search-" + backend
	cfg.Watcher.PollInterval = 50 * time.Millisecond
	cfg.Workers.Size = 2
	cfg.Workers.BackoffInitial = 10 * time.Millisecond
	cfg.Workers.BackoffMax = 50 * time.Millisecond
	cfg.Crawler.WatchConfig = false
	cfg.Server.Telemetry = false
	cfg.Server.SocketPath = filepath.Join(sockDir, "d.sock")
	return cfg
}

// run starts a pipeline and returns a stop func that waits for a clean exit.
func run(t *testing.T, cfg *config.Config) (*pipeline.Pipeline, func()) {
	t.Helper()
	p, err := pipeline.New(cfg, pipeline.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("pipeline did not stop")
		}
		require.NoError(t, p.Close())
	}
	t.Cleanup(stop)
	return p, stop
}

func putMedia(t *testing.T, p *pipeline.Pipeline, localID, title string) *record.Record {
	t.Helper()
	rec, err := p.Store.Put(context.Background(), record.GUID(record.TypeMedia, localID), 0, &record.Media{
		Title:      title,
		ContentURL: "https://cdn.example/" + localID + ".mp3",
	})
	require.NoError(t, err)
	return rec
}

func hits(t *testing.T, p *pipeline.Pipeline, query string) []string {
	t.Helper()
	res, err := p.Search(context.Background(), daemon.SearchParams{Query: query, Limit: 10})
	require.NoError(t, err)
	ids := make([]string, 0, len(res))
	for _, r := range res {
		ids = append(ids, r.ID)
	}
	return ids
}

func settled(t *testing.T, p *pipeline.Pipeline) func() bool {
	return func() bool {
		st, err := p.Status(context.Background())
		require.NoError(t, err)
		return st.Watcher.Lag == 0 && st.Tasks["pending"] == 0 && st.Tasks["running"] == 0
	}
}

func TestDurability_RestartResumesFromCursor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping durability test in short mode")
	}

	for _, backend := range []string{"bleve", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := durableConfig(t, backend)

			// Given: one record indexed by a first daemon run
			p, stop := run(t, cfg)
			first := putMedia(t, p, "ep1", "Ambient Dub")
			require.Eventually(t, func() bool {
				return len(hits(t, p, "dub")) == 1
			}, 10*time.Second, 50*time.Millisecond)
			require.Eventually(t, settled(t, p), 5*time.Second, 50*time.Millisecond)
			committed, err := p.Store.Cursor(pipeline.CursorName).Load(context.Background())
			require.NoError(t, err)
			stop()

			// When: the daemon restarts and a second record arrives
			p, _ = run(t, cfg)
			second := putMedia(t, p, "ep2", "Deep Techno")

			// Then: the first document survived the restart and the second
			// is picked up past the durable cursor
			assert.Equal(t, []string{first.ID}, hits(t, p, "dub"))
			require.Eventually(t, func() bool {
				return len(hits(t, p, "techno")) == 1
			}, 10*time.Second, 50*time.Millisecond)
			assert.Equal(t, []string{second.ID}, hits(t, p, "techno"))

			require.Eventually(t, settled(t, p), 5*time.Second, 50*time.Millisecond)
			st, err := p.Status(context.Background())
			require.NoError(t, err)
			assert.Greater(t, st.Watcher.Cursor, committed)
			assert.Equal(t, 2, st.Tasks["success"])
		})
	}
}

func TestDurability_DeletedRecordLeavesIndex(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping durability test in short mode")
	}

	cfg := durableConfig(t, "bleve")
	p, stop := run(t, cfg)

	// Given: an indexed record
	rec := putMedia(t, p, "ep1", "Ambient Dub")
	require.Eventually(t, func() bool {
		return len(hits(t, p, "dub")) == 1
	}, 10*time.Second, 50*time.Millisecond)

	// When: the record is tombstoned
	require.NoError(t, p.Store.Delete(context.Background(), rec.ID, rec.Revision))

	// Then: its document disappears and stays gone after a restart
	require.Eventually(t, func() bool {
		return len(hits(t, p, "dub")) == 0
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, settled(t, p), 5*time.Second, 50*time.Millisecond)
	stop()

	p, _ = run(t, cfg)
	assert.Empty(t, hits(t, p, "dub"))

	got, err := p.Store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestDurability_RecordsWrittenOfflineAreIndexed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping durability test in short mode")
	}

	cfg := durableConfig(t, "bleve")

	// Given: a record written while no daemon was running
	p, err := pipeline.New(cfg, pipeline.Options{})
	require.NoError(t, err)
	rec := putMedia(t, p, "ep1", "Ambient Dub")
	require.NoError(t, p.Close())

	// When: the daemon starts
	p, _ = run(t, cfg)

	// Then: the watcher catches up from its durable cursor
	require.Eventually(t, func() bool {
		ids := hits(t, p, "dub")
		return len(ids) == 1 && ids[0] == rec.ID
	}, 10*time.Second, 50*time.Millisecond)
}

func TestDurability_QueuedTasksOutliveCommittedCursor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping durability test in short mode")
	}

	cfg := durableConfig(t, "bleve")
	ctx := context.Background()

	// Given: a task published and the cursor committed past it, with no
	// worker left to run it, as at shutdown when the watcher stops first
	p, err := pipeline.New(cfg, pipeline.Options{})
	require.NoError(t, err)
	rec := putMedia(t, p, "ep1", "Ambient Dub")
	n, err := p.Dispatcher.DispatchChange(ctx, record.ChangeEvent{
		Sequence: 1, RecordID: rec.ID, Type: rec.Type, Revision: rec.Revision,
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	seq, err := p.Store.LatestSequence(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Store.Cursor(pipeline.CursorName).Commit(ctx, seq))
	require.NoError(t, p.Close())

	// When: the daemon restarts
	p, _ = run(t, cfg)

	// Then: the broker still holds the task and the record is indexed
	// although the watcher has nothing left to dispatch
	require.Eventually(t, func() bool {
		ids := hits(t, p, "dub")
		return len(ids) == 1 && ids[0] == rec.ID
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, settled(t, p), 5*time.Second, 50*time.Millisecond)
}
