package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open("", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func media(title string) *record.Media {
	return &record.Media{Title: title, ContentURL: "https://cdn.example/" + title + ".mp3"}
}

func TestPut_CreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := record.GUID(record.TypeMedia, "ep1")

	// Given: a new record written at base revision 0
	r1, err := s.Put(ctx, id, 0, media("one"), WithSource("https://example.com/feed"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Revision)
	assert.NotEmpty(t, r1.ContentHash)

	// When: updating at the current revision
	r2, err := s.Put(ctx, id, 1, media("two"))
	require.NoError(t, err)

	// Then: revision increments and source is carried over
	assert.Equal(t, int64(2), r2.Revision)
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, "two", got.Media().Title)
	assert.Equal(t, "https://example.com/feed", got.SourceURL)
	assert.Equal(t, r1.CreatedAt, got.CreatedAt)
	assert.NotEqual(t, r1.ContentHash, got.ContentHash)
}

func TestPut_StaleBaseRevisionConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := record.GUID(record.TypeMedia, "ep1")
	_, err := s.Put(ctx, id, 0, media("one"))
	require.NoError(t, err)

	_, err = s.Put(ctx, id, 0, media("again"))
	require.Error(t, err)
	assert.True(t, merrors.IsConflict(err))

	_, err = s.Put(ctx, id, 5, media("future"))
	assert.True(t, merrors.IsConflict(err))

	// no change events for rejected writes
	events, err := s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPut_ConcurrentWritersOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := record.GUID(record.TypeMedia, "race")
	_, err := s.Put(ctx, id, 0, media("base"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, id, 1, media("writer"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		if err == nil {
			wins++
		} else if merrors.IsConflict(err) {
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
}

func TestPut_ValidatesIDAndType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, "not-a-guid", 0, media("x"))
	assert.Error(t, err)

	_, err = s.Put(ctx, record.GUID(record.TypeFeed, "f"), 0, media("x"))
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeInvalidInput, merrors.GetCode(err))
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTestStore(t).Get(context.Background(), "oas.Media_missing")
	assert.True(t, merrors.IsNotFound(err))
}

func TestRevision_TracksWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := record.GUID(record.TypeMedia, "rev")

	// Given: no record yet
	_, err := s.Revision(ctx, id)
	assert.True(t, merrors.IsNotFound(err))

	// When: the record is written, updated and tombstoned
	// Then: Revision follows each write
	steps := []struct {
		name  string
		write func() error
		want  int64
	}{
		{"create", func() error { _, err := s.Put(ctx, id, 0, media("a")); return err }, 1},
		{"update", func() error { _, err := s.Put(ctx, id, 1, media("b")); return err }, 2},
		{"tombstone", func() error { return s.Delete(ctx, id, 2) }, 3},
	}
	for _, step := range steps {
		require.NoError(t, step.write(), step.name)
		rev, err := s.Revision(ctx, id)
		require.NoError(t, err, step.name)
		assert.Equal(t, step.want, rev, step.name)
	}
}

func TestDelete_TombstonesAndEmitsChange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := record.GUID(record.TypeMedia, "gone")
	_, err := s.Put(ctx, id, 0, media("gone"))
	require.NoError(t, err)

	// stale delete conflicts
	assert.True(t, merrors.IsConflict(s.Delete(ctx, id, 0)))

	require.NoError(t, s.Delete(ctx, id, 1))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, int64(2), got.Revision)

	events, err := s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[1].Deleted)
	assert.Equal(t, int64(2), events[1].Revision)

	// deleting the tombstone again is a no-op
	require.NoError(t, s.Delete(ctx, id, 2))
	events, err = s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// a missing record cannot be deleted
	assert.True(t, merrors.IsNotFound(s.Delete(ctx, "oas.Media_never", 0)))
}

func TestChanges_GaplessAndPaged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.Put(ctx, record.GUID(record.TypeMedia, string(rune('a'+i))), 0, media("m"))
		require.NoError(t, err)
	}
	_, _ = s.Put(ctx, record.GUID(record.TypeMedia, "a"), 0, media("conflict")) // rejected

	first, err := s.Changes(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	rest, err := s.Changes(ctx, first[2].Sequence, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)

	all := append(first, rest...)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, record.TypeMedia, ev.Type)
	}

	latest, err := s.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest)
}

func TestPatch_MergesPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := record.GUID(record.TypeFeed, "f1")
	_, err := s.Put(ctx, id, 0, &record.Feed{URL: "https://example.com/rss", Title: "Old", Language: "en"})
	require.NoError(t, err)

	r, err := s.Patch(ctx, id, 1, []byte(`{"title":"New"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Revision)
	assert.Equal(t, "New", r.Feed().Title)
	assert.Equal(t, "en", r.Feed().Language)

	_, err = s.Patch(ctx, id, 1, []byte(`{"title":"Stale"}`))
	assert.True(t, merrors.IsConflict(err))
}

func TestSubscribe_SignalsAfterCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	_, err := s.Put(ctx, record.GUID(record.TypeMedia, "n"), 0, media("n"))
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	// failed writes do not signal
	_, _ = s.Put(ctx, record.GUID(record.TypeMedia, "n"), 0, media("n"))
	select {
	case <-ch:
		t.Fatal("unexpected notification")
	default:
	}
}

func TestScanAndCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, l := range []string{"c", "a", "b"} {
		_, err := s.Put(ctx, record.GUID(record.TypeMedia, l), 0, media(l))
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, record.GUID(record.TypeFeed, "f"), 0, &record.Feed{URL: "https://x.example/rss"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, record.GUID(record.TypeMedia, "b"), 1))

	page, err := s.Scan(ctx, record.TypeMedia, "", 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "oas.Media_a", page[0].ID)
	assert.Equal(t, "oas.Media_c", page[1].ID)

	all, err := s.Scan(ctx, "", "oas.Feed_f", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[record.TypeMedia])
	assert.Equal(t, 1, counts[record.TypeFeed])
}

func TestCursorAndFeedState_PersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	s, err := Open(path, 8)
	require.NoError(t, err)
	cur := s.Cursor("watcher")
	seq, err := cur.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	require.NoError(t, cur.Commit(ctx, 42))

	fetched := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveFeedState(ctx, &FeedState{
		FeedURL: "https://example.com/rss", ETag: `"v1"`, LastModified: "Fri, 01 May 2026 08:00:00 GMT",
		LastFetchedAt: fetched, LastStatus: 200,
	}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	// When: reopening
	s2, err := Open(path, 8)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	// Then: cursor and feed state survive
	seq, err = s2.Cursor("watcher").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	fs, err := s2.GetFeedState(ctx, "https://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, fs.ETag)
	assert.Equal(t, fetched, fs.LastFetchedAt)

	unknown, err := s2.GetFeedState(ctx, "https://other.example/rss")
	require.NoError(t, err)
	assert.Empty(t, unknown.ETag)

	states, err := s2.ListFeedStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestClosedStore(t *testing.T) {
	s, err := Open("", 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), "oas.Media_x")
	assert.Error(t, err)
	_, err = s.Put(context.Background(), "oas.Media_x", 0, media("x"))
	assert.Error(t, err)
}
