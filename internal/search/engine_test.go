package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

func engines(t *testing.T) map[string]Engine {
	t.Helper()
	bl, err := NewBleveEngine("")
	require.NoError(t, err)
	sq, err := NewSQLiteEngine("")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bl.Close()
		_ = sq.Close()
	})
	return map[string]Engine{"bleve": bl, "sqlite": sq}
}

func doc(id, title, body string, rev int64) *Document {
	published := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &Document{
		ID:             id,
		Type:           "oas.Media",
		Title:          title,
		Body:           body,
		URL:            "https://example.com/" + id,
		FeedID:         "oas.Feed_f1",
		Tags:           []string{"news", "tech"},
		PublishedAt:    &published,
		SourceRevision: rev,
		IndexedAt:      published,
	}
}

func TestEngine_UpsertGetDelete(t *testing.T) {
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, e.EnsureMapping(ctx, "media", MediaSchema()))
			require.NoError(t, e.EnsureMapping(ctx, "media", MediaSchema()))

			// Given: a stored document
			require.NoError(t, e.Upsert(ctx, "media", doc("oas.Media_a", "Go Podcast", "all about goroutines", 1)))

			// When: reading it back
			got, err := e.Get(ctx, "media", "oas.Media_a")
			require.NoError(t, err)

			// Then: every field survives
			assert.Equal(t, doc("oas.Media_a", "Go Podcast", "all about goroutines", 1), got)

			// And: upsert replaces
			require.NoError(t, e.Upsert(ctx, "media", doc("oas.Media_a", "Go Podcast 2", "channels", 2)))
			got, err = e.Get(ctx, "media", "oas.Media_a")
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.SourceRevision)
			n, err := e.Count(ctx, "media")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			// And: delete is idempotent
			require.NoError(t, e.Delete(ctx, "media", "oas.Media_a"))
			require.NoError(t, e.Delete(ctx, "media", "oas.Media_a"))
			_, err = e.Get(ctx, "media", "oas.Media_a")
			assert.True(t, merrors.IsNotFound(err))
		})
	}
}

func TestEngine_Search(t *testing.T) {
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, e.EnsureMapping(ctx, "media", MediaSchema()))
			require.NoError(t, e.Upsert(ctx, "media", doc("oas.Media_a", "Gardening weekly", "tomatoes and compost", 1)))
			require.NoError(t, e.Upsert(ctx, "media", doc("oas.Media_b", "Space hour", "rockets and telescopes", 1)))

			hits, err := e.Search(ctx, "media", "rockets", 10)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "oas.Media_b", hits[0].ID)
			assert.Greater(t, hits[0].Score, 0.0)

			hits, err = e.Search(ctx, "media", "   ", 10)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

func TestEngine_RequiresMapping(t *testing.T) {
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			err := e.Upsert(context.Background(), "missing", doc("x", "t", "b", 1))
			require.Error(t, err)
			assert.Equal(t, merrors.ErrCodeEngineRejected, merrors.GetCode(err))
			assert.False(t, merrors.IsRetryable(err))
		})
	}
}

func TestEngine_RejectsDocumentWithoutID(t *testing.T) {
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, e.EnsureMapping(ctx, "media", MediaSchema()))
			err := e.Upsert(ctx, "media", &Document{Title: "no id"})
			assert.Equal(t, merrors.ErrCodeEngineRejected, merrors.GetCode(err))
		})
	}
}

func TestEngine_ClosedIsTransient(t *testing.T) {
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, e.EnsureMapping(ctx, "media", MediaSchema()))
			require.NoError(t, e.Close())
			require.NoError(t, e.Close())

			err := e.Upsert(ctx, "media", doc("x", "t", "b", 1))
			assert.True(t, merrors.IsRetryable(err))
		})
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	for _, backend := range []string{BackendBleve, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "search")
			ctx := context.Background()

			e, err := Open(backend, dir)
			require.NoError(t, err)
			require.NoError(t, e.EnsureMapping(ctx, "media", MediaSchema()))
			require.NoError(t, e.Upsert(ctx, "media", doc("oas.Media_a", "Persisted", "body", 3)))
			require.NoError(t, e.Close())

			e, err = Open(backend, dir)
			require.NoError(t, err)
			defer func() { _ = e.Close() }()
			require.NoError(t, e.EnsureMapping(ctx, "media", MediaSchema()))
			got, err := e.Get(ctx, "media", "oas.Media_a")
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.SourceRevision)
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("elastic", "")
	assert.True(t, merrors.IsFatal(err))
}

func TestFTSQuery_QuotesTerms(t *testing.T) {
	assert.Equal(t, `"go" OR "say""hi"""`, ftsQuery(`go say"hi"`))
	assert.Equal(t, "", ftsQuery("  "))
}
