package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// GetState reads a value from the state table.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, merrors.StoreError("read state "+key, err)
	}
	return v, true, nil
}

// SetState writes a value to the state table.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixNano())
	if err != nil {
		return merrors.StoreError("write state "+key, err)
	}
	return nil
}

// Cursor is a named, persisted changes-feed position.
type Cursor struct {
	store *SQLiteStore
	key   string
}

// Cursor returns the cursor stored under name.
func (s *SQLiteStore) Cursor(name string) *Cursor {
	return &Cursor{store: s, key: "cursor:" + name}
}

// Load returns the committed sequence, 0 if never committed.
func (c *Cursor) Load(ctx context.Context) (int64, error) {
	v, ok, err := c.store.GetState(ctx, c.key)
	if err != nil || !ok {
		return 0, err
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, merrors.New(merrors.ErrCodeStoreCorrupt, fmt.Sprintf("cursor %s holds %q", c.key, v), err)
	}
	return seq, nil
}

// Commit persists seq.
func (c *Cursor) Commit(ctx context.Context, seq int64) error {
	return c.store.SetState(ctx, c.key, strconv.FormatInt(seq, 10))
}

// FeedState is the crawler's per-feed conditional fetch state.
type FeedState struct {
	FeedURL       string
	ETag          string
	LastModified  string
	LastFetchedAt time.Time
	LastStatus    int
	LastError     string
}

// GetFeedState returns the stored state for url, or a zero state.
func (s *SQLiteStore) GetFeedState(ctx context.Context, url string) (*FeedState, error) {
	fs := &FeedState{FeedURL: url}
	var fetched int64
	err := s.db.QueryRowContext(ctx, `
		SELECT etag, last_modified, last_fetched_at, last_status, last_error
		FROM feed_state WHERE feed_url = ?`, url).
		Scan(&fs.ETag, &fs.LastModified, &fetched, &fs.LastStatus, &fs.LastError)
	if stderrors.Is(err, sql.ErrNoRows) {
		return fs, nil
	}
	if err != nil {
		return nil, merrors.StoreError("read feed state", err)
	}
	if fetched > 0 {
		fs.LastFetchedAt = time.Unix(0, fetched).UTC()
	}
	return fs, nil
}

// SaveFeedState upserts fs.
func (s *SQLiteStore) SaveFeedState(ctx context.Context, fs *FeedState) error {
	var fetched int64
	if !fs.LastFetchedAt.IsZero() {
		fetched = fs.LastFetchedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_state (feed_url, etag, last_modified, last_fetched_at, last_status, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			last_fetched_at = excluded.last_fetched_at,
			last_status = excluded.last_status,
			last_error = excluded.last_error`,
		fs.FeedURL, fs.ETag, fs.LastModified, fetched, fs.LastStatus, fs.LastError)
	if err != nil {
		return merrors.StoreError("write feed state", err)
	}
	return nil
}

// ListFeedStates returns every stored feed state ordered by URL.
func (s *SQLiteStore) ListFeedStates(ctx context.Context) ([]*FeedState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feed_url, etag, last_modified, last_fetched_at, last_status, last_error
		FROM feed_state ORDER BY feed_url`)
	if err != nil {
		return nil, merrors.StoreError("list feed states", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*FeedState
	for rows.Next() {
		fs := &FeedState{}
		var fetched int64
		if err := rows.Scan(&fs.FeedURL, &fs.ETag, &fs.LastModified, &fetched, &fs.LastStatus, &fs.LastError); err != nil {
			return nil, merrors.StoreError("scan feed state", err)
		}
		if fetched > 0 {
			fs.LastFetchedAt = time.Unix(0, fetched).UTC()
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
