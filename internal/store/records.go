package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
)

const schemaVersion = 1

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
	notify *notifier
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the record store at path. An empty path opens an
// in-memory store for tests. A corrupt database is a fatal error; unlike the
// search index it cannot be rebuilt.
func Open(path string, cacheMB int) (*SQLiteStore, error) {
	if err := CheckIntegrity(path); err != nil {
		slog.Error("record_store_corrupted", slog.String("path", path), slog.String("error", err.Error()))
		return nil, merrors.New(merrors.ErrCodeStoreCorrupt, "record store failed integrity check", err).
			WithDetail("path", path).
			WithSuggestion("restore the database from backup")
	}

	db, err := OpenSQLite(path, cacheMB)
	if err != nil {
		return nil, merrors.StoreError("open record store", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		notify: newNotifier(),
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, merrors.StoreError("initialize record store schema", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS records (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		revision     INTEGER NOT NULL,
		payload      BLOB NOT NULL,
		source_url   TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		deleted      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_records_type ON records(type, deleted);

	-- AUTOINCREMENT keeps sequences strictly increasing; inserting in the
	-- same transaction as the record write keeps them gapless.
	CREATE TABLE IF NOT EXISTS changes (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id  TEXT NOT NULL,
		type       TEXT NOT NULL,
		revision   INTEGER NOT NULL,
		deleted    INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feed_state (
		feed_url        TEXT PRIMARY KEY,
		etag            TEXT NOT NULL DEFAULT '',
		last_modified   TEXT NOT NULL DEFAULT '',
		last_fetched_at INTEGER NOT NULL DEFAULT 0,
		last_status     INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

// Subscribe implements Store.
func (s *SQLiteStore) Subscribe() (<-chan struct{}, func()) {
	return s.notify.subscribe()
}

// Path returns the database path ("" for in-memory).
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close checkpoints and closes the database. Safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return CloseSQLite(s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		r                record.Record
		typ              string
		payload          []byte
		created, updated int64
		deleted          int
	)
	if err := row.Scan(&r.ID, &typ, &r.Revision, &payload, &r.SourceURL, &r.ContentHash, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	r.Type = record.Type(typ)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	r.Deleted = deleted != 0

	p, err := record.DecodePayload(r.Type, payload)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Payload = p
	return &r, nil
}

const recordColumns = `id, type, revision, payload, source_url, content_hash, created_at, updated_at, deleted`

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*record.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, merrors.NotFoundError(id)
	}
	if err != nil {
		if _, ok := merrors.As(err); ok {
			return nil, err
		}
		return nil, merrors.StoreError("get record "+id, err)
	}
	return r, nil
}

// Revision returns the current revision of id without reading its payload.
func (s *SQLiteStore) Revision(ctx context.Context, id string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM records WHERE id = ?`, id).Scan(&rev)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, merrors.NotFoundError(id)
	}
	if err != nil {
		return 0, merrors.StoreError("get revision "+id, err)
	}
	return rev, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, id string, baseRevision int64, payload record.Payload, opts ...PutOption) (*record.Record, error) {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	if payload == nil {
		return nil, merrors.ValidationError("put "+id+": nil payload", nil)
	}
	typ, _, err := record.ParseGUID(id)
	if err != nil {
		return nil, err
	}
	if typ != payload.RecordType() {
		return nil, merrors.ValidationError(fmt.Sprintf("put %s: payload type %s does not match id", id, payload.RecordType()), nil)
	}

	data, err := record.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	hash, err := record.ContentHash(payload)
	if err != nil {
		return nil, err
	}

	return s.write(ctx, id, baseRevision, func(cur *record.Record, next *record.Record) {
		next.Type = typ
		next.Payload = payload
		next.ContentHash = hash
		next.SourceURL = o.sourceURL
		if next.SourceURL == "" && cur != nil {
			next.SourceURL = cur.SourceURL
		}
	}, data)
}

// Patch implements Store.
func (s *SQLiteStore) Patch(ctx context.Context, id string, baseRevision int64, patch []byte) (*record.Record, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Revision != baseRevision {
		return nil, merrors.ConflictError(id, baseRevision, cur.Revision)
	}
	merged, err := record.MergePatch(cur.Payload, patch)
	if err != nil {
		return nil, err
	}
	return s.Put(ctx, id, baseRevision, merged)
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string, baseRevision int64) error {
	_, err := s.write(ctx, id, baseRevision, nil, nil)
	return err
}

// write performs the CAS transaction shared by Put and Delete. A nil fill
// tombstones the record.
func (s *SQLiteStore) write(ctx context.Context, id string, baseRevision int64, fill func(cur, next *record.Record), payload []byte) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, merrors.StoreError("record store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, merrors.StoreError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		cur = nil
	case err != nil:
		return nil, merrors.StoreError("read record "+id, err)
	}

	var current int64
	if cur != nil {
		current = cur.Revision
	}
	if current != baseRevision {
		return nil, merrors.ConflictError(id, baseRevision, current)
	}

	now := s.now().UTC()
	next := &record.Record{ID: id, Revision: current + 1, UpdatedAt: now, CreatedAt: now}
	if cur != nil {
		next.CreatedAt = cur.CreatedAt
	}

	if fill == nil {
		if cur == nil {
			return nil, merrors.NotFoundError(id)
		}
		if cur.Deleted {
			// deleting a tombstone is a no-op
			return cur, nil
		}
		next.Type = cur.Type
		next.Payload = cur.Payload
		next.ContentHash = cur.ContentHash
		next.SourceURL = cur.SourceURL
		next.Deleted = true
		payload, err = record.EncodePayload(cur.Payload)
		if err != nil {
			return nil, err
		}
	} else {
		fill(cur, next)
	}

	deleted := 0
	if next.Deleted {
		deleted = 1
	}

	if cur == nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(next.Type), next.Revision, payload, next.SourceURL, next.ContentHash,
			next.CreatedAt.UnixNano(), next.UpdatedAt.UnixNano(), deleted)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE records SET type = ?, revision = ?, payload = ?, source_url = ?, content_hash = ?,
				updated_at = ?, deleted = ?
			WHERE id = ? AND revision = ?`,
			string(next.Type), next.Revision, payload, next.SourceURL, next.ContentHash,
			next.UpdatedAt.UnixNano(), deleted, id, current)
		if err == nil {
			// another process may have written between our read and update
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, merrors.ConflictError(id, baseRevision, -1)
			}
		}
	}
	if err != nil {
		if isConstraint(err) {
			return nil, merrors.ConflictError(id, baseRevision, -1)
		}
		return nil, merrors.StoreError("write record "+id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO changes (record_id, type, revision, deleted, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(next.Type), next.Revision, deleted, now.UnixNano()); err != nil {
		return nil, merrors.StoreError("append change", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, merrors.StoreError("commit record "+id, err)
	}

	s.notify.broadcast()
	return next, nil
}

// Changes implements Store.
func (s *SQLiteStore) Changes(ctx context.Context, since int64, limit int) ([]record.ChangeEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, record_id, type, revision, deleted
		FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`, since, limit)
	if err != nil {
		return nil, merrors.StoreError("read changes", err)
	}
	defer func() { _ = rows.Close() }()

	var events []record.ChangeEvent
	for rows.Next() {
		var ev record.ChangeEvent
		var typ string
		var deleted int
		if err := rows.Scan(&ev.Sequence, &ev.RecordID, &typ, &ev.Revision, &deleted); err != nil {
			return nil, merrors.StoreError("scan change", err)
		}
		ev.Type = record.Type(typ)
		ev.Deleted = deleted != 0
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.StoreError("read changes", err)
	}
	return events, nil
}

// LatestSequence returns the highest change sequence, 0 if none.
func (s *SQLiteStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM changes`).Scan(&seq); err != nil {
		return 0, merrors.StoreError("read latest sequence", err)
	}
	return seq.Int64, nil
}

// Scan returns up to limit live records with id > afterID, in id order.
// An empty typ matches every type.
func (s *SQLiteStore) Scan(ctx context.Context, typ record.Type, afterID string, limit int) ([]*record.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE deleted = 0 AND id > ? AND (? = '' OR type = ?)
		ORDER BY id LIMIT ?`, afterID, string(typ), string(typ), limit)
	if err != nil {
		return nil, merrors.StoreError("scan records", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns the number of live records per type.
func (s *SQLiteStore) Counts(ctx context.Context) (map[record.Type]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM records WHERE deleted = 0 GROUP BY type`)
	if err != nil {
		return nil, merrors.StoreError("count records", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[record.Type]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, merrors.StoreError("count records", err)
		}
		counts[record.Type(typ)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return merrors.StoreError("record store is closed", nil)
	}
	return nil
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
