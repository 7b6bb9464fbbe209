package search

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/store"
)

// SQLiteEngine implements Engine on SQLite FTS5. Unlike bleve it allows
// several processes to open the same file.
type SQLiteEngine struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ Engine = (*SQLiteEngine)(nil)

// NewSQLiteEngine opens the engine database. An empty path is in-memory.
func NewSQLiteEngine(path string) (*SQLiteEngine, error) {
	if path != "" {
		if validErr := store.CheckIntegrity(path); validErr != nil {
			slog.Warn("search_db_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, merrors.New(merrors.ErrCodeStoreCorrupt, "cannot clear corrupted search db "+path, err)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Info("search_db_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, run mediasync reindex"))
		}
	}

	db, err := store.OpenSQLite(path, 64)
	if err != nil {
		return nil, merrors.EngineError("open search database", err, true)
	}

	e := &SQLiteEngine{db: db, path: path}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, merrors.EngineError("initialize search schema", err, false)
	}
	return e, nil
}

func (e *SQLiteEngine) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS indexes (
		name       TEXT PRIMARY KEY,
		schema     TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- full documents, read back by Get
	CREATE TABLE IF NOT EXISTS documents (
		index_name      TEXT NOT NULL,
		doc_id          TEXT NOT NULL,
		source          TEXT NOT NULL,
		source_revision INTEGER NOT NULL,
		PRIMARY KEY (index_name, doc_id)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS fts_documents USING fts5(
		index_name UNINDEXED,
		doc_id UNINDEXED,
		title,
		body,
		tokenize='unicode61 remove_diacritics 2'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := e.db.Exec(schema)
	return err
}

func (e *SQLiteEngine) checkIndex(ctx context.Context, index string) error {
	if e.closed {
		return merrors.EngineError("search engine is closed", nil, true)
	}
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM indexes WHERE name = ?`, index).Scan(&n); err != nil {
		return merrors.EngineError("look up index "+index, err, true)
	}
	if n == 0 {
		return notIndexed(index)
	}
	return nil
}

// EnsureMapping implements Engine. The FTS columns are fixed; the schema is
// recorded for inspection.
func (e *SQLiteEngine) EnsureMapping(ctx context.Context, index string, schema Schema) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return merrors.EngineError("search engine is closed", nil, true)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return merrors.EngineError("encode schema", err, false)
	}
	_, err = e.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO indexes (name, schema, created_at) VALUES (?, ?, ?)`,
		index, string(data), time.Now().UnixNano())
	if err != nil {
		return merrors.EngineError("create index "+index, err, true)
	}
	return nil
}

// Upsert implements Engine. FTS5 has no REPLACE, so the row is deleted first.
func (e *SQLiteEngine) Upsert(ctx context.Context, index string, doc *Document) error {
	if err := validateDoc(doc); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkIndex(ctx, index); err != nil {
		return err
	}

	src, err := json.Marshal(doc)
	if err != nil {
		return merrors.EngineError("encode document "+doc.ID, err, false)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return merrors.EngineError("begin transaction", err, true)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fts_documents WHERE index_name = ? AND doc_id = ?`, index, doc.ID); err != nil {
		return merrors.EngineError("delete stale text for "+doc.ID, err, true)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fts_documents (index_name, doc_id, title, body) VALUES (?, ?, ?, ?)`,
		index, doc.ID, doc.Title, doc.Body); err != nil {
		return merrors.EngineError("index text for "+doc.ID, err, true)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (index_name, doc_id, source, source_revision) VALUES (?, ?, ?, ?)
		ON CONFLICT(index_name, doc_id) DO UPDATE SET
			source = excluded.source, source_revision = excluded.source_revision`,
		index, doc.ID, string(src), doc.SourceRevision); err != nil {
		return merrors.EngineError("store document "+doc.ID, err, true)
	}

	if err := tx.Commit(); err != nil {
		return merrors.EngineError("commit document "+doc.ID, err, true)
	}
	return nil
}

// Delete implements Engine.
func (e *SQLiteEngine) Delete(ctx context.Context, index, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkIndex(ctx, index); err != nil {
		return err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return merrors.EngineError("begin transaction", err, true)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fts_documents WHERE index_name = ? AND doc_id = ?`, index, id); err != nil {
		return merrors.EngineError("delete text for "+id, err, true)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE index_name = ? AND doc_id = ?`, index, id); err != nil {
		return merrors.EngineError("delete document "+id, err, true)
	}
	if err := tx.Commit(); err != nil {
		return merrors.EngineError("commit delete "+id, err, true)
	}
	return nil
}

// Get implements Engine.
func (e *SQLiteEngine) Get(ctx context.Context, index, id string) (*Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkIndex(ctx, index); err != nil {
		return nil, err
	}

	var src string
	err := e.db.QueryRowContext(ctx,
		`SELECT source FROM documents WHERE index_name = ? AND doc_id = ?`, index, id).Scan(&src)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, docNotFound(index, id)
	}
	if err != nil {
		return nil, merrors.EngineError("get document "+id, err, true)
	}

	var doc Document
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		return nil, merrors.EngineError("decode document "+id, err, false)
	}
	return &doc, nil
}

// ftsQuery quotes each term so user text cannot use FTS5 syntax.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

// Search implements Engine. bm25() is negative with lower meaning better, so
// scores are negated to match bleve's ordering.
func (e *SQLiteEngine) Search(ctx context.Context, index, text string, limit int) ([]Hit, error) {
	q := ftsQuery(text)
	if q == "" {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkIndex(ctx, index); err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT doc_id, bm25(fts_documents, 0.0, 0.0, 2.0, 1.0) AS score
		FROM fts_documents
		WHERE fts_documents MATCH ? AND index_name = ?
		ORDER BY score
		LIMIT ?`, q, index, limit)
	if err != nil {
		return nil, merrors.EngineError("search failed", err, true)
	}
	defer func() { _ = rows.Close() }()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, merrors.EngineError("scan hit", err, true)
		}
		h.Score = -h.Score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Count implements Engine.
func (e *SQLiteEngine) Count(ctx context.Context, index string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkIndex(ctx, index); err != nil {
		return 0, err
	}
	var n int
	if err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE index_name = ?`, index).Scan(&n); err != nil {
		return 0, merrors.EngineError("count documents", err, true)
	}
	return n, nil
}

// Close checkpoints and closes the database. Idempotent.
func (e *SQLiteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return store.CloseSQLite(e.db)
}
