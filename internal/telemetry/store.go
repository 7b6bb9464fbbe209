package telemetry

import (
	"database/sql"
	"fmt"
	"time"
)

// maxFailures bounds the recent_failures table.
const maxFailures = 100

// SQLiteStore implements Store on a database/sql handle. The caller picks the
// driver and owns the connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and creates the telemetry tables.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := InitSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// InitSchema creates the telemetry tables if they don't exist.
func InitSchema(db *sql.DB) error {
	schema := `
	-- Daily counter totals
	CREATE TABLE IF NOT EXISTS counter_stats (
		date TEXT NOT NULL,
		name TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, name)
	);

	-- Poll latency histogram
	CREATE TABLE IF NOT EXISTS latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);

	-- Search term frequency
	CREATE TABLE IF NOT EXISTS search_terms (
		term TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 1,
		last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_search_terms_count ON search_terms(count DESC);

	-- Recent failures (circular, newest kept)
	CREATE TABLE IF NOT EXISTS recent_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		subject TEXT NOT NULL,
		error TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create telemetry schema: %w", err)
	}
	return nil
}

// SaveCounters adds counts to the totals for date.
func (s *SQLiteStore) SaveCounters(date string, counts map[Counter]int64) error {
	return s.upsertDaily(`
		INSERT INTO counter_stats (date, name, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, name) DO UPDATE SET count = count + excluded.count
	`, date, counterRows(counts))
}

// GetCounters sums counters over an inclusive date range.
func (s *SQLiteStore) GetCounters(from, to string) (map[Counter]int64, error) {
	out := make(map[Counter]int64)
	err := s.sumDaily(`
		SELECT name, SUM(count) FROM counter_stats
		WHERE date >= ? AND date <= ?
		GROUP BY name
	`, from, to, func(k string, n int64) { out[Counter(k)] = n })
	return out, err
}

// SaveLatencyCounts adds histogram counts for date.
func (s *SQLiteStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	rows := make(map[string]int64, len(counts))
	for k, v := range counts {
		rows[string(k)] = v
	}
	return s.upsertDaily(`
		INSERT INTO latency_stats (date, bucket, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count
	`, date, rows)
}

// GetLatencyCounts sums the histogram over an inclusive date range.
func (s *SQLiteStore) GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error) {
	out := make(map[LatencyBucket]int64)
	err := s.sumDaily(`
		SELECT bucket, SUM(count) FROM latency_stats
		WHERE date >= ? AND date <= ?
		GROUP BY bucket
	`, from, to, func(k string, n int64) { out[LatencyBucket(k)] = n })
	return out, err
}

func counterRows(counts map[Counter]int64) map[string]int64 {
	rows := make(map[string]int64, len(counts))
	for k, v := range counts {
		rows[string(k)] = v
	}
	return rows
}

func (s *SQLiteStore) upsertDaily(query, date string, rows map[string]int64) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for k, n := range rows {
		if _, err := stmt.Exec(date, k, n); err != nil {
			return fmt.Errorf("upsert %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) sumDaily(query, from, to string, fn func(string, int64)) error {
	rows, err := s.db.Query(query, from, to)
	if err != nil {
		return fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		fn(k, n)
	}
	return rows.Err()
}

// UpsertTermCounts adds to search term frequencies.
func (s *SQLiteStore) UpsertTermCounts(terms map[string]int64) error {
	if len(terms) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO search_terms (term, count, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(term) DO UPDATE SET
			count = count + excluded.count,
			last_seen = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for term, n := range terms {
		if _, err := stmt.Exec(term, n); err != nil {
			return fmt.Errorf("upsert term count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTopTerms returns the most frequent search terms.
func (s *SQLiteStore) GetTopTerms(limit int) ([]TermCount, error) {
	rows, err := s.db.Query(`
		SELECT term, count FROM search_terms
		ORDER BY count DESC, term ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	defer rows.Close()

	var terms []TermCount
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		terms = append(terms, tc)
	}
	return terms, rows.Err()
}

// AddFailure appends f and trims the table to the newest entries.
func (s *SQLiteStore) AddFailure(f Failure) error {
	_, err := s.db.Exec(`
		INSERT INTO recent_failures (source, subject, error, timestamp)
		VALUES (?, ?, ?, ?)
	`, f.Source, f.Subject, f.Error, f.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM recent_failures
		WHERE id NOT IN (
			SELECT id FROM recent_failures ORDER BY id DESC LIMIT ?
		)
	`, maxFailures)
	if err != nil {
		return fmt.Errorf("trim failures: %w", err)
	}
	return nil
}

// GetRecentFailures returns failures newest first.
func (s *SQLiteStore) GetRecentFailures(limit int) ([]Failure, error) {
	rows, err := s.db.Query(`
		SELECT source, subject, error, timestamp FROM recent_failures
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var ts int64
		if err := rows.Scan(&f.Source, &f.Subject, &f.Error, &ts); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		f.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close is a no-op; the db belongs to the caller.
func (s *SQLiteStore) Close() error {
	return nil
}
