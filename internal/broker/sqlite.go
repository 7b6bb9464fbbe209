package broker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/store"
)

const brokerSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	name         TEXT NOT NULL,
	body         BLOB NOT NULL,
	state        TEXT NOT NULL,
	attempt      INTEGER NOT NULL DEFAULT 0,
	eta          INTEGER NOT NULL,
	lease_until  INTEGER NOT NULL DEFAULT 0,
	receipt      TEXT NOT NULL DEFAULT '',
	consumer     TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(queue, state, eta);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, updated_at);
`

// SQLiteBroker is a durable Broker backed by a SQLite file. Several processes
// may share the file: leases are taken with a conditional UPDATE so a task is
// only ever held by one consumer.
type SQLiteBroker struct {
	db    *sql.DB
	path  string
	waker *waker
	opts  Options
}

var _ Broker = (*SQLiteBroker)(nil)

// OpenSQLite opens or creates the broker database at path.
func OpenSQLite(path string, opts Options) (*SQLiteBroker, error) {
	db, err := store.OpenSQLite(path, 16)
	if err != nil {
		return nil, merrors.QueueError("open broker database", err)
	}
	if _, err := db.Exec(brokerSchema); err != nil {
		_ = db.Close()
		return nil, merrors.QueueError("create broker schema", err)
	}
	return &SQLiteBroker{
		db:    db,
		path:  path,
		waker: newWaker(),
		opts:  opts.WithDefaults(),
	}, nil
}

// Path returns the database path.
func (b *SQLiteBroker) Path() string {
	return b.path
}

// Publish implements Broker. Republishing an existing id resets it to pending.
func (b *SQLiteBroker) Publish(ctx context.Context, queue string, env Envelope) error {
	if env.ID == "" {
		return merrors.New(merrors.ErrCodeMalformedTask, "envelope has no id", nil)
	}
	now := b.opts.now().UTC()
	if env.PublishedAt.IsZero() {
		env.PublishedAt = now
	}
	if env.ETA.IsZero() {
		env.ETA = now
	}
	body, err := Encode(env)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO tasks (id, queue, name, body, state, attempt, eta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			queue = excluded.queue, name = excluded.name, body = excluded.body,
			state = excluded.state, attempt = excluded.attempt, eta = excluded.eta,
			lease_until = 0, receipt = '', consumer = '', last_error = '',
			updated_at = excluded.updated_at`,
		env.ID, queue, env.Task, body, string(StatePending), env.Attempt,
		env.ETA.UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		return merrors.QueueError("publish task "+env.ID, err)
	}

	b.waker.signal()
	return nil
}

// Consume implements Broker.
func (b *SQLiteBroker) Consume(ctx context.Context, queue, consumer string) (<-chan *Delivery, error) {
	return consume(ctx, b, b.waker, queue, consumer, b.opts), nil
}

func (b *SQLiteBroker) claim(ctx context.Context, queue, consumer string) (*Delivery, error) {
	for {
		d, retry, err := b.claimOne(ctx, queue, consumer)
		if err != nil || !retry {
			return d, err
		}
	}
}

// claimOne leases the oldest ready task. retry is true when the candidate
// was taken by another process or was undecodable.
func (b *SQLiteBroker) claimOne(ctx context.Context, queue, consumer string) (d *Delivery, retry bool, err error) {
	now := b.opts.now().UTC()
	nowNs := now.UnixNano()

	var (
		id       string
		body     []byte
		attempt  int
		etaNs    int64
		prevLock string
	)
	err = b.db.QueryRowContext(ctx, `
		SELECT id, body, attempt, eta, receipt FROM tasks
		WHERE queue = ?
		  AND ((state = ? AND eta <= ?) OR (state = ? AND lease_until < ?))
		ORDER BY eta, created_at
		LIMIT 1`,
		queue, string(StatePending), nowNs, string(StateRunning), nowNs,
	).Scan(&id, &body, &attempt, &etaNs, &prevLock)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, merrors.QueueError("claim task", err)
	}

	env, decodeErr := Decode(body)
	if decodeErr != nil {
		_, err = b.db.ExecContext(ctx,
			`UPDATE tasks SET state = ?, last_error = ?, updated_at = ? WHERE id = ? AND receipt = ?`,
			string(StateFailure), decodeErr.Error(), nowNs, id, prevLock)
		if err != nil {
			return nil, false, merrors.QueueError("dead-letter malformed task", err)
		}
		b.opts.Logger.Warn("broker_malformed_task", merrors.LogAttrs(decodeErr)...)
		return nil, true, nil
	}
	env.Attempt = attempt
	env.ETA = time.Unix(0, etaNs).UTC()

	receipt := uuid.NewString()
	res, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, receipt = ?, consumer = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND receipt = ?
		  AND ((state = ? AND eta <= ?) OR (state = ? AND lease_until < ?))`,
		string(StateRunning), receipt, consumer, now.Add(b.opts.VisibilityTimeout).UnixNano(), nowNs,
		id, prevLock, string(StatePending), nowNs, string(StateRunning), nowNs)
	if err != nil {
		return nil, false, merrors.QueueError("lease task "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, true, nil
	}

	return &Delivery{Envelope: env, Queue: queue, receipt: receipt, settler: b}, false, nil
}

// settle runs a conditional update that only applies while d holds the lease.
func (b *SQLiteBroker) settle(ctx context.Context, d *Delivery, set string, args ...any) error {
	now := b.opts.now().UTC().UnixNano()
	query := fmt.Sprintf(`UPDATE tasks SET %s, receipt = '', lease_until = 0, updated_at = ?
		WHERE id = ? AND receipt = ? AND state = ?`, set)
	args = append(args, now, d.Envelope.ID, d.receipt, string(StateRunning))

	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return merrors.QueueError("settle task "+d.Envelope.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return merrors.QueueError(fmt.Sprintf("lease lost for task %s", d.Envelope.ID), nil)
	}
	b.waker.signal()
	return nil
}

func (b *SQLiteBroker) ack(ctx context.Context, d *Delivery) error {
	return b.settle(ctx, d, "state = ?, last_error = ''", string(StateSuccess))
}

func (b *SQLiteBroker) retry(ctx context.Context, d *Delivery, eta time.Time, cause error) error {
	now := b.opts.now().UTC()
	if eta.Before(now) {
		eta = now
	}
	return b.settle(ctx, d, "state = ?, attempt = attempt + 1, eta = ?, last_error = ?",
		string(StatePending), eta.UnixNano(), errorText(cause))
}

func (b *SQLiteBroker) deadLetter(ctx context.Context, d *Delivery, cause error) error {
	return b.settle(ctx, d, "state = ?, attempt = attempt + 1, last_error = ?",
		string(StateFailure), errorText(cause))
}

func (b *SQLiteBroker) release(ctx context.Context, d *Delivery) error {
	return b.settle(ctx, d, "state = ?", string(StatePending))
}

// ListTasks implements Broker.
func (b *SQLiteBroker) ListTasks(ctx context.Context, f ListFilter) ([]TaskInfo, error) {
	var (
		where []string
		args  []any
	)
	if f.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, f.Queue)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	query := `SELECT body, queue, state, attempt, eta, last_error, consumer, created_at, updated_at FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, merrors.QueueError("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskInfo
	for rows.Next() {
		var (
			body                        []byte
			info                        TaskInfo
			state                       string
			etaNs, createdNs, updatedNs int64
		)
		if err := rows.Scan(&body, &info.Queue, &state, &info.Attempt, &etaNs,
			&info.LastError, &info.Consumer, &createdNs, &updatedNs); err != nil {
			return nil, merrors.QueueError("scan task", err)
		}
		attempt := info.Attempt
		// malformed bodies still list so operators can see them
		env, _ := Decode(body)
		info.Envelope = env
		info.Attempt = attempt
		info.ETA = time.Unix(0, etaNs).UTC()
		info.State = State(state)
		info.CreatedAt = time.Unix(0, createdNs).UTC()
		info.UpdatedAt = time.Unix(0, updatedNs).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// Requeue implements Broker.
func (b *SQLiteBroker) Requeue(ctx context.Context, id string) error {
	var state string
	err := b.db.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return merrors.New(merrors.ErrCodeNotFound, "task not found: "+id, nil)
	}
	if err != nil {
		return merrors.QueueError("requeue task "+id, err)
	}
	if State(state) != StateFailure {
		return merrors.ValidationError(fmt.Sprintf("task %s is %s, only failed tasks can be requeued", id, state), nil)
	}

	now := b.opts.now().UTC().UnixNano()
	_, err = b.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, attempt = 0, eta = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(StatePending), now, now, id, string(StateFailure))
	if err != nil {
		return merrors.QueueError("requeue task "+id, err)
	}
	b.waker.signal()
	return nil
}

// Stats implements Broker.
func (b *SQLiteBroker) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, merrors.QueueError("task stats", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, merrors.QueueError("scan stats", err)
		}
		stats[State(state)] = n
	}
	return stats, rows.Err()
}

// Prune removes succeeded tasks last updated before cutoff.
func (b *SQLiteBroker) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state = ? AND updated_at < ?`,
		string(StateSuccess), cutoff.UTC().UnixNano())
	if err != nil {
		return 0, merrors.QueueError("prune tasks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Broker.
func (b *SQLiteBroker) Close() error {
	return store.CloseSQLite(b.db)
}
