// Package store is the shared durable store backing the scheduler, the task
// queues and the alarm subscription state. The logical namespace follows the
// original deployment's key layout (scheduler:jobs, scheduler:runtimes,
// alarms:queue, reports:queue, alarms:jobs, per-channel subscriber sets,
// webhook URLs), mapped onto SQLite tables with transactional batches where
// the namespace requires atomic multi-structure updates.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// Queue names shared by producers and consumers.
const (
	AlarmQueue  = "alarms:queue"
	ReportQueue = "reports:queue"
)

var (
	// ErrEmpty is returned by Pop and PopWait when the queue has no items.
	ErrEmpty = errors.New("store: queue is empty")
	// ErrNotFound is returned by lookups with no matching record.
	ErrNotFound = errors.New("store: not found")
)

// EnsureSchema creates the store tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduler_jobs (
  id TEXT PRIMARY KEY,
  body BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS scheduler_runtimes (
  job_id TEXT PRIMARY KEY,
  fire_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runtimes_fire_at ON scheduler_runtimes(fire_at);
CREATE TABLE IF NOT EXISTS queue_items (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  queue TEXT NOT NULL,
  payload TEXT NOT NULL,
  enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_items_queue ON queue_items(queue, id);
CREATE TABLE IF NOT EXISTS alarm_jobs (
  alarm_time TEXT PRIMARY KEY,
  job_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alarm_subscribers (
  channel TEXT NOT NULL,
  alarm_time TEXT NOT NULL,
  channel_id INTEGER NOT NULL,
  PRIMARY KEY (channel, alarm_time, channel_id)
);
CREATE INDEX IF NOT EXISTS idx_alarm_subscribers_time ON alarm_subscribers(alarm_time);
CREATE TABLE IF NOT EXISTS webhook_urls (
  channel TEXT PRIMARY KEY,
  url TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// JobRecord is a serialized scheduler job paired with its id.
type JobRecord struct {
	ID   string
	Body []byte
}

// Store wraps the shared SQLite handle. All mutations of the job hash and the
// next-fire index happen inside single transactions, so the two structures
// can never reference each other inconsistently.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New returns a Store over an open database. EnsureSchema must have run.
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// PutJob writes the serialized job body and its next-fire index entry in one
// transaction.
func (s *Store) PutJob(ctx context.Context, id string, body []byte, fireAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin put job")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scheduler_jobs(id, body) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body`, id, body); err != nil {
		return errors.Wrapf(err, "put job %s", id)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scheduler_runtimes(job_id, fire_at) VALUES(?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET fire_at=excluded.fire_at`, id, fireAt.UnixMilli()); err != nil {
		return errors.Wrapf(err, "index job %s", id)
	}
	return tx.Commit()
}

// RemoveJob deletes the job from both structures atomically. Removing an
// absent job is a no-op.
func (s *Store) RemoveJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin remove job")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE id=?`, id); err != nil {
		return errors.Wrapf(err, "remove job %s", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduler_runtimes WHERE job_id=?`, id); err != nil {
		return errors.Wrapf(err, "remove job index %s", id)
	}
	return tx.Commit()
}

// DueJobs returns every job whose indexed fire time is at or before now.
// Index entries without a matching job body are logged and pruned so a
// corrupt record can't wedge the poll loop.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.job_id, j.body
FROM scheduler_runtimes r LEFT JOIN scheduler_jobs j ON j.id = r.job_id
WHERE r.fire_at <= ?
ORDER BY r.fire_at`, now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "query due jobs")
	}
	defer rows.Close()

	var due []JobRecord
	var orphans []string
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, errors.Wrap(err, "scan due job")
		}
		if body == nil {
			orphans = append(orphans, id)
			continue
		}
		due = append(due, JobRecord{ID: id, Body: body})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range orphans {
		s.log.Error().Str("job_id", id).Msg("runtime index entry has no job body, pruning")
		if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_runtimes WHERE job_id=?`, id); err != nil {
			s.log.Error().Err(err).Str("job_id", id).Msg("failed to prune orphaned index entry")
		}
	}
	return due, nil
}

// Reschedule applies a batch of new fire times in a single transaction.
// A zero time means the job is exhausted: its index entry and body are both
// removed.
func (s *Store) Reschedule(ctx context.Context, next map[string]time.Time) error {
	if len(next) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin reschedule")
	}
	defer tx.Rollback()

	for id, fireAt := range next {
		if fireAt.IsZero() {
			if _, err := tx.ExecContext(ctx, `DELETE FROM scheduler_runtimes WHERE job_id=?`, id); err != nil {
				return errors.Wrapf(err, "drop exhausted job index %s", id)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE id=?`, id); err != nil {
				return errors.Wrapf(err, "drop exhausted job %s", id)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduler_runtimes SET fire_at=? WHERE job_id=?`, fireAt.UnixMilli(), id); err != nil {
			return errors.Wrapf(err, "reschedule job %s", id)
		}
	}
	return tx.Commit()
}

// ResetSchedulerState drops all jobs, runtime index entries, alarm job
// bindings and subscriber sets. The scheduler worker calls this on startup:
// the user table is the source of truth and everything here is derivable.
func (s *Store) ResetSchedulerState(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin reset")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM scheduler_jobs`,
		`DELETE FROM scheduler_runtimes`,
		`DELETE FROM alarm_jobs`,
		`DELETE FROM alarm_subscribers`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "reset scheduler state")
		}
	}
	return tx.Commit()
}

// Push appends a payload to the tail of a named queue.
func (s *Store) Push(ctx context.Context, queue, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items(queue, payload) VALUES(?, ?)`, queue, payload)
	return errors.Wrapf(err, "push to %s", queue)
}

// Pop removes and returns the head of a named queue, or ErrEmpty.
func (s *Store) Pop(ctx context.Context, queue string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "begin pop")
	}
	defer tx.Rollback()

	var id int64
	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload FROM queue_items WHERE queue=? ORDER BY id LIMIT 1`, queue).
		Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return "", ErrEmpty
	}
	if err != nil {
		return "", errors.Wrapf(err, "pop head of %s", queue)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id=?`, id); err != nil {
		return "", errors.Wrapf(err, "consume item %d", id)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return payload, nil
}

// PopWait polls the queue until an item arrives, the timeout elapses or the
// context is cancelled. The bounded wait is what keeps consumer loops
// responsive to shutdown; there is no preemptive cancellation of a pop.
func (s *Store) PopWait(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	const step = 100 * time.Millisecond

	deadline := time.Now().Add(timeout)
	for {
		payload, err := s.Pop(ctx, queue)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return "", err
		}

		wait := step
		if remaining := time.Until(deadline); remaining <= 0 {
			return "", ErrEmpty
		} else if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

// QueueLen reports the number of pending items in a named queue.
func (s *Store) QueueLen(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE queue=?`, queue).Scan(&n)
	return n, errors.Wrapf(err, "count %s", queue)
}

// BindAlarmJob records the scheduler job owning an alarm time, if no job is
// bound yet. Returns false when another job already owns the time; this is
// the store-native create-if-absent that makes the coordinator's dedup safe.
func (s *Store) BindAlarmJob(ctx context.Context, alarmTime, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alarm_jobs(alarm_time, job_id) VALUES(?, ?)
		 ON CONFLICT(alarm_time) DO NOTHING`, alarmTime, jobID)
	if err != nil {
		return false, errors.Wrapf(err, "bind alarm job %s", alarmTime)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AlarmJobID returns the scheduler job bound to an alarm time, or ErrNotFound.
func (s *Store) AlarmJobID(ctx context.Context, alarmTime string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id FROM alarm_jobs WHERE alarm_time=?`, alarmTime).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, errors.Wrapf(err, "lookup alarm job %s", alarmTime)
}

// UnbindAlarmJob removes the job binding for an alarm time.
func (s *Store) UnbindAlarmJob(ctx context.Context, alarmTime string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarm_jobs WHERE alarm_time=?`, alarmTime)
	return errors.Wrapf(err, "unbind alarm job %s", alarmTime)
}

// AddSubscriber adds a tenant to the (channel, alarm_time) subscriber set.
func (s *Store) AddSubscriber(ctx context.Context, channel, alarmTime string, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarm_subscribers(channel, alarm_time, channel_id) VALUES(?, ?, ?)
		 ON CONFLICT DO NOTHING`, channel, alarmTime, channelID)
	return errors.Wrapf(err, "subscribe %d to %s/%s", channelID, channel, alarmTime)
}

// RemoveSubscriber removes a tenant from the (channel, alarm_time) set.
func (s *Store) RemoveSubscriber(ctx context.Context, channel, alarmTime string, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM alarm_subscribers WHERE channel=? AND alarm_time=? AND channel_id=?`,
		channel, alarmTime, channelID)
	return errors.Wrapf(err, "unsubscribe %d from %s/%s", channelID, channel, alarmTime)
}

// Subscribers returns the tenant ids subscribed to an alarm time on one
// channel.
func (s *Store) Subscribers(ctx context.Context, channel, alarmTime string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM alarm_subscribers WHERE channel=? AND alarm_time=? ORDER BY channel_id`,
		channel, alarmTime)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribers of %s/%s", channel, alarmTime)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasSubscribers reports whether any channel still has subscribers at the
// given alarm time.
func (s *Store) HasSubscribers(ctx context.Context, alarmTime string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alarm_subscribers WHERE alarm_time=?`, alarmTime).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "count subscribers at %s", alarmTime)
	}
	return n > 0, nil
}

// SetWebhookURL registers (or replaces) a channel's callback base URL.
func (s *Store) SetWebhookURL(ctx context.Context, channel, url string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_urls(channel, url) VALUES(?, ?)
		 ON CONFLICT(channel) DO UPDATE SET url=excluded.url`, channel, url)
	return errors.Wrapf(err, "set webhook url for %s", channel)
}

// WebhookURL returns a channel's callback base URL, or ErrNotFound when the
// channel never registered.
func (s *Store) WebhookURL(ctx context.Context, channel string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx,
		`SELECT url FROM webhook_urls WHERE channel=?`, channel).Scan(&url)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(ErrNotFound, "no webhook url for channel %s", channel)
	}
	return url, errors.Wrapf(err, "webhook url for %s", channel)
}

// DeleteWebhookURL unregisters a channel's callback URL.
func (s *Store) DeleteWebhookURL(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_urls WHERE channel=?`, channel)
	return errors.Wrapf(err, "delete webhook url for %s", channel)
}

// RegisteredChannels lists channels that currently have a callback URL.
func (s *Store) RegisteredChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel FROM webhook_urls ORDER BY channel`)
	if err != nil {
		return nil, errors.Wrap(err, "list registered channels")
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// Open opens the shared SQLite database the way every role does: WAL mode and
// a single writer connection.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite store")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}
