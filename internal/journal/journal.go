// Package journal holds the tenant and journal-entry tables. The user table
// is the system's source of truth: alarm subscriptions and scheduler jobs are
// rebuilt from it on restart, never the other way around.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"hpjflow/internal/task"
)

// ErrUserNotFound is returned by lookups for unknown users.
var ErrUserNotFound = errors.New("journal: user not found")

// EnsureSchema creates the journal tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  channel TEXT NOT NULL,
  channel_id INTEGER NOT NULL,
  alarm TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE (channel, channel_id)
);
CREATE TABLE IF NOT EXISTS journal_entries (
  user_id INTEGER NOT NULL,
  date TEXT NOT NULL,
  sort_key TEXT NOT NULL,
  entry BLOB NOT NULL,
  deleted_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (user_id, date),
  FOREIGN KEY (user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_entries_sort ON journal_entries(user_id, sort_key);
`
	_, err := db.Exec(schema)
	return err
}

// User is a tenant on one channel. Alarm is the saved daily reminder time in
// HH:MM, empty when none is set.
type User struct {
	ID        int64
	Channel   task.Channel
	ChannelID int64
	Alarm     string
}

// Entry is one saved survey reply keyed by its journal date.
type Entry struct {
	UserID int64
	Date   string // wire format DD.MM.YY
	Body   json.RawMessage
}

// Repo wraps the journal tables.
type Repo struct {
	db *sql.DB
}

// NewRepo returns a Repo over an open database. EnsureSchema must have run.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// UpsertUser finds or creates the user for a (channel, channel_id) pair.
func (r *Repo) UpsertUser(ctx context.Context, channel task.Channel, channelID int64) (User, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users(channel, channel_id) VALUES(?, ?)
		 ON CONFLICT(channel, channel_id) DO NOTHING`, string(channel), channelID)
	if err != nil {
		return User{}, errors.Wrap(err, "upsert user")
	}
	return r.UserByChannel(ctx, channel, channelID)
}

// UserByChannel looks a user up by channel identity.
func (r *Repo) UserByChannel(ctx context.Context, channel task.Channel, channelID int64) (User, error) {
	var u User
	var alarm sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, channel, channel_id, alarm FROM users WHERE channel=? AND channel_id=?`,
		string(channel), channelID).Scan(&u.ID, &u.Channel, &u.ChannelID, &alarm)
	if err == sql.ErrNoRows {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, errors.Wrap(err, "lookup user")
	}
	u.Alarm = alarm.String
	return u, nil
}

// SetAlarm saves (or clears, with an empty string) a user's daily alarm time.
func (r *Repo) SetAlarm(ctx context.Context, userID int64, alarm string) error {
	var v any
	if alarm != "" {
		v = alarm
	}
	_, err := r.db.ExecContext(ctx, `UPDATE users SET alarm=? WHERE id=?`, v, userID)
	return errors.Wrapf(err, "set alarm for user %d", userID)
}

// UsersWithAlarms returns every user with a saved alarm time.
func (r *Repo) UsersWithAlarms(ctx context.Context) ([]User, error) {
	return r.queryUsers(ctx,
		`SELECT id, channel, channel_id, alarm FROM users WHERE alarm IS NOT NULL ORDER BY id`)
}

// UsersForChannels returns every user belonging to one of the given channels.
func (r *Repo) UsersForChannels(ctx context.Context, channels []task.Channel) ([]User, error) {
	if len(channels) == 0 {
		return nil, nil
	}

	query := `SELECT id, channel, channel_id, alarm FROM users WHERE channel IN (?` // at least one
	args := []any{string(channels[0])}
	for _, ch := range channels[1:] {
		query += `,?`
		args = append(args, string(ch))
	}
	query += `) ORDER BY id`
	return r.queryUsers(ctx, query, args...)
}

func (r *Repo) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query users")
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var alarm sql.NullString
		if err := rows.Scan(&u.ID, &u.Channel, &u.ChannelID, &alarm); err != nil {
			return nil, err
		}
		u.Alarm = alarm.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveEntry stores (or replaces) the survey reply for one journal date.
func (r *Repo) SaveEntry(ctx context.Context, userID int64, date string, body json.RawMessage) error {
	key, err := sortKey(date)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO journal_entries(user_id, date, sort_key, entry) VALUES(?, ?, ?, ?)
		 ON CONFLICT(user_id, date) DO UPDATE SET entry=excluded.entry, deleted_at=NULL`,
		userID, date, key, []byte(body))
	return errors.Wrapf(err, "save entry %s for user %d", date, userID)
}

// EntriesBetween returns a user's live entries with dates inside
// [start, end], both inclusive, ordered by date.
func (r *Repo) EntriesBetween(ctx context.Context, userID int64, start, end string) ([]Entry, error) {
	startKey, err := sortKey(start)
	if err != nil {
		return nil, err
	}
	endKey, err := sortKey(end)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT user_id, date, entry FROM journal_entries
WHERE user_id=? AND deleted_at IS NULL AND sort_key BETWEEN ? AND ?
ORDER BY sort_key`, userID, startKey, endKey)
	if err != nil {
		return nil, errors.Wrapf(err, "entries for user %d", userID)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var body []byte
		if err := rows.Scan(&e.UserID, &e.Date, &body); err != nil {
			return nil, err
		}
		e.Body = body
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOldEntries soft-deletes entries older than keepDays. Returns how many
// entries were marked.
func (r *Repo) MarkOldEntries(ctx context.Context, now time.Time, keepDays int) (int64, error) {
	cutoff, err := sortKey(now.AddDate(0, 0, -keepDays).Format(task.DateLayout))
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE journal_entries SET deleted_at=? WHERE deleted_at IS NULL AND sort_key < ?`,
		now.UTC().Format(time.RFC3339), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "mark old entries")
	}
	return res.RowsAffected()
}

// PurgeMarkedEntries permanently removes entries that were marked for
// deletion more than backupDays ago.
func (r *Repo) PurgeMarkedEntries(ctx context.Context, now time.Time, backupDays int) (int64, error) {
	cutoff := now.AddDate(0, 0, -backupDays).UTC().Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, `
DELETE FROM journal_entries WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purge marked entries")
	}
	return res.RowsAffected()
}

// sortKey converts a wire-format date to a lexicographically ordered key.
// The wire format (DD.MM.YY) does not sort correctly as text.
func sortKey(date string) (string, error) {
	t, err := time.Parse(task.DateLayout, date)
	if err != nil {
		return "", errors.Wrapf(err, "journal date %q", date)
	}
	return t.Format("2006-01-02"), nil
}
