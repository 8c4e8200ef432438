package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zsprackett/eventsync/internal/cachesync"
)

// DB is the sqlite-backed entity cache. It also holds the activity timeline
// and the queue of pending resyncs.
type DB struct {
	sql *sql.DB
	now func() time.Time
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn, now: time.Now}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// SetNow replaces the time source. Used in tests only.
func (d *DB) SetNow(fn func() time.Time) {
	d.now = fn
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			kind            TEXT NOT NULL,
			key             TEXT NOT NULL,
			key_json        TEXT NOT NULL,
			data            TEXT NOT NULL DEFAULT '{}',
			external_change INTEGER NOT NULL DEFAULT 0,
			external_actor  TEXT NOT NULL DEFAULT '',
			updated_at      INTEGER NOT NULL,
			PRIMARY KEY (kind, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("create entries: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS timeline (
			id            TEXT PRIMARY KEY,
			added_at      INTEGER NOT NULL,
			type_event    TEXT NOT NULL,
			project_key   TEXT NOT NULL DEFAULT '',
			workflow_name TEXT NOT NULL DEFAULT '',
			event         TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create timeline: %w", err)
	}
	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_timeline_added_at ON timeline(added_at DESC)`); err != nil {
		return fmt.Errorf("index timeline: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS resync_queue (
			id          INTEGER PRIMARY KEY,
			kind        TEXT NOT NULL,
			key         TEXT NOT NULL,
			key_json    TEXT NOT NULL,
			options     TEXT NOT NULL DEFAULT '[]',
			enqueued_at INTEGER NOT NULL,
			UNIQUE (kind, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("create resync_queue: %w", err)
	}
	return nil
}

// Lookup implements cachesync.Store.
func (d *DB) Lookup(ctx context.Context, key cachesync.Key) (cachesync.Entry, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT key_json, data, external_change, external_actor, updated_at
		FROM entries WHERE kind = ? AND key = ?`, string(key.Kind), key.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cachesync.Entry{}, cachesync.ErrNotFound
	}
	return e, err
}

// Put stores a freshly fetched entry and clears any external-change mark.
func (d *DB) Put(ctx context.Context, e cachesync.Entry) error {
	keyJSON, err := json.Marshal(e.Key)
	if err != nil {
		return err
	}
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = d.now()
	}
	_, err = d.sql.ExecContext(ctx, `
		INSERT INTO entries (kind, key, key_json, data, external_change, external_actor, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (kind, key) DO UPDATE SET
			data = excluded.data,
			external_change = excluded.external_change,
			external_actor = excluded.external_actor,
			updated_at = excluded.updated_at`,
		string(e.Key.Kind), e.Key.String(), string(keyJSON), string(data),
		boolToInt(e.ExternalChange), e.ExternalActor, updated.UnixMilli(),
	)
	return err
}

// Entries lists cached entries of kind, or of every kind when kind is empty.
func (d *DB) Entries(ctx context.Context, kind cachesync.Kind) ([]cachesync.Entry, error) {
	q := `SELECT key_json, data, external_change, external_actor, updated_at FROM entries`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY kind, key`
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []cachesync.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (d *DB) deleteEntry(ctx context.Context, key cachesync.Key) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM entries WHERE kind = ? AND key = ?`, string(key.Kind), key.String())
	return err
}

func (d *DB) markExternalChange(ctx context.Context, key cachesync.Key, actor string) error {
	_, err := d.sql.ExecContext(ctx, `
		UPDATE entries SET external_change = 1, external_actor = ?
		WHERE kind = ? AND key = ?`, actor, string(key.Kind), key.String())
	return err
}

// SetMeta and GetMeta hold small pieces of client state such as the last
// subscription filter.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := d.sql.ExecContext(ctx, "INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := d.sql.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (cachesync.Entry, error) {
	var e cachesync.Entry
	var keyJSON, data string
	var external int
	var updated int64
	if err := row.Scan(&keyJSON, &data, &external, &e.ExternalActor, &updated); err != nil {
		return cachesync.Entry{}, err
	}
	if err := json.Unmarshal([]byte(keyJSON), &e.Key); err != nil {
		return cachesync.Entry{}, fmt.Errorf("decode key %s: %w", keyJSON, err)
	}
	e.Data = json.RawMessage(data)
	e.ExternalChange = external == 1
	e.UpdatedAt = time.UnixMilli(updated)
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
