package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/zsprackett/eventsync/internal/cachesync"
)

// ResyncRequest is a queued refresh of one cache entry. Empty Options means
// the whole entity.
type ResyncRequest struct {
	ID         int64
	Key        cachesync.Key
	Options    []cachesync.LoadOption
	EnqueuedAt time.Time
}

// EnqueueResync queues a refresh of key. A request already pending for the
// same key is replaced by one carrying the union of both option sets, under
// a new id, so a worker completing the older id never drops the newer one.
// A full refresh absorbs everything.
func (d *DB) EnqueueResync(ctx context.Context, key cachesync.Key, opts []cachesync.LoadOption) error {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return err
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pendingJSON string
	err = tx.QueryRowContext(ctx, `SELECT options FROM resync_queue WHERE kind = ? AND key = ?`,
		string(key.Kind), key.String()).Scan(&pendingJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		var pending []cachesync.LoadOption
		if err := json.Unmarshal([]byte(pendingJSON), &pending); err != nil {
			return err
		}
		opts = mergeOptions(pending, opts)
	}

	optsJSON, err := json.Marshal(nonNil(opts))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO resync_queue (kind, key, key_json, options, enqueued_at)
		VALUES (?,?,?,?,?)`,
		string(key.Kind), key.String(), string(keyJSON), string(optsJSON), d.now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func mergeOptions(a, b []cachesync.LoadOption) []cachesync.LoadOption {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	out := slices.Clone(a)
	for _, o := range b {
		if !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}

func nonNil(opts []cachesync.LoadOption) []cachesync.LoadOption {
	if opts == nil {
		return []cachesync.LoadOption{}
	}
	return opts
}

// PendingResyncs returns up to limit queued requests, oldest first.
func (d *DB) PendingResyncs(ctx context.Context, limit int) ([]ResyncRequest, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, key_json, options, enqueued_at FROM resync_queue
		ORDER BY enqueued_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResyncRequest
	for rows.Next() {
		var r ResyncRequest
		var keyJSON, optsJSON string
		var enqueued int64
		if err := rows.Scan(&r.ID, &keyJSON, &optsJSON, &enqueued); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keyJSON), &r.Key); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(optsJSON), &r.Options); err != nil {
			return nil, err
		}
		if len(r.Options) == 0 {
			r.Options = nil
		}
		r.EnqueuedAt = time.UnixMilli(enqueued)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompleteResync removes a processed request.
func (d *DB) CompleteResync(ctx context.Context, id int64) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM resync_queue WHERE id = ?`, id)
	return err
}
