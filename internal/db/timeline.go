package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/eventsync/internal/events"
)

type TimelineEntry struct {
	ID      string
	AddedAt time.Time
	Event   events.Event
}

// AddTimeline implements timeline.Sink.
func (d *DB) AddTimeline(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, `
		INSERT INTO timeline (id, added_at, type_event, project_key, workflow_name, event)
		VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), d.now().UnixMilli(), string(e.Type), e.ProjectKey, e.WorkflowName, string(data),
	)
	return err
}

// Timeline returns the newest limit entries, newest first.
func (d *DB) Timeline(ctx context.Context, limit int) ([]TimelineEntry, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, added_at, event FROM timeline
		ORDER BY added_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineEntry
	for rows.Next() {
		var te TimelineEntry
		var added int64
		var data string
		if err := rows.Scan(&te.ID, &added, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &te.Event); err != nil {
			return nil, err
		}
		te.AddedAt = time.UnixMilli(added)
		out = append(out, te)
	}
	return out, rows.Err()
}
