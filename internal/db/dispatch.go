package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zsprackett/eventsync/internal/cachesync"
)

// childFields maps a child kind to the project summary field listing it.
var childFields = map[cachesync.Kind]string{
	cachesync.KindApplication: "application_names",
	cachesync.KindPipeline:    "pipeline_names",
	cachesync.KindWorkflow:    "workflow_names",
}

// Dispatch implements cachesync.Store. Mutations on absent entries are
// no-ops.
func (d *DB) Dispatch(ctx context.Context, m cachesync.Mutation) error {
	switch m.Op {
	case cachesync.OpEvict, cachesync.OpRemoveByID:
		return d.deleteEntry(ctx, m.Key)
	case cachesync.OpMarkExternalChange:
		return d.markExternalChange(ctx, m.Key, m.Actor)
	case cachesync.OpResync:
		return d.EnqueueResync(ctx, m.Key, m.Options)
	case cachesync.OpReplaceOrInsert:
		return d.Put(ctx, cachesync.Entry{Key: m.Key, Data: m.Data})
	case cachesync.OpRemoveChildName:
		return d.removeChildName(ctx, m.Key, m.Child, m.Name)
	}
	return fmt.Errorf("dispatch: unsupported op %q", m.Op)
}

func (d *DB) removeChildName(ctx context.Context, project cachesync.Key, child cachesync.Kind, name string) error {
	field, ok := childFields[child]
	if !ok {
		return fmt.Errorf("remove child name: unsupported child kind %q", child)
	}
	e, err := d.Lookup(ctx, project)
	if errors.Is(err, cachesync.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &doc); err != nil {
		return fmt.Errorf("decode project %s: %w", project, err)
	}
	raw, ok := doc[field]
	if !ok {
		return nil
	}
	var names []json.RawMessage
	if err := json.Unmarshal(raw, &names); err != nil {
		return fmt.Errorf("decode %s.%s: %w", project, field, err)
	}
	kept := names[:0]
	for _, n := range names {
		if childName(n) != name {
			kept = append(kept, n)
		}
	}
	if len(kept) == len(names) {
		return nil
	}
	if doc[field], err = json.Marshal(kept); err != nil {
		return err
	}
	if e.Data, err = json.Marshal(doc); err != nil {
		return err
	}
	e.UpdatedAt = d.now()
	return d.Put(ctx, e)
}

// childName reads a summary element, which is either a bare name or an
// object with a name field.
func childName(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.Name
}
