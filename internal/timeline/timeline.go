// Package timeline decides which events enter the activity timeline.
package timeline

import (
	"context"

	"github.com/zsprackett/eventsync/internal/events"
	"github.com/zsprackett/eventsync/internal/filter"
)

// Sink stores admitted timeline events.
type Sink interface {
	AddTimeline(ctx context.Context, e events.Event) error
}

// Admit reports whether e belongs in the timeline under filter f. Only
// run-started events are admitted, unless their workflow is muted.
func Admit(e events.Event, f filter.Filter) bool {
	if e.Type != events.RunWorkflow {
		return false
	}
	return !f.Mutes(e.ProjectKey, e.WorkflowName)
}

// Offer inserts a deep copy of e into sink when Admit allows it.
func Offer(ctx context.Context, sink Sink, e events.Event, f filter.Filter) (bool, error) {
	if !Admit(e, f) {
		return false, nil
	}
	if err := sink.AddTimeline(ctx, e.Clone()); err != nil {
		return false, err
	}
	return true, nil
}
