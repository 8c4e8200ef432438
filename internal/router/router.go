// Package router dispatches stream events to the cache handlers and the
// timeline, then applies the resulting mutations.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsprackett/eventsync/internal/cachesync"
	"github.com/zsprackett/eventsync/internal/events"
	"github.com/zsprackett/eventsync/internal/filter"
	"github.com/zsprackett/eventsync/internal/route"
	"github.com/zsprackett/eventsync/internal/timeline"
)

// Notifier shows transient notices to the viewer.
type Notifier interface {
	Info(msg string)
}

// RunFetcher loads one workflow run outside the resync queue.
type RunFetcher interface {
	FetchRun(ctx context.Context, key cachesync.Key) (json.RawMessage, error)
}

// Options wires a Router. Store is required; the rest may be nil.
type Options struct {
	Store    cachesync.Store
	Routes   *route.Tracker
	Filters  *filter.Holder
	Timeline timeline.Sink
	Runs     RunFetcher
	Notifier Notifier
	Observer events.Broadcaster
	User     string
	Logger   *slog.Logger
}

type Router struct {
	opts     Options
	logger   *slog.Logger
	inflight sync.WaitGroup
}

func New(opts Options) *Router {
	if opts.Routes == nil {
		opts.Routes = route.NewTracker(route.Context{})
	}
	if opts.Filters == nil {
		opts.Filters = &filter.Holder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{opts: opts, logger: opts.Logger}
}

// Route handles one event. Steps are not exclusive and run in order; a
// failing step is logged and the next one still runs.
func (r *Router) Route(ctx context.Context, ev events.Event) {
	if ev.Type == "" {
		return
	}
	log := r.logger.With("type_event", string(ev.Type), "project_key", ev.ProjectKey)

	if ev.Type.HasPrefix(events.Operation) {
		muts, err := cachesync.Operation(ev)
		if err != nil {
			log.Debug("router: dropping operation event", "err", err)
		}
		r.apply(ctx, log, muts)
	}

	if ev.Type.HasPrefix(events.RunWorkflowNodeJob) {
		muts, err := cachesync.JobRun(ev)
		if err != nil {
			log.Debug("router: dropping job event", "err", err)
		}
		r.apply(ctx, log, muts)
	}

	rc := r.opts.Routes.Current()
	user := r.opts.User

	if events.IsProjectStructural(ev.Type) {
		cached := r.lookup(ctx, log, cachesync.ProjectKey(ev.ProjectKey))
		r.apply(ctx, log, cachesync.Project(ev, cached, rc, user))
	}

	switch events.FamilyOf(ev.Type) {
	case events.FamilyApplication:
		cached := r.lookup(ctx, log, cachesync.ApplicationKey(ev.ProjectKey, ev.ApplicationName))
		r.apply(ctx, log, cachesync.Application(ev, cached, rc, user))
	case events.FamilyPipeline:
		cached := r.lookup(ctx, log, cachesync.PipelineKey(ev.ProjectKey, ev.PipelineName))
		r.apply(ctx, log, cachesync.Pipeline(ev, cached, rc, user))
	case events.FamilyWorkflow:
		cached := r.lookup(ctx, log, cachesync.WorkflowKey(ev.ProjectKey, ev.WorkflowName))
		r.apply(ctx, log, cachesync.Workflow(ev, cached, rc, user))
	case events.FamilyRun:
		r.apply(ctx, log, cachesync.WorkflowRun(ev, rc))
	case events.FamilyBroadcast:
		r.apply(ctx, log, cachesync.Broadcast(ev))
	}

	if r.opts.Timeline != nil {
		f, _ := r.opts.Filters.Get()
		if _, err := timeline.Offer(ctx, r.opts.Timeline, ev, f); err != nil {
			log.Warn("router: timeline insert failed", "err", err)
		}
	}

	if r.opts.Observer != nil {
		r.opts.Observer.Broadcast(ev.Clone())
	}
}

// Wait blocks until every standalone run fetch has been applied.
func (r *Router) Wait() {
	r.inflight.Wait()
}

func (r *Router) lookup(ctx context.Context, log *slog.Logger, key cachesync.Key) *cachesync.Entry {
	e, err := r.opts.Store.Lookup(ctx, key)
	if errors.Is(err, cachesync.ErrNotFound) {
		return nil
	}
	if err != nil {
		log.Warn("router: cache lookup failed", "key", key.String(), "err", err)
		return nil
	}
	return &e
}

func (r *Router) apply(ctx context.Context, log *slog.Logger, muts []cachesync.Mutation) {
	for _, m := range muts {
		if m.Op == cachesync.OpFetchRun {
			r.fetchRun(ctx, log, m.Key)
			continue
		}
		if err := r.opts.Store.Dispatch(ctx, m); err != nil {
			log.Warn("router: cache mutation failed", "op", string(m.Op), "key", m.Key.String(), "err", err)
			continue
		}
		log.Debug("router: applied", "op", string(m.Op), "key", m.Key.String())
		if m.Op == cachesync.OpMarkExternalChange && r.opts.Notifier != nil {
			r.opts.Notifier.Info(ExternalChangeNotice(m.Key, m.Actor))
		}
	}
}

// fetchRun loads the run on its own goroutine and upserts it. Concurrent
// fetches of the same run are not ordered; the last one applied wins.
func (r *Router) fetchRun(ctx context.Context, log *slog.Logger, key cachesync.Key) {
	if r.opts.Runs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		data, err := r.opts.Runs.FetchRun(ctx, key)
		if err != nil {
			log.Warn("router: run fetch failed", "key", key.String(), "err", err)
			return
		}
		if err := r.opts.Store.Dispatch(ctx, cachesync.ReplaceOrInsert(key, data)); err != nil {
			log.Warn("router: run upsert failed", "key", key.String(), "err", err)
		}
	}()
}

// ExternalChangeNotice is the text shown when another user changes the
// entity on screen.
func ExternalChangeNotice(key cachesync.Key, actor string) string {
	who := actor
	if who == "" {
		who = "another user"
	}
	return fmt.Sprintf("%s %s has been modified by %s", key.Kind, key.String(), who)
}
