package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/zsprackett/eventsync/internal/cachesync"
	"github.com/zsprackett/eventsync/internal/events"
	"github.com/zsprackett/eventsync/internal/filter"
	"github.com/zsprackett/eventsync/internal/route"
	"github.com/zsprackett/eventsync/internal/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore records dispatched mutations and serves lookups from a map.
type memStore struct {
	mu         sync.Mutex
	entries    map[cachesync.Key]cachesync.Entry
	dispatched []cachesync.Mutation
	failOn     cachesync.Op
}

func newMemStore(keys ...cachesync.Key) *memStore {
	s := &memStore{entries: map[cachesync.Key]cachesync.Entry{}}
	for _, k := range keys {
		s.entries[k] = cachesync.Entry{Key: k, Data: json.RawMessage(`{}`)}
	}
	return s
}

func (s *memStore) Lookup(_ context.Context, key cachesync.Key) (cachesync.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return cachesync.Entry{}, cachesync.ErrNotFound
	}
	return e, nil
}

func (s *memStore) Dispatch(_ context.Context, m cachesync.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Op == s.failOn {
		return errors.New("disk full")
	}
	s.dispatched = append(s.dispatched, m)
	return nil
}

func (s *memStore) ops() []cachesync.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []cachesync.Op
	for _, m := range s.dispatched {
		out = append(out, m.Op)
	}
	return out
}

type memSink struct {
	added []events.Event
}

func (s *memSink) AddTimeline(_ context.Context, e events.Event) error {
	s.added = append(s.added, e)
	return nil
}

type notices struct {
	msgs []string
}

func (n *notices) Info(msg string) { n.msgs = append(n.msgs, msg) }

type runFetcher struct {
	keys []cachesync.Key
	err  error
	mu   sync.Mutex
}

func (f *runFetcher) FetchRun(_ context.Context, key cachesync.Key) (json.RawMessage, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"num":2}`), nil
}

type fixture struct {
	store   *memStore
	sink    *memSink
	notices *notices
	runs    *runFetcher
	routes  *route.Tracker
	filters *filter.Holder
	router  *router.Router
}

func newFixture(t *testing.T, rc route.Context, keys ...cachesync.Key) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(keys...),
		sink:    &memSink{},
		notices: &notices{},
		runs:    &runFetcher{},
		routes:  route.NewTracker(rc),
		filters: &filter.Holder{},
	}
	f.router = router.New(router.Options{
		Store:    f.store,
		Routes:   f.routes,
		Filters:  f.filters,
		Timeline: f.sink,
		Runs:     f.runs,
		Notifier: f.notices,
		User:     "alice",
		Logger:   discardLogger(),
	})
	return f
}

func TestRoute_EmptyTypeIsNoop(t *testing.T) {
	f := newFixture(t, route.Context{ProjectKey: "P1"}, cachesync.ProjectKey("P1"))
	f.router.Route(context.Background(), events.Event{ProjectKey: "P1", Username: "bob"})
	if len(f.store.dispatched) != 0 || len(f.sink.added) != 0 {
		t.Errorf("expected no effect, got %+v", f.store.dispatched)
	}
}

func TestRoute_ExternalVariableChangeMarksAndNotifies(t *testing.T) {
	f := newFixture(t, route.Context{ProjectKey: "P1"}, cachesync.ProjectKey("P1"))
	f.router.Route(context.Background(), events.Event{
		Type:       events.Type("sdk.EventProjectVariableAdd"),
		ProjectKey: "P1",
		Username:   "bob",
	})
	if len(f.store.dispatched) != 1 {
		t.Fatalf("expected 1 mutation, got %+v", f.store.dispatched)
	}
	m := f.store.dispatched[0]
	if m.Op != cachesync.OpMarkExternalChange || m.Actor != "bob" || m.Key != cachesync.ProjectKey("P1") {
		t.Errorf("mutation: got %+v", m)
	}
	if len(f.notices.msgs) != 1 || f.notices.msgs[0] != "project P1 has been modified by bob" {
		t.Errorf("notices: got %v", f.notices.msgs)
	}
}

func TestRoute_ApplicationEventHitsProjectAndApplication(t *testing.T) {
	rc := route.Context{ProjectKey: "P1", ApplicationName: "app"}
	f := newFixture(t, rc, cachesync.ProjectKey("P1"), cachesync.ApplicationKey("P1", "app"))
	f.router.Route(context.Background(), events.Event{
		Type:            events.ApplicationDelete,
		ProjectKey:      "P1",
		ApplicationName: "app",
		Username:        "alice",
	})
	want := []cachesync.Mutation{
		cachesync.Resync(cachesync.ProjectKey("P1"), cachesync.WithApplicationNames),
		cachesync.Evict(cachesync.ApplicationKey("P1", "app")),
		cachesync.RemoveChildName("P1", cachesync.KindApplication, "app"),
	}
	if len(f.store.dispatched) != len(want) {
		t.Fatalf("got %+v", f.store.dispatched)
	}
	for i, m := range want {
		got := f.store.dispatched[i]
		if got.Op != m.Op || got.Key != m.Key || got.Name != m.Name {
			t.Errorf("mutation %d: got %+v want %+v", i, got, m)
		}
	}
}

func TestRoute_NodeEventResyncsRunAndNode(t *testing.T) {
	rc := route.Context{ProjectKey: "P1", WorkflowName: "W", RunNumber: 5}
	f := newFixture(t, rc)
	f.router.Route(context.Background(), events.Event{
		Type:              events.RunWorkflowNode,
		ProjectKey:        "P1",
		WorkflowName:      "W",
		WorkflowRunNum:    5,
		WorkflowNodeRunID: 9,
	})
	if len(f.store.dispatched) != 2 {
		t.Fatalf("expected 2 resyncs, got %+v", f.store.dispatched)
	}
	if f.store.dispatched[0].Key != cachesync.RunKey("P1", "W", 5) ||
		f.store.dispatched[1].Key != cachesync.NodeRunKey("P1", "W", 5, 9) {
		t.Errorf("got %+v", f.store.dispatched)
	}
	if len(f.sink.added) != 0 {
		t.Error("node events stay out of the timeline")
	}
}

func TestRoute_RunStartedFetchesAndFeedsTimeline(t *testing.T) {
	rc := route.Context{ProjectKey: "P1", WorkflowName: "W"}
	f := newFixture(t, rc)
	f.router.Route(context.Background(), events.Event{
		Type:           events.RunWorkflow,
		ProjectKey:     "P1",
		WorkflowName:   "W",
		WorkflowRunNum: 2,
	})
	f.router.Wait()

	if len(f.runs.keys) != 1 || f.runs.keys[0] != cachesync.RunKey("P1", "W", 2) {
		t.Fatalf("run fetches: %+v", f.runs.keys)
	}
	ops := f.store.ops()
	if len(ops) != 1 || ops[0] != cachesync.OpReplaceOrInsert {
		t.Errorf("expected upsert, got %v", ops)
	}
	if len(f.sink.added) != 1 {
		t.Errorf("timeline: got %d entries", len(f.sink.added))
	}
}

func TestRoute_MutedRunStaysOutOfTimeline(t *testing.T) {
	f := newFixture(t, route.Context{})
	f.filters.Set(filter.Filter{Projects: []filter.ProjectFilter{{Key: "P1", WorkflowNames: []string{"W"}}}})
	f.router.Route(context.Background(), events.Event{Type: events.RunWorkflow, ProjectKey: "P1", WorkflowName: "W", WorkflowRunNum: 1})
	if len(f.sink.added) != 0 {
		t.Errorf("muted run admitted: %+v", f.sink.added)
	}
}

func TestRoute_OperationAndJob(t *testing.T) {
	f := newFixture(t, route.Context{})
	ctx := context.Background()
	f.router.Route(ctx, events.Event{Type: events.Operation, Payload: json.RawMessage(`{"uuid":"u-1","status":2}`)})
	f.router.Route(ctx, events.Event{Type: events.RunWorkflowNodeJob, Payload: json.RawMessage(`{"ID":12,"Status":"Building"}`)})
	// Malformed job payload is dropped.
	f.router.Route(ctx, events.Event{Type: events.RunWorkflowNodeJob, Payload: json.RawMessage(`{"ID":"x"}`)})

	if len(f.store.dispatched) != 2 {
		t.Fatalf("got %+v", f.store.dispatched)
	}
	if f.store.dispatched[0].Key != cachesync.OperationKey("u-1") || f.store.dispatched[1].Key != cachesync.JobRunKey(12) {
		t.Errorf("keys: %+v", f.store.dispatched)
	}
}

func TestRoute_StoreErrorDoesNotStopLaterSteps(t *testing.T) {
	rc := route.Context{ProjectKey: "P1", WorkflowName: "W"}
	f := newFixture(t, rc, cachesync.ProjectKey("P1"), cachesync.WorkflowKey("P1", "W"))
	f.store.failOn = cachesync.OpMarkExternalChange
	f.router.Route(context.Background(), events.Event{
		Type:         events.WorkflowUpdate,
		ProjectKey:   "P1",
		WorkflowName: "W",
		Username:     "bob",
	})
	if len(f.notices.msgs) != 0 {
		t.Errorf("notice sent for failed mark: %v", f.notices.msgs)
	}

	f.store.failOn = ""
	f.router.Route(context.Background(), events.Event{Type: events.RunWorkflow, ProjectKey: "P1", WorkflowName: "X", WorkflowRunNum: 1})
	if len(f.sink.added) != 1 {
		t.Errorf("timeline step skipped")
	}
}

func TestRoute_RunFetchErrorLeavesCache(t *testing.T) {
	f := newFixture(t, route.Context{ProjectKey: "P1", WorkflowName: "W"})
	f.runs.err = errors.New("timeout")
	f.router.Route(context.Background(), events.Event{Type: events.RunWorkflow, ProjectKey: "P1", WorkflowName: "W", WorkflowRunNum: 4})
	f.router.Wait()
	if ops := f.store.ops(); len(ops) != 0 {
		t.Errorf("expected no mutation, got %v", ops)
	}
}

func TestRoute_RouteChangeSeenImmediately(t *testing.T) {
	f := newFixture(t, route.Context{ProjectKey: "P1"}, cachesync.ProjectKey("P1"))
	f.routes.Set(route.Context{ProjectKey: "P2"})
	f.router.Route(context.Background(), events.Event{Type: events.ProjectUpdate, ProjectKey: "P1", Username: "alice"})
	if ops := f.store.ops(); len(ops) != 1 || ops[0] != cachesync.OpEvict {
		t.Errorf("expected evict after navigating away, got %v", ops)
	}
}

type observer struct {
	seen []events.Event
}

func (o *observer) Broadcast(e events.Event) { o.seen = append(o.seen, e) }

func TestRoute_ObserverSeesEveryEvent(t *testing.T) {
	obs := &observer{}
	r := router.New(router.Options{Store: newMemStore(), Observer: obs, Logger: discardLogger()})
	ctx := context.Background()
	r.Route(ctx, events.Event{Type: events.BroadcastAdd, Payload: json.RawMessage(`{"Broadcast":{"ID":3}}`)})
	r.Route(ctx, events.Event{Type: events.ProjectUpdate, ProjectKey: "P1"})
	r.Route(ctx, events.Event{})
	if len(obs.seen) != 2 {
		t.Errorf("observer: got %d events", len(obs.seen))
	}
}
