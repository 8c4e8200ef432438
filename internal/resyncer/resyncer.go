// Package resyncer drains the resync queue: it refetches queued entries and
// writes them back into the cache.
package resyncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/eventsync/internal/cachesync"
	"github.com/zsprackett/eventsync/internal/db"
	"github.com/zsprackett/eventsync/internal/fetch"
	"github.com/zsprackett/eventsync/internal/route"
)

// FetchFunc loads the entity behind key, restricted to opts when non-empty.
type FetchFunc func(ctx context.Context, key cachesync.Key, opts []cachesync.LoadOption) (json.RawMessage, error)

const batchSize = 50

type Resyncer struct {
	db       *db.DB
	interval time.Duration
	stop     chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup
	fetch    FetchFunc
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	opened *route.Context
}

func New(store *db.DB, client *fetch.Client, interval time.Duration, logger *slog.Logger) *Resyncer {
	return NewWithFetch(store, interval, logger, client.Fetch)
}

// NewWithFetch creates a Resyncer with an injectable fetch function. Used in tests.
func NewWithFetch(store *db.DB, interval time.Duration, logger *slog.Logger, fetch FetchFunc) *Resyncer {
	return &Resyncer{
		db:       store,
		interval: interval,
		stop:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		fetch:    fetch,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Resyncer) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-r.stop
			cancel()
		}()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.drain(ctx)
			case <-r.wake:
				if rc, ok := r.takeOpened(); ok {
					r.LoadRoute(ctx, rc)
				}
			}
		}
	}()
}

func (r *Resyncer) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Open schedules a load of every entity rc has open. Only the latest
// pending route is kept.
func (r *Resyncer) Open(rc route.Context) {
	r.mu.Lock()
	r.opened = &rc
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Resyncer) takeOpened() (route.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened == nil {
		return route.Context{}, false
	}
	rc := *r.opened
	r.opened = nil
	return rc, true
}

// LoadRoute fetches the entities rc has open and caches them in full.
// Entities the server no longer has are evicted. Every key is attempted;
// the errors are joined.
func (r *Resyncer) LoadRoute(ctx context.Context, rc route.Context) error {
	var errs []error
	for _, key := range cachesync.OpenedKeys(rc) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		data, err := r.fetch(ctx, key, nil)
		switch {
		case fetch.IsNotFound(err):
			err = r.db.Dispatch(ctx, cachesync.Evict(key))
		case err == nil:
			err = r.db.Put(ctx, cachesync.Entry{Key: key, Data: data, UpdatedAt: r.now()})
		}
		if err != nil {
			r.logger.Warn("resyncer: load failed", "key", key.String(), "kind", key.Kind, "err", err)
			errs = append(errs, fmt.Errorf("load %s %s: %w", key.Kind, key.String(), err))
		}
	}
	return errors.Join(errs...)
}

// RunOnce runs a single drain cycle synchronously. Used in tests.
func (r *Resyncer) RunOnce(ctx context.Context) {
	r.drain(ctx)
}

func (r *Resyncer) drain(ctx context.Context) {
	pending, err := r.db.PendingResyncs(ctx, batchSize)
	if err != nil {
		r.logger.Warn("resyncer: load queue failed", "err", err)
		return
	}
	for _, req := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := r.resync(ctx, req); err != nil {
			r.logger.Warn("resyncer: resync failed", "key", req.Key.String(), "kind", req.Key.Kind, "err", err)
		}
		if err := r.db.CompleteResync(ctx, req.ID); err != nil {
			r.logger.Warn("resyncer: complete failed", "id", req.ID, "err", err)
		}
	}
}

// resync refreshes one entry. Entity entries evicted since the request was
// queued stay evicted; runs and node runs load whether cached or not.
func (r *Resyncer) resync(ctx context.Context, req db.ResyncRequest) error {
	cached, err := r.db.Lookup(ctx, req.Key)
	absent := errors.Is(err, cachesync.ErrNotFound)
	switch {
	case absent && !loadsWhenAbsent(req.Key.Kind):
		r.logger.Debug("resyncer: entry gone, skipping", "key", req.Key.String())
		return nil
	case err != nil && !absent:
		return err
	}

	// An absent run has nothing to merge into, so it is loaded in full.
	opts := req.Options
	if absent {
		opts = nil
	}
	data, err := r.fetch(ctx, req.Key, opts)
	if fetch.IsNotFound(err) {
		r.logger.Info("resyncer: entity deleted upstream, evicting", "key", req.Key.String())
		return r.db.Dispatch(ctx, cachesync.Evict(req.Key))
	}
	if err != nil {
		return err
	}

	if len(opts) > 0 {
		if data, err = mergeFields(cached.Data, data, opts); err != nil {
			return err
		}
	}
	return r.db.Put(ctx, cachesync.Entry{Key: req.Key, Data: data, UpdatedAt: r.now()})
}

// loadsWhenAbsent reports whether a resync of kind fetches even when nothing
// is cached. The open run and its node runs are refreshed in place.
func loadsWhenAbsent(kind cachesync.Kind) bool {
	return kind == cachesync.KindRun || kind == cachesync.KindNodeRun
}

// mergeFields copies the option fields of fetched into cached, leaving
// every other cached field as is. Fields absent from fetched are removed.
func mergeFields(cached, fetched json.RawMessage, opts []cachesync.LoadOption) (json.RawMessage, error) {
	var base, update map[string]json.RawMessage
	if err := json.Unmarshal(cached, &base); err != nil {
		return nil, fmt.Errorf("decode cached: %w", err)
	}
	if err := json.Unmarshal(fetched, &update); err != nil {
		return nil, fmt.Errorf("decode fetched: %w", err)
	}
	if base == nil {
		base = map[string]json.RawMessage{}
	}
	for _, o := range opts {
		if v, ok := update[o.Field]; ok {
			base[o.Field] = v
		} else {
			delete(base, o.Field)
		}
	}
	return json.Marshal(base)
}
