// Package webserver exposes the local cache, the timeline and the live event
// feed over HTTP for inspection, and lets a front end publish its route.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zsprackett/eventsync/internal/cachesync"
	"github.com/zsprackett/eventsync/internal/db"
	"github.com/zsprackett/eventsync/internal/events"
	"github.com/zsprackett/eventsync/internal/route"
)

type Config struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Host    string `json:"host"`
}

type Server struct {
	store   *db.DB
	routes  *route.Tracker
	cfg     Config
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[chan events.Event]struct{}
}

func New(store *db.DB, routes *route.Tracker, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		store:   store,
		routes:  routes,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[chan events.Event]struct{}),
	}
}

// Broadcast fans e out to every live /events client. Slow clients miss
// events rather than block the stream.
func (s *Server) Broadcast(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) addClient(ch chan events.Event) {
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(ch chan events.Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/cache", s.handleCache)
	mux.HandleFunc("GET /api/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/route", s.handleGetRoute)
	mux.HandleFunc("PUT /api/route", s.handlePutRoute)
	mux.HandleFunc("GET /events", s.handleSSE)
	return mux
}

// Start serves until ctx is done. It returns immediately when disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		s.logger.Info("webserver: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webserver: serve failed", "err", err)
		}
	}()
	return nil
}

type entryJSON struct {
	Kind           cachesync.Kind  `json:"kind"`
	Key            string          `json:"key"`
	ExternalChange bool            `json:"external_change"`
	ExternalActor  string          `json:"external_actor,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Data           json.RawMessage `json:"data"`
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	kind := cachesync.Kind(r.URL.Query().Get("kind"))
	entries, err := s.store.Entries(r.Context(), kind)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			Kind:           e.Key.Kind,
			Key:            e.Key.String(),
			ExternalChange: e.ExternalChange,
			ExternalActor:  e.ExternalActor,
			UpdatedAt:      e.UpdatedAt,
			Data:           e.Data,
		})
	}
	writeJSON(w, map[string]any{"entries": out})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	entries, err := s.store.Timeline(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{"id": e.ID, "added_at": e.AddedAt, "event": e.Event})
	}
	writeJSON(w, map[string]any{"timeline": out})
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	rc := s.routes.Current()
	writeJSON(w, map[string]any{"path": rc.Path(), "context": rc})
}

func (s *Server) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	rc, err := route.Parse(body.Path)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	s.routes.Set(rc)
	w.WriteHeader(204)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", 500)
		return
	}

	ch := make(chan events.Event, 16)
	s.addClient(ch)
	defer s.removeClient(ch)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, flusher, e)
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
