// Package transport maintains the single push stream from the server.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/eventsync/internal/events"
	"github.com/zsprackett/eventsync/internal/filter"
)

const (
	DefaultRetryDelay = 5 * time.Second
	writeWait         = 10 * time.Second
)

// Handler receives every OK event, one at a time, in arrival order.
type Handler func(ctx context.Context, ev events.Event)

// ErrorNotifier surfaces error envelopes to the viewer.
type ErrorNotifier interface {
	Error(msg string)
}

type Options struct {
	BaseURL    string
	Token      string
	RetryDelay time.Duration
	Filters    *filter.Holder
	Notifier   ErrorNotifier
	Logger     *slog.Logger
}

// Channel is a reconnecting websocket client. The active filter is sent on
// every open before any other outbound message.
type Channel struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	retryDelay time.Duration
	filters    *filter.Holder
	notifier   ErrorNotifier
	logger     *slog.Logger

	mu   sync.Mutex // guards conn and every write on it
	conn *websocket.Conn
}

func New(opts Options) (*Channel, error) {
	u, err := EndpointURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Filters == nil {
		opts.Filters = &filter.Holder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channel{
		url:        u,
		header:     header,
		dialer:     &websocket.Dialer{HandshakeTimeout: 30 * time.Second, Proxy: http.ProxyFromEnvironment},
		retryDelay: opts.RetryDelay,
		filters:    opts.Filters,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
	}, nil
}

// EndpointURL derives the stream URL from the API base URL: the http scheme
// becomes ws and "/ws" is appended to the path.
func EndpointURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawPath = ""
	return u.String(), nil
}

// URL returns the stream endpoint.
func (c *Channel) URL() string {
	return c.url
}

// Run keeps the stream open until ctx is done, reconnecting after a fixed
// delay on any failure. It returns ctx.Err().
func (c *Channel) Run(ctx context.Context, handle Handler) error {
	for {
		err := c.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("transport: stream closed, reconnecting", "err", err, "delay", c.retryDelay.String())
		t := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Channel) session(ctx context.Context, handle Handler) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.attach(conn); err != nil {
		return err
	}
	defer c.detach(conn)
	c.logger.Info("transport: stream open", "url", c.url)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("transport: undecodable frame", "err", err)
			continue
		}
		if env.Status != events.StatusOK {
			c.reportError(env)
			continue
		}
		if env.Event == nil {
			continue
		}
		handle(ctx, *env.Event)
	}
}

// attach sends the active filter on a fresh connection and only then makes
// it available to other writers.
func (c *Channel) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.filters.Get(); ok {
		if err := writeJSON(conn, f); err != nil {
			return fmt.Errorf("send filter: %w", err)
		}
	}
	c.conn = conn
	return nil
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// Connected reports whether the stream is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// UpdateFilter replaces the active filter and pushes it if the stream is
// open. Otherwise it is held for the next open.
func (c *Channel) UpdateFilter(f filter.Filter) error {
	c.filters.Set(f)
	return c.push()
}

// AddOperationFilter subscribes the current filter to one operation and
// pushes it.
func (c *Channel) AddOperationFilter(uuid string) error {
	c.filters.Update(func(f filter.Filter) filter.Filter {
		f.Operation = uuid
		return f
	})
	return c.push()
}

func (c *Channel) push() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	f, _ := c.filters.Get()
	if err := writeJSON(c.conn, f); err != nil {
		return fmt.Errorf("send filter: %w", err)
	}
	return nil
}

func (c *Channel) reportError(env events.Envelope) {
	msg := env.Error
	if msg == "" {
		msg = "stream status " + env.Status
	}
	c.logger.Warn("transport: error envelope", "status", env.Status, "error", env.Error)
	if c.notifier != nil {
		c.notifier.Error(msg)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
