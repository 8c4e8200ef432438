package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// Level is the severity of a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notifier surfaces transient notices to the viewer: external changes to
// what they are looking at and error envelopes from the stream. Notices are
// always logged; webhook and ntfy delivery is optional.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (n *Notifier) Info(msg string) {
	n.send(LevelInfo, msg)
}

func (n *Notifier) Error(msg string) {
	n.send(LevelError, msg)
}

func (n *Notifier) send(level Level, msg string) {
	if level == LevelError {
		n.logger.Error("notice", "msg", msg)
	} else {
		n.logger.Info("notice", "msg", msg)
	}
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(level, msg)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(level, msg)
	}
}

type webhookPayload struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(level Level, msg string) {
	payload := webhookPayload{
		Level:     string(level),
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := n.post(n.cfg.Webhook, payload); err != nil {
		n.logger.Warn("notify: webhook failed", "err", err)
	}
}

type ntfyPayload struct {
	Topic    string   `json:"topic,omitempty"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(level Level, msg string) {
	payload := ntfyPayload{
		Title:    "eventsync",
		Message:  msg,
		Priority: 3,
		Tags:     []string{"information_source"},
	}
	if level == LevelError {
		payload.Priority = 4
		payload.Tags = []string{"warning"}
	}
	if err := n.post(n.cfg.NtfyURL, payload); err != nil {
		n.logger.Warn("notify: ntfy failed", "err", err)
	}
}

func (n *Notifier) post(url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
