package notify_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zsprackett/eventsync/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNtfyNotification(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	n := notify.New(notify.Config{
		Enabled: true,
		NtfyURL: srv.URL + "/test-topic",
	}, discardLogger())

	n.Error("stream error: forbidden")

	if received == nil {
		t.Fatal("no POST received")
	}
	if received["message"] != "stream error: forbidden" {
		t.Errorf("unexpected message: %v", received["message"])
	}
	if received["priority"] != float64(4) {
		t.Errorf("unexpected priority: %v", received["priority"])
	}
}

func TestWebhookNotification(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(204)
	}))
	defer srv.Close()

	n := notify.New(notify.Config{Enabled: true, Webhook: srv.URL}, discardLogger())
	n.Info("bob modified project P1")

	if received["level"] != "info" || received["message"] != "bob modified project P1" {
		t.Errorf("unexpected payload: %v", received)
	}
}

func TestNotify_WebhookErrorLogged(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// Invalid URL forces a POST error.
	n := notify.New(notify.Config{Enabled: true, Webhook: "http://127.0.0.1:1"}, logger)
	n.Info("test")

	if !strings.Contains(buf.String(), "webhook") {
		t.Errorf("expected warn log mentioning webhook, got: %q", buf.String())
	}
}

func TestNotify_DisabledOnlyLogs(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	n := notify.New(notify.Config{Enabled: false, Webhook: "http://127.0.0.1:1"}, logger)
	n.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected notice in log, got %q", buf.String())
	}
	if strings.Contains(buf.String(), "webhook") {
		t.Errorf("disabled notifier must not post, got %q", buf.String())
	}
}
