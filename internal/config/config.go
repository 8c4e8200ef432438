package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zsprackett/eventsync/internal/filter"
	"github.com/zsprackett/eventsync/internal/notify"
	"github.com/zsprackett/eventsync/internal/webserver"
)

const (
	defaultRetryDelay     = 5 * time.Second
	defaultResyncInterval = time.Second
)

type Config struct {
	BaseURL        string           `json:"baseURL"`
	Token          string           `json:"token"`
	Username       string           `json:"username"` // overrides the token's subject when set
	RetryDelay     string           `json:"retryDelay"`
	ResyncInterval string           `json:"resyncInterval"`
	LogDir         string           `json:"logDir"`
	LogLevel       string           `json:"logLevel"`
	DBPath         string           `json:"dbPath"`
	Notifications  notify.Config    `json:"notifications"`
	Webserver      webserver.Config `json:"webserver"`
	Filter         filter.Filter    `json:"filter"`
}

func Defaults() Config {
	return Config{
		BaseURL:        "http://localhost:8081",
		RetryDelay:     defaultRetryDelay.String(),
		ResyncInterval: defaultResyncInterval.String(),
		LogDir:         LogDir(),
		LogLevel:       "info",
		DBPath:         DBPath(),
		Webserver: webserver.Config{
			Enabled: false,
			Port:    8090,
			Host:    "127.0.0.1",
		},
	}
}

func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".eventsync")
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

func DBPath() string {
	return filepath.Join(Dir(), "cache.db")
}

func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields Load cannot default.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("baseURL %q: must be http or https", c.BaseURL)
	}
	if _, err := parseDuration(c.RetryDelay); err != nil {
		return fmt.Errorf("retryDelay: %w", err)
	}
	if _, err := parseDuration(c.ResyncInterval); err != nil {
		return fmt.Errorf("resyncInterval: %w", err)
	}
	return nil
}

// RetryDelayDuration is the fixed wait between reconnect attempts.
func (c Config) RetryDelayDuration() time.Duration {
	if d, err := parseDuration(c.RetryDelay); err == nil && d > 0 {
		return d
	}
	return defaultRetryDelay
}

// ResyncIntervalDuration is how often the resync queue is drained.
func (c Config) ResyncIntervalDuration() time.Duration {
	if d, err := parseDuration(c.ResyncInterval); err == nil && d > 0 {
		return d
	}
	return defaultResyncInterval
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
