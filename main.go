package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/zsprackett/eventsync/internal/applog"
	"github.com/zsprackett/eventsync/internal/cachesync"
	"github.com/zsprackett/eventsync/internal/config"
	"github.com/zsprackett/eventsync/internal/console"
	"github.com/zsprackett/eventsync/internal/db"
	"github.com/zsprackett/eventsync/internal/fetch"
	"github.com/zsprackett/eventsync/internal/filter"
	"github.com/zsprackett/eventsync/internal/identity"
	"github.com/zsprackett/eventsync/internal/notify"
	"github.com/zsprackett/eventsync/internal/resyncer"
	"github.com/zsprackett/eventsync/internal/route"
	"github.com/zsprackett/eventsync/internal/router"
	"github.com/zsprackett/eventsync/internal/transport"
	"github.com/zsprackett/eventsync/internal/webserver"
)

const filterMetaKey = "filter"

func openDB(path string) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}

	if len(os.Args) >= 2 && os.Args[1] == "timeline" {
		limit := 20
		if len(os.Args) >= 3 {
			n, err := strconv.Atoi(os.Args[2])
			if err != nil || n <= 0 {
				fatal("invalid count %q", os.Args[2])
			}
			limit = n
		}
		if err := printTimeline(cfg, limit); err != nil {
			fatal("%v", err)
		}
		return
	}

	if len(os.Args) >= 2 && os.Args[1] == "cache" {
		var kind cachesync.Kind
		if len(os.Args) >= 3 {
			kind = cachesync.Kind(os.Args[2])
			if !validKind(kind) {
				fatal("unknown kind %q", kind)
			}
		}
		if err := printCache(cfg, kind); err != nil {
			fatal("%v", err)
		}
		return
	}

	initial := route.Context{}
	if len(os.Args) >= 2 && os.Args[1] != "run" {
		fmt.Fprintln(os.Stderr, "usage: eventsync [run [route]] | timeline [n] | cache [kind]")
		os.Exit(2)
	}
	if len(os.Args) >= 3 {
		if initial, err = route.Parse(os.Args[2]); err != nil {
			fatal("%v", err)
		}
	}
	if err := run(cfg, initial); err != nil && err != context.Canceled {
		fatal("%v", err)
	}
}

func run(cfg config.Config, initial route.Context) error {
	logger, logCloser, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Stderr:   os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default()
	} else {
		defer logCloser.Close()
	}

	token := cfg.Token
	if token == "" && cfg.Username == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Session token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(raw))
	}
	user, err := identity.Resolve(cfg.Username, token)
	if err != nil {
		return err
	}

	store, err := openDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	filters := &filter.Holder{}
	if f, ok := loadFilter(ctx, store, logger); ok {
		filters.Set(f)
	} else if len(cfg.Filter.Projects) > 0 || cfg.Filter.Operation != "" {
		filters.Set(cfg.Filter)
	}
	routes := route.NewTracker(initial)
	notifier := notify.New(cfg.Notifications, logger)
	client := fetch.New(cfg.BaseURL, token)

	channel, err := transport.New(transport.Options{
		BaseURL:    cfg.BaseURL,
		Token:      token,
		RetryDelay: cfg.RetryDelayDuration(),
		Filters:    filters,
		Notifier:   notifier,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	web := webserver.New(store, routes, cfg.Webserver, logger)
	if err := web.Start(ctx); err != nil {
		return err
	}

	opts := router.Options{
		Store:    store,
		Routes:   routes,
		Filters:  filters,
		Timeline: store,
		Runs:     client,
		Notifier: notifier,
		User:     user,
		Logger:   logger,
	}
	if cfg.Webserver.Enabled {
		opts.Observer = web
	}
	rt := router.New(opts)
	defer rt.Wait()

	worker := resyncer.New(store, client, cfg.ResyncIntervalDuration(), logger)
	routes.Subscribe(worker.Open)
	worker.Open(initial)
	worker.Start()
	defer worker.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	con := console.New(routes, filters, channel, os.Stdout)
	con.OnFilter = func(f filter.Filter) { saveFilter(ctx, store, f, logger) }
	go func() {
		// Without input the stream keeps running until a signal arrives.
		if err := con.Run(ctx, os.Stdin); err != nil {
			logger.Debug("console: input closed", "err", err)
			return
		}
		cancel()
	}()

	logger.Info("eventsync: starting", "user", user, "url", channel.URL(), "route", initial.Path())
	return channel.Run(ctx, rt.Route)
}

func loadFilter(ctx context.Context, store *db.DB, logger *slog.Logger) (filter.Filter, bool) {
	raw, err := store.GetMeta(ctx, filterMetaKey)
	if err != nil || raw == "" {
		return filter.Filter{}, false
	}
	var f filter.Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		logger.Warn("eventsync: stored filter unreadable", "err", err)
		return filter.Filter{}, false
	}
	return f, true
}

func saveFilter(ctx context.Context, store *db.DB, f filter.Filter, logger *slog.Logger) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := store.SetMeta(ctx, filterMetaKey, string(data)); err != nil {
		logger.Warn("eventsync: could not persist filter", "err", err)
	}
}

func validKind(k cachesync.Kind) bool {
	for _, known := range cachesync.Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func printTimeline(cfg config.Config, limit int) error {
	store, err := openDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	entries, err := store.Timeline(context.Background(), limit)
	if err != nil {
		return err
	}
	return writeTimeline(os.Stdout, entries)
}

func writeTimeline(w io.Writer, entries []db.TimelineEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "timeline is empty")
		return err
	}
	for _, e := range entries {
		who := e.Event.Username
		if who == "" {
			who = "-"
		}
		if _, err := fmt.Fprintf(w, "%-14s %s/%s #%d by %s\n",
			humanize.Time(e.AddedAt), e.Event.ProjectKey, e.Event.WorkflowName, e.Event.WorkflowRunNum, who); err != nil {
			return err
		}
	}
	return nil
}

func printCache(cfg config.Config, kind cachesync.Kind) error {
	store, err := openDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	entries, err := store.Entries(context.Background(), kind)
	if err != nil {
		return err
	}
	return writeCache(os.Stdout, entries)
}

func writeCache(w io.Writer, entries []cachesync.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "cache is empty")
		return err
	}
	for _, e := range entries {
		mark := ""
		if e.ExternalChange {
			mark = " (changed by " + e.ExternalActor + ")"
		}
		if _, err := fmt.Fprintf(w, "%-12s %-40s %8s  %s%s\n",
			e.Key.Kind, e.Key.String(), humanize.Bytes(uint64(len(e.Data))), humanize.Time(e.UpdatedAt), mark); err != nil {
			return err
		}
	}
	return nil
}
