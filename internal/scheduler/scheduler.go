// Package scheduler triggers reconciliation runs in serve mode: on a cron
// schedule and, optionally, whenever the override store file changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	appLog "rentalsync/internal/log"
)

const defaultDebounce = 500 * time.Millisecond

// Job is one reconciliation run.
type Job func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	// Spec is a standard 5-field cron expression or a descriptor such as
	// "@every 30m". Empty disables periodic runs.
	Spec string
	// Location evaluates Spec. Nil means time.Local.
	Location *time.Location
	// WatchPath, when set, triggers a run after the file changes.
	WatchPath string
	// Debounce coalesces bursts of file events. Zero means 500ms.
	Debounce time.Duration
}

// Scheduler runs Job on triggers. At most one run is active, and triggers
// arriving during a run collapse into a single follow-up run.
type Scheduler struct {
	job     Job
	opts    Options
	cron    *cron.Cron
	pending chan string
}

// New validates the schedule and returns an idle Scheduler.
func New(job Job, opts Options) (*Scheduler, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	s := &Scheduler{
		job:     job,
		opts:    opts,
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{})),
		pending: make(chan string, 1),
	}
	if opts.Spec != "" {
		if _, err := s.cron.AddFunc(opts.Spec, func() { s.Trigger("cron") }); err != nil {
			return nil, fmt.Errorf("invalid refresh schedule %q: %w", opts.Spec, err)
		}
	}
	return s, nil
}

// Trigger requests a run. It never blocks.
func (s *Scheduler) Trigger(reason string) {
	select {
	case s.pending <- reason:
	default:
		appLog.Debug("run already pending", "reason", reason)
	}
}

// Run starts the cron schedule and the file watcher and executes triggered
// jobs until ctx is canceled. An initial run is triggered immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.WatchPath != "" {
		w, err := s.watch(ctx)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	s.Trigger("startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-s.pending:
			appLog.Info("scheduled run starting", "reason", reason)
			if err := s.job(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("scheduled run failed", err, "reason", reason)
			}
		}
	}
}

// watch observes the directory of WatchPath, since stores replace the file
// by rename, and triggers a debounced run for events on that file only.
func (s *Scheduler) watch(ctx context.Context) (*fsnotify.Watcher, error) {
	target := filepath.Clean(s.opts.WatchPath)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating watch directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	appLog.Info("watching override store", "path", target)

	go func() {
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
					continue
				}
				appLog.Debug("override store changed", "op", ev.Op.String())
				if debounce == nil {
					debounce = time.AfterFunc(s.opts.Debounce, func() { s.Trigger("overrides changed") })
				} else {
					debounce.Reset(s.opts.Debounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				appLog.Error("file watcher error", err)
			}
		}
	}()
	return w, nil
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
