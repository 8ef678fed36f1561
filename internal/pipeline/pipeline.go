// Package pipeline runs one reconciliation: fetch, extract, dedup, validate,
// synthesize buffers, apply overrides, render and write both calendars.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rentalsync/internal/config"
	"rentalsync/internal/ics"
	appLog "rentalsync/internal/log"
	"rentalsync/internal/metrics"
	"rentalsync/internal/model"
	"rentalsync/internal/override"
	"rentalsync/internal/reconcile"
)

var (
	// ErrNoSources means no platform feed could be fetched and parsed.
	ErrNoSources = errors.New("no calendar sources available")
	// ErrNoEvents means the reachable feeds contained no events.
	ErrNoEvents = errors.New("no events extracted")
	// ErrWrite means an output calendar could not be persisted.
	ErrWrite = errors.New("writing calendar failed")
)

const importCalendarName = "Import Calendar"

// SourceResult is the outcome of one platform on one run.
type SourceResult struct {
	Platform  model.Platform `json:"platform"`
	Status    ics.Status     `json:"status"`
	Events    int            `json:"events"`
	FromCache bool           `json:"from_cache,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Result summarizes a run.
type Result struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
	Sources   []SourceResult `json:"sources"`

	Extracted    int                      `json:"extracted"`
	Duplicates   int                      `json:"duplicates"`
	Rejected     map[reconcile.Reason]int `json:"rejected"`
	Reservations int                      `json:"reservations"`

	ImportEvents int             `json:"import_events"`
	MasterEvents int             `json:"master_events"`
	Overrides    reconcile.Stats `json:"overrides"`

	ImportPath string `json:"import_path,omitempty"`
	MasterPath string `json:"master_path,omitempty"`
}

// Imported is the number of events extracted from successful sources.
func (r Result) Imported() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Events
	}
	return n
}

// Runner executes runs one at a time. Concurrent callers of Run wait for
// the active run to finish.
type Runner struct {
	cfg       *config.Config
	fetcher   *ics.Fetcher
	overrides override.Reader
	now       func() time.Time

	mu sync.Mutex

	lastMu sync.RWMutex
	last   *Status
}

// Status is the outcome of the most recent run.
type Status struct {
	Result
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// New creates a Runner reading overrides from store.
func New(cfg *config.Config, store override.Reader) *Runner {
	return &Runner{
		cfg:       cfg,
		fetcher:   ics.NewFetcher(cfg.FetchTimeout(), cfg.CacheDir),
		overrides: store,
		now:       time.Now,
	}
}

// Last returns the most recent run outcome. ok is false before the first
// run.
func (r *Runner) Last() (st Status, ok bool) {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	if r.last == nil {
		return Status{}, false
	}
	return *r.last, true
}

// Run performs one full reconciliation. Both calendars are staged before
// either is replaced; on error the previous outputs stay in place.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := r.now()
	res, err := r.run(ctx, started)
	res.Duration = r.now().Sub(started)

	status := "ok"
	switch {
	case errors.Is(err, ErrNoSources):
		status = "no_sources"
	case errors.Is(err, ErrNoEvents):
		status = "no_events"
	case errors.Is(err, ErrWrite):
		status = "write_failed"
	case err != nil:
		status = "error"
	}
	metrics.RecordRun(status, res.Duration.Seconds())

	st := &Status{Result: res, Err: err}
	if err != nil {
		st.Error = err.Error()
	}
	r.lastMu.Lock()
	r.last = st
	r.lastMu.Unlock()

	if err != nil {
		appLog.Error("reconciliation run failed", err, "status", status)
		return res, err
	}
	appLog.Info("reconciliation run completed",
		"imported", res.Imported(),
		"duplicates", res.Duplicates,
		"reservations", res.Reservations,
		"import_events", res.ImportEvents,
		"master_events", res.MasterEvents,
		"blocked", res.Overrides.Blocked,
		"removed", res.Overrides.Removed,
		"hidden", res.Overrides.Hidden,
		"forced", res.Overrides.Forced,
		"injected", res.Overrides.Injected,
		"duration", res.Duration.String(),
	)
	return res, nil
}

func (r *Runner) run(ctx context.Context, started time.Time) (Result, error) {
	res := Result{StartedAt: started, Rejected: map[reconcile.Reason]int{}}

	// The snapshot is taken once; edits made during the run apply next time.
	snap, err := r.overrides.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("reading overrides: %w", err)
	}

	sources := make([]ics.Source, 0, len(model.Platforms))
	for _, p := range model.Platforms {
		sources = append(sources, ics.Source{Platform: p, URL: r.cfg.Source(p).URL})
	}
	docs := r.fetcher.FetchAll(ctx, sources)

	available := 0
	for _, doc := range docs {
		sr := SourceResult{Platform: doc.Source, Status: doc.Status, FromCache: doc.FromCache}
		if doc.Err != nil {
			sr.Error = doc.Err.Error()
		}
		if doc.OK() {
			available++
		}
		metrics.RecordFetch(string(doc.Source), string(doc.Status))
		res.Sources = append(res.Sources, sr)
	}
	if available == 0 {
		return res, ErrNoSources
	}

	raw := ics.Extract(docs, ics.ExtractOptions{
		Location:    r.cfg.Location(),
		HorizonDays: r.cfg.RecurrenceHorizonDays,
	})
	perSource := make(map[model.Platform]int, len(docs))
	for _, ev := range raw {
		perSource[ev.Source]++
	}
	for i := range res.Sources {
		n := perSource[res.Sources[i].Platform]
		res.Sources[i].Events = n
		metrics.SourceEvents.WithLabelValues(string(res.Sources[i].Platform)).Set(float64(n))
	}
	res.Extracted = len(raw)
	if len(raw) == 0 {
		return res, ErrNoEvents
	}

	reservations, duplicates := reconcile.Dedup(raw)
	res.Duplicates = duplicates

	report := reconcile.Validate(reservations)
	res.Rejected = report.RejectedByReason()
	for reason, n := range res.Rejected {
		metrics.RecordsRejectedTotal.WithLabelValues(string(reason)).Add(float64(n))
	}
	res.Reservations = len(report.Valid)

	imported := reconcile.Synthesize(report.Valid, r.cfg.BufferDays)
	merged := reconcile.Reconcile(imported, snap)
	res.ImportEvents = len(imported)
	res.MasterEvents = len(merged.Events)
	res.Overrides = merged.Stats
	recordOverrideStats(merged.Stats)
	metrics.MasterEvents.Set(float64(len(merged.Events)))

	importBody := ics.Render(imported, ics.Meta{Name: importCalendarName, Timezone: r.cfg.Timezone})
	masterBody := ics.Render(merged.Events, ics.Meta{Name: r.cfg.CalendarName, Timezone: r.cfg.Timezone})

	if err := ctx.Err(); err != nil {
		return res, err
	}

	importPath, masterPath := r.cfg.ImportCalendarPath(), r.cfg.MasterCalendarPath()
	err = config.WriteFilesAtomic(
		config.PendingFile{Path: importPath, Data: importBody, Perm: 0o644},
		config.PendingFile{Path: masterPath, Data: masterBody, Perm: 0o644},
	)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	res.ImportPath = importPath
	res.MasterPath = masterPath

	return res, nil
}

func recordOverrideStats(st reconcile.Stats) {
	metrics.RecordOverrideAction("blocked", st.Blocked)
	metrics.RecordOverrideAction("removed", st.Removed)
	metrics.RecordOverrideAction("hidden", st.Hidden)
	metrics.RecordOverrideAction("forced", st.Forced)
	metrics.RecordOverrideAction("injected", st.Injected)
}
