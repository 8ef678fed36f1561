package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"rentalsync/internal/config"
	"rentalsync/internal/ics"
	appLog "rentalsync/internal/log"
	"rentalsync/internal/metrics"
	"rentalsync/internal/model"
	"rentalsync/internal/override"
	"rentalsync/internal/pipeline"
)

// Syncer runs reconciliations on demand and reports the last outcome.
type Syncer interface {
	Run(ctx context.Context) (pipeline.Result, error)
	Last() (pipeline.Status, bool)
}

// Server provides the HTTP API: rendered calendars, run status, an on-demand
// sync trigger and override editing.
type Server struct {
	cfg    *config.Config
	syncer Syncer
	store  override.Store
	mux    *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, syncer Syncer, store override.Store) *Server {
	s := &Server{
		cfg:    cfg,
		syncer: syncer,
		store:  store,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server, wrapped with
// basic auth and CORS when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	if len(s.cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
		}).Handler(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials mean auth is off.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rentalsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves the API on cfg.Listen until ctx is canceled, then
// shuts down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, syncer Syncer, store override.Store) error {
	s := NewServer(cfg, syncer, store)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // covers POST /api/calendar/sync
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /calendar/import.ics", s.handleCalendarFile(s.cfg.ImportCalendarPath))
	s.mux.HandleFunc("GET /calendar/master.ics", s.handleCalendarFile(s.cfg.MasterCalendarPath))

	s.mux.HandleFunc("GET /api/calendar/import", s.handleCalendarEvents(s.cfg.ImportCalendarPath))
	s.mux.HandleFunc("GET /api/calendar/master", s.handleCalendarEvents(s.cfg.MasterCalendarPath))
	s.mux.HandleFunc("GET /api/calendar/manual", s.handleManual)
	s.mux.HandleFunc("GET /api/calendar/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/calendar/sync", s.handleSync)

	s.mux.HandleFunc("GET /api/overrides", s.handleListOverrides)
	s.mux.HandleFunc("POST /api/overrides", s.handleCreateOverride)
	s.mux.HandleFunc("GET /api/overrides/stats", s.handleOverrideStats)
	s.mux.HandleFunc("GET /api/overrides/export", s.handleOverrideExport)
	s.mux.HandleFunc("GET /api/overrides/{id}", s.handleGetOverride)
	s.mux.HandleFunc("PUT /api/overrides/{id}", s.handleUpdateOverride)
	s.mux.HandleFunc("DELETE /api/overrides/{id}", s.handleDeleteOverride)
	s.mux.HandleFunc("POST /api/overrides/blocked", s.handleBlockUID)
	s.mux.HandleFunc("DELETE /api/overrides/blocked/{uid}", s.handleUnblockUID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCalendarFile serves a rendered calendar as-is, for subscribers.
func (s *Server) handleCalendarFile(path func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := os.ReadFile(path())
		if err != nil {
			s.calendarReadError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

// eventDTO is a JSON-friendly view of a calendar event.
type eventDTO struct {
	UID          string    `json:"uid"`
	Kind         string    `json:"kind,omitempty"`
	Source       string    `json:"source,omitempty"`
	ParentUID    string    `json:"parent_uid,omitempty"`
	Summary      string    `json:"summary"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	AllDay       bool      `json:"all_day"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Class        string    `json:"class"`
	Transparency string    `json:"transparency"`
}

type eventsResponse struct {
	Events          []eventDTO `json:"events"`
	DisplayTimeZone string     `json:"display_timezone"`
}

func (s *Server) handleCalendarEvents(path func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := os.ReadFile(path())
		if err != nil {
			s.calendarReadError(w, err)
			return
		}
		loc := s.cfg.Location()
		events, err := ics.Decode(body, loc)
		if err != nil {
			appLog.Error("api calendar: decode failed", err, "path", path())
			writeError(w, http.StatusInternalServerError, "failed to read calendar")
			return
		}

		dtos := make([]eventDTO, 0, len(events))
		for _, ev := range events {
			dtos = append(dtos, eventDTO{
				UID:          ev.UID,
				Kind:         string(ev.Kind),
				Source:       string(ev.Source),
				ParentUID:    ev.ParentUID,
				Summary:      ev.Summary,
				Description:  ev.Description,
				Location:     ev.Location,
				AllDay:       ev.AllDay,
				Start:        ev.Start,
				End:          ev.End,
				Class:        string(ev.Class),
				Transparency: string(ev.Transparency),
			})
		}
		writeJSON(w, http.StatusOK, eventsResponse{Events: dtos, DisplayTimeZone: loc.String()})
	}
}

func (s *Server) calendarReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "calendar not generated yet")
		return
	}
	appLog.Error("api calendar: read failed", err)
	writeError(w, http.StatusInternalServerError, "failed to read calendar")
}

// manualResponse is the override snapshot as the next run will see it.
type manualResponse struct {
	Overrides   []model.Override `json:"overrides"`
	BlockedUIDs []string         `json:"blocked_uids"`
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := manualResponse{Overrides: snap.Overrides, BlockedUIDs: snap.BlockedUIDs}
	if resp.Overrides == nil {
		resp.Overrides = []model.Override{}
	}
	if resp.BlockedUIDs == nil {
		resp.BlockedUIDs = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Status string           `json:"status"`
	Last   *pipeline.Status `json:"last,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.syncer.Last()
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Status: "never_run"})
		return
	}
	status := "ok"
	if st.Err != nil {
		status = "failed"
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status, Last: &st})
}

// handleSync runs a reconciliation synchronously and returns its summary.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.Run(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrNoSources):
			code = http.StatusBadGateway
		case errors.Is(err, pipeline.ErrNoEvents):
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, pipeline.Status{Result: res, Err: err, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListOverrides returns overrides, optionally filtered:
//
// GET /api/overrides?type=BLOCK_DATE&date=2026-02-10
func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}

	q := r.URL.Query()
	if t := q.Get("type"); t != "" {
		typ := model.OverrideType(t)
		if !typ.Valid() {
			writeError(w, http.StatusBadRequest, "unknown override type")
			return
		}
		list = override.ByType(list, typ)
	}
	if d := q.Get("date"); d != "" {
		day, err := model.ParseDate(d)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		list = override.OnDate(list, day)
	}
	if list == nil {
		list = []model.Override{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var in override.Input
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	o, err := s.store.Create(r.Context(), in)
	if err != nil {
		s.storeError(w, err)
		return
	}
	metrics.RecordOverrideEdit("create")
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleUpdateOverride(w http.ResponseWriter, r *http.Request) {
	var p override.Patch
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	o, err := s.store.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.storeError(w, err)
		return
	}
	metrics.RecordOverrideEdit("update")
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, err)
		return
	}
	metrics.RecordOverrideEdit("delete")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOverrideStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, override.Summarize(snap))
}

func (s *Server) handleOverrideExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="manual_calendar.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(override.ExportCalendar(snap))
}

type blockRequest struct {
	UID string `json:"uid"`
}

func (s *Server) handleBlockUID(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.store.BlockUID(r.Context(), req.UID); err != nil {
		s.storeError(w, err)
		return
	}
	metrics.RecordOverrideEdit("block")
	writeJSON(w, http.StatusCreated, blockRequest{UID: model.NormalizeUID(req.UID)})
}

func (s *Server) handleUnblockUID(w http.ResponseWriter, r *http.Request) {
	if err := s.store.UnblockUID(r.Context(), r.PathValue("uid")); err != nil {
		s.storeError(w, err)
		return
	}
	metrics.RecordOverrideEdit("unblock")
	w.WriteHeader(http.StatusNoContent)
}

// storeError maps override store errors to HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, override.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, override.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, override.ErrReadOnly):
		writeError(w, http.StatusMethodNotAllowed, err.Error())
	default:
		appLog.Error("override store failure", err, "path", s.store.Path())
		writeError(w, http.StatusInternalServerError, "override store failure")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
