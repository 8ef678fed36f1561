package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalsync/internal/config"
	"rentalsync/internal/ics"
	"rentalsync/internal/model"
	"rentalsync/internal/override"
	"rentalsync/internal/pipeline"
)

type fakeSyncer struct {
	res  pipeline.Result
	err  error
	last *pipeline.Status
}

func (f *fakeSyncer) Run(context.Context) (pipeline.Result, error) {
	st := pipeline.Status{Result: f.res, Err: f.err}
	if f.err != nil {
		st.Error = f.err.Error()
	}
	f.last = &st
	return f.res, f.err
}

func (f *fakeSyncer) Last() (pipeline.Status, bool) {
	if f.last == nil {
		return pipeline.Status{}, false
	}
	return *f.last, true
}

func newTestServer(t *testing.T, store override.Store) (*httptest.Server, *config.Config, *fakeSyncer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.OutputDir = t.TempDir()
	if store == nil {
		store = override.OpenFile(filepath.Join(cfg.OutputDir, "manual_events.json"))
	}
	syncer := &fakeSyncer{}
	srv := httptest.NewServer(NewServer(cfg, syncer, store).Handler())
	t.Cleanup(srv.Close)
	return srv, cfg, syncer
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestBasicAuth_ExemptsHealth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "host", Password: "secret"}
	store := override.OpenFile(filepath.Join(cfg.OutputDir, "o.json"))
	srv := httptest.NewServer(NewServer(cfg, &fakeSyncer{}, store).Handler())
	defer srv.Close()

	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/overrides", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/overrides", nil)
	require.NoError(t, err)
	req.SetBasicAuth("host", "secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestCalendarEndpoints(t *testing.T) {
	srv, cfg, _ := newTestServer(t, nil)

	resp := do(t, http.MethodGet, srv.URL+"/calendar/master.ics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "nothing rendered yet")

	start := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	body := ics.Render([]model.CalendarEvent{{
		UID: "a1@airbnb.com", Kind: model.KindReservation, Source: model.PlatformAirbnb,
		Summary: "Reserved", Start: start, End: start.AddDate(0, 0, 5), AllDay: true,
		Class: model.ClassPublic, Transparency: model.TranspOpaque, Stamp: start,
	}}, ics.Meta{Name: "Master Calendar", Timezone: "UTC"})
	require.NoError(t, os.WriteFile(cfg.MasterCalendarPath(), body, 0o644))

	resp = do(t, http.MethodGet, srv.URL+"/calendar/master.ics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/calendar")

	resp = do(t, http.MethodGet, srv.URL+"/api/calendar/master", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[eventsResponse](t, resp)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "a1@airbnb.com", got.Events[0].UID)
	assert.Equal(t, "RESERVATION", got.Events[0].Kind)
	assert.Equal(t, "AIRBNB", got.Events[0].Source)
	assert.True(t, got.Events[0].AllDay)
}

func TestOverrideCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp := do(t, http.MethodPost, srv.URL+"/api/overrides", `{"type":"MAYBE","title":"x","date_start":"2026-02-10"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/overrides", `{"type":"BLOCK_DATE","title":"Owner stay","date_start":"2026-02-10","date_end":"2026-02-12"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[model.Override](t, resp)
	assert.NotEmpty(t, created.ID)

	resp = do(t, http.MethodPost, srv.URL+"/api/overrides", `{"type":"HIDE_EVENT","title":"Reserved"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/overrides?type=BLOCK_DATE", "")
	list := decode[[]model.Override](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	resp = do(t, http.MethodGet, srv.URL+"/api/overrides?date=2026-02-11", "")
	assert.Len(t, decode[[]model.Override](t, resp), 1)

	resp = do(t, http.MethodGet, srv.URL+"/api/overrides?type=NOPE", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/api/overrides/"+created.ID, `{"title":"Family"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Family", decode[model.Override](t, resp).Title)

	resp = do(t, http.MethodGet, srv.URL+"/api/overrides/stats", "")
	stats := decode[override.Stats](t, resp)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByType[model.OverrideHideEvent])

	resp = do(t, http.MethodGet, srv.URL+"/api/overrides/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/calendar")

	resp = do(t, http.MethodDelete, srv.URL+"/api/overrides/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/api/overrides/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBlockedUIDs(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp := do(t, http.MethodPost, srv.URL+"/api/overrides/blocked", `{"uid":"<ABC@Airbnb.com>"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/calendar/manual", "")
	manual := decode[manualResponse](t, resp)
	assert.Equal(t, []string{"abc@airbnb.com"}, manual.BlockedUIDs)
	assert.Empty(t, manual.Overrides)

	resp = do(t, http.MethodDelete, srv.URL+"/api/overrides/blocked/abc@airbnb.com", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/api/overrides/blocked/abc@airbnb.com", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSyncAndStatus(t *testing.T) {
	srv, _, syncer := newTestServer(t, nil)

	resp := do(t, http.MethodGet, srv.URL+"/api/calendar/status", "")
	assert.Equal(t, "never_run", decode[statusResponse](t, resp).Status)

	syncer.err = pipeline.ErrNoSources
	resp = do(t, http.MethodPost, srv.URL+"/api/calendar/sync", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/calendar/status", "")
	st := decode[statusResponse](t, resp)
	assert.Equal(t, "failed", st.Status)
	require.NotNil(t, st.Last)
	assert.Equal(t, pipeline.ErrNoSources.Error(), st.Last.Error)

	syncer.err = nil
	syncer.res = pipeline.Result{Reservations: 3, MasterEvents: 9}
	resp = do(t, http.MethodPost, srv.URL+"/api/calendar/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 9, decode[pipeline.Result](t, resp).MasterEvents)
}

func TestReadOnlyStore(t *testing.T) {
	store := override.OpenCalendar(filepath.Join(t.TempDir(), "manual.ics"))
	srv, _, _ := newTestServer(t, store)

	resp := do(t, http.MethodPost, srv.URL+"/api/overrides", `{"type":"HIDE_EVENT","title":"Reserved"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/overrides", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	resp := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
