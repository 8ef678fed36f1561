package override

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalsync/internal/config"
	"rentalsync/internal/model"
)

var clock = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func TestInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		wantErr bool
	}{
		{"block with dates", Input{Type: model.OverrideBlockDate, Title: "Owner stay", DateStart: "2026-02-10", DateEnd: "2026-02-12"}, false},
		{"single day", Input{Type: model.OverrideRemoveDate, Title: "Cleanup", DateStart: "2026-02-10"}, false},
		{"hide without dates", Input{Type: model.OverrideHideEvent, Title: "Reserved"}, false},
		{"ical date form", Input{Type: model.OverrideForceAvailability, Title: "Open", DateStart: "20260210"}, false},
		{"unknown type", Input{Type: "MAYBE", Title: "x", DateStart: "2026-02-10"}, true},
		{"missing title", Input{Type: model.OverrideBlockDate, Title: "   ", DateStart: "2026-02-10"}, true},
		{"block without start", Input{Type: model.OverrideBlockDate, Title: "x"}, true},
		{"garbage date", Input{Type: model.OverrideBlockDate, Title: "x", DateStart: "next tuesday"}, true},
		{"end before start", Input{Type: model.OverrideBlockDate, Title: "x", DateStart: "2026-02-10", DateEnd: "2026-02-01"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOnDateAndByType(t *testing.T) {
	list := []model.Override{
		{ID: "a", Type: model.OverrideBlockDate, DateStart: "2026-02-10", DateEnd: "2026-02-12"},
		{ID: "b", Type: model.OverrideRemoveDate, DateStart: "2026-02-12"},
		{ID: "c", Type: model.OverrideHideEvent, Title: "Reserved"},
	}

	ids := func(list []model.Override) []string {
		out := []string{}
		for _, o := range list {
			out = append(out, o.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a"}, ids(OnDate(list, time.Date(2026, 2, 11, 18, 0, 0, 0, time.UTC))))
	assert.Equal(t, []string{"b"}, ids(OnDate(list, time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC))), "end is exclusive")
	assert.Empty(t, OnDate(list, time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{"c"}, ids(ByType(list, model.OverrideHideEvent)))
	assert.Empty(t, ByType(list, model.OverrideForceAvailability))
}

func TestSummarize(t *testing.T) {
	later := clock.Add(time.Hour)
	st := Summarize(model.OverrideSnapshot{
		Overrides: []model.Override{
			{ID: "a", Type: model.OverrideBlockDate, UpdatedAt: clock},
			{ID: "b", Type: model.OverrideBlockDate, UpdatedAt: later},
			{ID: "c", Type: model.OverrideHideEvent, UpdatedAt: clock},
		},
		BlockedUIDs: []string{"x@airbnb.com"},
	})

	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByType[model.OverrideBlockDate])
	assert.Equal(t, 0, st.ByType[model.OverrideForceAvailability])
	assert.Equal(t, 1, st.BlockedUIDs)
	require.NotNil(t, st.LastModified)
	assert.True(t, st.LastModified.Equal(later))

	assert.Nil(t, Summarize(model.OverrideSnapshot{}).LastModified)
}

func TestOpen_SelectsBackend(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(config.OverridesConfig{Backend: config.BackendJSON, Path: filepath.Join(dir, "o.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(config.OverridesConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "o.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(config.OverridesConfig{Backend: config.BackendCalendar, Path: filepath.Join(dir, "manual.ics")})
	require.NoError(t, err)
	assert.IsType(t, &CalendarStore{}, s)

	_, err = Open(config.OverridesConfig{Backend: "redis"})
	assert.Error(t, err)
}

// testStoreContract exercises the edit path every writable backend shares.
func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Create(ctx, Input{Type: "MAYBE", Title: "x", DateStart: "2026-02-10"})
	require.ErrorIs(t, err, ErrInvalid)

	block, err := s.Create(ctx, Input{Type: model.OverrideBlockDate, Title: " Owner stay ", DateStart: "2026-02-10", DateEnd: "2026-02-12"})
	require.NoError(t, err)
	assert.NotEmpty(t, block.ID)
	assert.Equal(t, "Owner stay", block.Title)

	hide, err := s.Create(ctx, Input{Type: model.OverrideHideEvent, Title: "Reserved"})
	require.NoError(t, err)

	got, err := s.Get(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, block.ID, got.ID)
	assert.Equal(t, model.OverrideBlockDate, got.Type)
	assert.Equal(t, "2026-02-10", got.DateStart)
	assert.Equal(t, "2026-02-12", got.DateEnd)
	assert.True(t, got.CreatedAt.Equal(clock))

	updated, err := s.Update(ctx, block.ID, Patch{Title: ptr("Family"), DateEnd: ptr("2026-02-14")})
	require.NoError(t, err)
	assert.Equal(t, "Family", updated.Title)
	assert.Equal(t, "2026-02-14", updated.DateEnd)

	_, err = s.Update(ctx, block.ID, Patch{DateStart: ptr("soon")})
	require.ErrorIs(t, err, ErrInvalid)
	got, err = s.Get(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-10", got.DateStart, "rejected update left the record untouched")

	_, err = s.Update(ctx, "missing", Patch{Title: ptr("x")})
	require.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.Delete(ctx, hide.ID))
	_, err = s.Get(ctx, hide.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, hide.ID), ErrNotFound)

	require.NoError(t, s.BlockUID(ctx, "<ABC123@Airbnb.com>"))
	require.NoError(t, s.BlockUID(ctx, "abc123@airbnb.com"))
	require.ErrorIs(t, s.BlockUID(ctx, "  "), ErrInvalid)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123@airbnb.com"}, snap.BlockedUIDs)
	require.Len(t, snap.Overrides, 1)
	assert.Equal(t, block.ID, snap.Overrides[0].ID)

	require.NoError(t, s.UnblockUID(ctx, "ABC123@airbnb.com"))
	require.ErrorIs(t, s.UnblockUID(ctx, "abc123@airbnb.com"), ErrNotFound)
	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.BlockedUIDs)
}
