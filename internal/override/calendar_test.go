package override

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalsync/internal/model"
)

const manualCalendar = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//manual//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:typed-1\r\n" +
	"SUMMARY:[BLOCK_DATE] Owner stay\r\n" +
	"DESCRIPTION:Family visit\r\n" +
	"DTSTART;VALUE=DATE:20260210\r\n" +
	"DTEND;VALUE=DATE:20260213\r\n" +
	"X-EVENT-TYPE:BLOCK_DATE\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:legacy-remove\r\n" +
	"SUMMARY:Clear\r\n" +
	"DTSTART;VALUE=DATE:20260301\r\n" +
	"CATEGORIES:MANUAL-REMOVE\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:abc123@airbnb.com\r\n" +
	"SUMMARY:Reserved\r\n" +
	"CLASS:PRIVATE\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:note\r\n" +
	"SUMMARY:Just a note\r\n" +
	"DTSTART;VALUE=DATE:20260401\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestDecodeCalendar(t *testing.T) {
	snap, err := DecodeCalendar([]byte(manualCalendar))
	require.NoError(t, err)

	require.Len(t, snap.Overrides, 2)
	typed := snap.Overrides[0]
	assert.Equal(t, "typed-1", typed.ID)
	assert.Equal(t, model.OverrideBlockDate, typed.Type)
	assert.Equal(t, "Owner stay", typed.Title)
	assert.Equal(t, "Family visit", typed.Description)
	assert.Equal(t, "2026-02-10", typed.DateStart)
	assert.Equal(t, "2026-02-13", typed.DateEnd)

	legacy := snap.Overrides[1]
	assert.Equal(t, model.OverrideRemoveDate, legacy.Type)
	assert.Equal(t, "Clear", legacy.Title)
	assert.Equal(t, "2026-03-01", legacy.DateStart)
	assert.Empty(t, legacy.DateEnd)

	assert.Equal(t, []string{"abc123@airbnb.com"}, snap.BlockedUIDs)
}

func TestDecodeCalendar_RejectsGarbage(t *testing.T) {
	_, err := DecodeCalendar([]byte("not a calendar"))
	assert.Error(t, err)
}

func TestExportCalendar_RoundTrip(t *testing.T) {
	in := model.OverrideSnapshot{
		Overrides: []model.Override{
			{ID: "o1", Type: model.OverrideBlockDate, Title: "Owner stay", DateStart: "2026-02-10", DateEnd: "2026-02-12", CreatedAt: clock, UpdatedAt: clock},
			{ID: "o2", Type: model.OverrideHideEvent, Title: "Reserved", CreatedAt: clock, UpdatedAt: clock},
			{ID: "o3", Type: model.OverrideForceAvailability, Title: "Open", DateStart: "2026-05-01", CreatedAt: clock, UpdatedAt: clock},
		},
		BlockedUIDs: []string{"dup@vrbo.com"},
	}

	body := ExportCalendar(in)
	assert.Equal(t, body, ExportCalendar(in), "export is deterministic")
	assert.Contains(t, string(body), "SUMMARY:[BLOCK_DATE] Owner stay")
	assert.Contains(t, string(body), "CATEGORIES:MANUAL-BLOCK")
	assert.Contains(t, string(body), "TRANSP:TRANSPARENT")

	out, err := DecodeCalendar(body)
	require.NoError(t, err)
	require.Len(t, out.Overrides, 3)
	for i, o := range out.Overrides {
		assert.Equal(t, in.Overrides[i].ID, o.ID)
		assert.Equal(t, in.Overrides[i].Type, o.Type)
		assert.Equal(t, in.Overrides[i].Title, o.Title)
		assert.Equal(t, in.Overrides[i].DateStart, o.DateStart)
		assert.True(t, o.UpdatedAt.Equal(clock))
	}
	// A single-day override is exported with its exclusive end.
	assert.Equal(t, "2026-05-02", out.Overrides[2].DateEnd)
	assert.Equal(t, in.BlockedUIDs, out.BlockedUIDs)
}

func TestCalendarStore_ReadOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manual.ics")
	s := OpenCalendar(path)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err, "missing calendar is empty")
	assert.Empty(t, snap.Overrides)

	require.NoError(t, os.WriteFile(path, []byte(manualCalendar), 0o600))
	o, err := s.Get(ctx, "typed-1")
	require.NoError(t, err)
	assert.Equal(t, "Owner stay", o.Title)
	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Create(ctx, Input{Type: model.OverrideHideEvent, Title: "x"})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, s.Delete(ctx, "typed-1"), ErrReadOnly)
	assert.ErrorIs(t, s.BlockUID(ctx, "x"), ErrReadOnly)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "BEGIN:VCALENDAR"))
}
