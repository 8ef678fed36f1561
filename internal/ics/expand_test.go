package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalsync/internal/model"
)

func extractOne(t *testing.T, horizon int, events ...string) []model.RawEvent {
	t.Helper()
	cal, err := ParseCalendar([]byte(icsDoc(events...)))
	require.NoError(t, err)
	return ExtractCalendar(model.PlatformBooking, cal, ExtractOptions{Location: time.UTC, HorizonDays: horizon})
}

func TestExpand_WeeklyWithExdate(t *testing.T) {
	events := extractOne(t, 365, `
UID:weekly@booking.com
DTSTART;VALUE=DATE:20260105
DTEND;VALUE=DATE:20260107
SUMMARY:Owner stay
RRULE:FREQ=WEEKLY;COUNT=3
EXDATE;VALUE=DATE:20260112
`)

	require.Len(t, events, 2)
	assert.Equal(t, "weekly@booking.com-20260105", events[0].UID)
	assert.Equal(t, "weekly@booking.com-20260119", events[1].UID)
	assert.Equal(t, time.Date(2026, 1, 19, 0, 0, 0, 0, time.UTC), events[1].Start)
	assert.Equal(t, time.Date(2026, 1, 21, 0, 0, 0, 0, time.UTC), events[1].End, "span of two days preserved")
	assert.True(t, events[1].AllDay)
}

func TestExpand_HorizonAnchoredAtDTStart(t *testing.T) {
	events := extractOne(t, 10, `
UID:daily@booking.com
DTSTART;VALUE=DATE:20200101
DTEND;VALUE=DATE:20200102
RRULE:FREQ=DAILY
`)

	// Inclusive window [DTSTART, DTSTART+10d].
	require.Len(t, events, 11)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), events[0].Start)
	assert.Equal(t, time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC), events[10].Start)
}

func TestExpand_RecurrenceIDReplacesOccurrence(t *testing.T) {
	events := extractOne(t, 365,
		`
UID:series@booking.com
DTSTART;VALUE=DATE:20260105
DTEND;VALUE=DATE:20260106
SUMMARY:Cleaning
RRULE:FREQ=DAILY;COUNT=3
`,
		`
UID:series@booking.com
RECURRENCE-ID;VALUE=DATE:20260106
DTSTART;VALUE=DATE:20260106
DTEND;VALUE=DATE:20260108
SUMMARY:Deep cleaning
`,
		`
UID:single@booking.com
DTSTART:20260110T100000Z
DTEND:20260110T120000Z
`,
	)

	require.Len(t, events, 4)
	assert.Equal(t, "Cleaning", events[0].Summary)
	assert.Equal(t, "Deep cleaning", events[1].Summary)
	assert.Equal(t, "series@booking.com-20260106", events[1].UID)
	assert.Equal(t, time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC), events[1].End)
	assert.Equal(t, "Cleaning", events[2].Summary)
	assert.Equal(t, "single@booking.com", events[3].UID, "non-recurring UIDs are untouched")
}

func TestExpand_BadRRuleKeepsMaster(t *testing.T) {
	events := extractOne(t, 30, `
UID:broken@booking.com
DTSTART;VALUE=DATE:20260105
DTEND;VALUE=DATE:20260106
RRULE:FREQ=SOMETIMES
`)
	require.Len(t, events, 1)
	assert.Equal(t, "broken@booking.com", events[0].UID)
}
