package model

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the booking platform an event was imported from.
type Platform string

const (
	PlatformAirbnb  Platform = "AIRBNB"
	PlatformBooking Platform = "BOOKING"
	PlatformVrbo    Platform = "VRBO"
	// PlatformManual marks events injected from manual overrides.
	PlatformManual Platform = "MANUAL"
)

// Platforms lists the synced platforms in fetch order.
var Platforms = []Platform{PlatformAirbnb, PlatformBooking, PlatformVrbo}

// ParsePlatform maps a case-insensitive name to a synced Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PlatformAirbnb, PlatformBooking, PlatformVrbo:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Class is the iCalendar CLASS (visibility) of an event.
type Class string

const (
	ClassPublic  Class = "PUBLIC"
	ClassPrivate Class = "PRIVATE"
)

// Transparency is the iCalendar TRANSP (busy/free) of an event.
type Transparency string

const (
	TranspOpaque      Transparency = "OPAQUE"
	TranspTransparent Transparency = "TRANSPARENT"
)

// Kind distinguishes the entries of a rendered calendar.
type Kind string

const (
	KindReservation  Kind = "RESERVATION"
	KindBufferBefore Kind = "PREP-TIME-BEFORE"
	KindBufferAfter  Kind = "PREP-TIME-AFTER"
	KindManualBlock  Kind = "MANUAL-BLOCK"
)

// IsBuffer reports whether k is one of the prep-time kinds.
func (k Kind) IsBuffer() bool {
	return k == KindBufferBefore || k == KindBufferAfter
}

// RawEvent is one VEVENT as seen from a single platform feed, after
// timezone normalization. It lives only for the duration of a run.
type RawEvent struct {
	Source Platform
	UID    string

	Summary     string
	Description string
	Location    string

	// Start / End are zero when the feed omitted DTSTART / DTEND.
	Start  time.Time
	End    time.Time
	AllDay bool

	Class        Class
	Transparency Transparency
}

// HasDates reports whether both boundaries were present in the feed.
func (e RawEvent) HasDates() bool {
	return !e.Start.IsZero() && !e.End.IsZero()
}

// Reservation is one real-world booking after deduplication.
type Reservation struct {
	UID    string
	Source Platform

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	Class        Class
	Transparency Transparency
}

// StartDate is the calendar date the reservation begins on.
func (r Reservation) StartDate() time.Time { return DateOf(r.Start) }

// EndDate is the calendar date the reservation ends on (exclusive).
func (r Reservation) EndDate() time.Time { return DateOf(r.End) }

// CalendarEvent is one entry of an import or master calendar.
type CalendarEvent struct {
	UID    string
	Kind   Kind
	Source Platform

	// ParentUID is the reservation a buffer belongs to.
	ParentUID string

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	Class        Class
	Transparency Transparency

	// Stamp is rendered as DTSTAMP. It must be derived from stable data so
	// that re-rendering an unchanged event yields identical bytes.
	Stamp time.Time
}

// StartDate is the calendar date the event begins on.
func (e CalendarEvent) StartDate() time.Time { return DateOf(e.Start) }

// EndDate is the calendar date the event ends on (exclusive).
func (e CalendarEvent) EndDate() time.Time { return DateOf(e.End) }

// OverrideType is the closed set of manual override directives.
type OverrideType string

const (
	OverrideBlockDate         OverrideType = "BLOCK_DATE"
	OverrideRemoveDate        OverrideType = "REMOVE_DATE"
	OverrideHideEvent         OverrideType = "HIDE_EVENT"
	OverrideForceAvailability OverrideType = "FORCE_AVAILABILITY"
)

// OverrideTypes lists every valid OverrideType.
var OverrideTypes = []OverrideType{
	OverrideBlockDate,
	OverrideRemoveDate,
	OverrideHideEvent,
	OverrideForceAvailability,
}

// Valid reports whether t belongs to the closed set.
func (t OverrideType) Valid() bool {
	for _, v := range OverrideTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Override is a user-authored instruction persisted independently of the
// synced data. Dates are kept as authored so that a malformed value can be
// reported (and skipped) at reconciliation time instead of being guessed.
type Override struct {
	ID          string       `json:"id" yaml:"id"`
	Type        OverrideType `json:"type" yaml:"type"`
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	DateStart   string       `json:"date_start,omitempty" yaml:"date_start,omitempty"`
	DateEnd     string       `json:"date_end,omitempty" yaml:"date_end,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"updated_at"`
}

// Interval returns the override's [start, end) date range. A missing end
// means a single day. Unparseable dates return an error.
func (o Override) Interval() (time.Time, time.Time, error) {
	if strings.TrimSpace(o.DateStart) == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("override %s: missing date_start", o.ID)
	}
	start, err := ParseDate(o.DateStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("override %s: date_start: %w", o.ID, err)
	}
	if strings.TrimSpace(o.DateEnd) == "" {
		return start, start.AddDate(0, 0, 1), nil
	}
	end, err := ParseDate(o.DateEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("override %s: date_end: %w", o.ID, err)
	}
	if !end.After(start) {
		// A same-day or inverted end still covers the start date.
		end = start.AddDate(0, 0, 1)
	}
	return start, end, nil
}

// OverrideSnapshot is the read-only view of the override store taken at
// the start of a run.
type OverrideSnapshot struct {
	Overrides []Override
	// BlockedUIDs are identifiers of synced events to drop entirely.
	BlockedUIDs []string
}

// NormalizeUID is the identity used for UID-block matching.
func NormalizeUID(uid string) string {
	uid = strings.TrimSpace(uid)
	uid = strings.TrimPrefix(uid, "<")
	uid = strings.TrimSuffix(uid, ">")
	return strings.ToLower(uid)
}

// DateOf truncates t to its calendar date in t's own location, returned as
// midnight UTC so dates from different zones compare directly.
func DateOf(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Overlaps is the half-open interval test used by every range directive:
// not (aEnd <= bStart or aStart >= bEnd).
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aEnd.After(bStart) && aStart.Before(bEnd)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
}

// ParseDate accepts the date forms overrides have historically been stored
// in (ISO date, ISO date-time with or without offset, iCalendar DATE and
// DATE-TIME) and returns the calendar date.
func ParseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", v)
}
