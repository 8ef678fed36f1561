package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

const untitledSummary = "Untitled"

// ExtractOptions controls how feed events are normalized.
type ExtractOptions struct {
	// Location is the timezone event dates are evaluated in. Nil means UTC.
	Location *time.Location
	// HorizonDays caps recurrence expansion, counted from each recurring
	// event's own DTSTART.
	HorizonDays int
}

// vevent is a normalized VEVENT plus the recurrence data Expand needs.
type vevent struct {
	model.RawEvent

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, if this VEVENT replaces one instance
}

// ParseCalendar parses a calendar document. An empty body is an error.
func ParseCalendar(body []byte) (*ical.Calendar, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	return ical.ParseCalendar(bytes.NewReader(body))
}

// Extract flattens every successfully fetched document into raw events, in
// document order and then feed order. Records without dates are kept so
// that the validator can report them.
func Extract(docs []Document, opts ExtractOptions) []model.RawEvent {
	out := make([]model.RawEvent, 0)
	for _, doc := range docs {
		if !doc.OK() {
			continue
		}
		events := ExtractCalendar(doc.Source, doc.Calendar, opts)
		appLog.Info("ics extract completed", "source", doc.Source, "event_count", len(events))
		out = append(out, events...)
	}
	return out
}

// ExtractCalendar normalizes the VEVENTs of one calendar. Recurring events
// are expanded into one raw event per occurrence.
func ExtractCalendar(src model.Platform, cal *ical.Calendar, opts ExtractOptions) []model.RawEvent {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	parsed := make([]vevent, 0)
	for _, ve := range cal.Events() {
		parsed = append(parsed, parseVEvent(src, ve, loc))
	}
	return expand(parsed, opts.HorizonDays)
}

func parseVEvent(src model.Platform, ve *ical.VEvent, loc *time.Location) vevent {
	var out vevent
	out.Source = src

	out.UID = strings.TrimSpace(propValue(ve, ical.ComponentPropertyUniqueId))

	out.Summary = strings.TrimSpace(propValue(ve, ical.ComponentPropertySummary))
	if out.Summary == "" {
		out.Summary = untitledSummary
	}
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)

	out.Class = model.ClassPublic
	switch strings.ToUpper(strings.TrimSpace(propValue(ve, ical.ComponentPropertyClass))) {
	case "PRIVATE", "CONFIDENTIAL":
		out.Class = model.ClassPrivate
	}
	out.Transparency = model.TranspOpaque
	if strings.EqualFold(strings.TrimSpace(propValue(ve, ical.ComponentPropertyTransp)), string(model.TranspTransparent)) {
		out.Transparency = model.TranspTransparent
	}

	out.AllDay = isDateValue(ve.GetProperty(ical.ComponentPropertyDtStart))
	out.Start = eventTime(ve, ical.ComponentPropertyDtStart, out.AllDay, loc)
	out.End = eventTime(ve, ical.ComponentPropertyDtEnd, out.AllDay, loc)
	if out.Start.IsZero() || out.End.IsZero() {
		appLog.Warn("ics vevent without start or end", "source", src, "uid", out.UID, "summary", out.Summary)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	// EXDATE may repeat and may hold comma separated values.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := propLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, exLoc); err == nil {
				out.ExDates = append(out.ExDates, normalize(t, out.AllDay, loc))
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, err := parseICSTime(p.Value, propLocation(p, loc)); err == nil {
			t = normalize(t, out.AllDay, loc)
			out.Recurrence = &t
		}
	}

	return out
}

// eventTime reads DTSTART/DTEND. Missing or unreadable values are zero.
func eventTime(ve *ical.VEvent, prop ical.ComponentProperty, allDay bool, loc *time.Location) time.Time {
	var (
		t   time.Time
		err error
	)
	switch {
	case prop == ical.ComponentPropertyDtStart && allDay:
		t, err = ve.GetAllDayStartAt()
	case prop == ical.ComponentPropertyDtStart:
		t, err = ve.GetStartAt()
	case allDay:
		t, err = ve.GetAllDayEndAt()
	default:
		t, err = ve.GetEndAt()
	}
	if err != nil {
		if !errors.Is(err, ical.ErrorPropertyNotFound) {
			appLog.Warn("ics vevent time unreadable", "property", string(prop), "err", err.Error())
		}
		return time.Time{}
	}
	// golang-ical reads floating DATE-TIME values in time.Local; they belong
	// to the configured zone.
	if p := ve.GetProperty(prop); !allDay && isFloating(p) {
		if ft, err := parseICSTime(p.Value, loc); err == nil {
			t = ft
		}
	}
	return normalize(t, allDay, loc)
}

// isFloating reports a DATE-TIME with neither a TZID nor a UTC suffix.
func isFloating(p *ical.IANAProperty) bool {
	if p == nil {
		return false
	}
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		return false
	}
	v := strings.TrimSpace(p.Value)
	return strings.Contains(v, "T") && !strings.HasSuffix(v, "Z")
}

// normalize moves t into loc. All-day values keep their calendar date and
// become midnight in loc; timed values keep their instant.
func normalize(t time.Time, allDay bool, loc *time.Location) time.Time {
	if allDay {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return t.In(loc)
}

func isDateValue(p *ical.IANAProperty) bool {
	if p == nil {
		return false
	}
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

// propLocation resolves a TZID parameter, defaulting to loc.
func propLocation(p *ical.IANAProperty, loc *time.Location) *time.Location {
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		if l, err := time.LoadLocation(tzs[0]); err == nil {
			return l
		}
	}
	return loc
}

// parseICSTime parses a DATE or DATE-TIME value. Floating values are
// interpreted in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
