package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

// ProductID is the fixed PRODID of every rendered calendar.
const ProductID = "-//rentalsync//Rental Calendar Sync//EN"

var (
	propSource = ical.ComponentPropertyExtended("X-RENTALSYNC-SOURCE")
	propKind   = ical.ComponentPropertyExtended("X-RENTALSYNC-KIND")
)

// Meta is the calendar-level metadata of a rendered document.
type Meta struct {
	Name     string // X-WR-CALNAME
	Timezone string // X-WR-TIMEZONE
}

// Render serializes events, in order, into a calendar document. The output
// depends only on its input: no clock reads and no generated identifiers.
func Render(events []model.CalendarEvent, meta Meta) []byte {
	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetCalscale("GREGORIAN")
	if meta.Name != "" {
		cal.SetXWRCalName(meta.Name)
	}
	if meta.Timezone != "" {
		cal.SetXWRTimezone(meta.Timezone)
	}

	for _, ev := range events {
		if ev.Start.IsZero() || ev.End.IsZero() || ev.UID == "" {
			appLog.Warn("render: skipping event without identity or dates", "uid", ev.UID, "summary", ev.Summary)
			continue
		}
		addEvent(cal, ev)
	}

	return []byte(cal.Serialize())
}

func addEvent(cal *ical.Calendar, ev model.CalendarEvent) {
	ve := cal.AddEvent(ev.UID)
	ve.SetDtStampTime(ev.Stamp)

	if ev.AllDay {
		ve.SetAllDayStartAt(ev.StartDate())
		ve.SetAllDayEndAt(ev.EndDate())
	} else {
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
	}

	ve.SetSummary(ev.Summary)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if ev.Kind != "" {
		ve.AddCategory(string(ev.Kind))
		ve.SetProperty(propKind, string(ev.Kind))
	}
	if ev.Source != "" {
		ve.SetProperty(propSource, string(ev.Source))
	}
	if ev.ParentUID != "" {
		ve.SetProperty(ical.ComponentPropertyRelatedTo, ev.ParentUID)
	}

	if ev.Class == model.ClassPrivate {
		ve.SetClass(ical.ClassificationPrivate)
	} else {
		ve.SetClass(ical.ClassificationPublic)
	}
	if ev.Transparency == model.TranspTransparent {
		ve.SetTimeTransparency(ical.TransparencyTransparent)
	} else {
		ve.SetTimeTransparency(ical.TransparencyOpaque)
	}
}

// Decode reads a document produced by Render back into calendar events.
// Dates are evaluated in loc.
func Decode(body []byte, loc *time.Location) ([]model.CalendarEvent, error) {
	cal, err := ParseCalendar(body)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}

	out := make([]model.CalendarEvent, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		raw := parseVEvent("", ve, loc)
		ev := model.CalendarEvent{
			UID:          raw.UID,
			Kind:         model.Kind(strings.TrimSpace(propValue(ve, propKind))),
			Source:       model.Platform(strings.TrimSpace(propValue(ve, propSource))),
			ParentUID:    strings.TrimSpace(propValue(ve, ical.ComponentPropertyRelatedTo)),
			Summary:      raw.Summary,
			Description:  raw.Description,
			Location:     raw.Location,
			Start:        raw.Start,
			End:          raw.End,
			AllDay:       raw.AllDay,
			Class:        raw.Class,
			Transparency: raw.Transparency,
		}
		if stamp, err := ve.GetDtStampTime(); err == nil {
			ev.Stamp = stamp
		}
		out = append(out, ev)
	}
	return out, nil
}
