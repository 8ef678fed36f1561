package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

const (
	defaultHorizonDays            = 365
	defaultMaxOccurrencesPerEvent = 5000
)

// expand turns parsed VEVENTs into raw events, one per occurrence for
// recurring events. The expansion window is [DTSTART, DTSTART+horizon]
// so that the result never depends on the wall clock.
//
// RECURRENCE-ID instances replace the generated occurrence they point at;
// instances whose master is absent are kept as standalone events.
func expand(events []vevent, horizonDays int) []model.RawEvent {
	if horizonDays <= 0 {
		horizonDays = defaultHorizonDays
	}

	recurring := make(map[string]bool)
	overridesByUID := make(map[string][]vevent)
	for _, ev := range events {
		if ev.RawRRule != "" && ev.Recurrence == nil {
			recurring[ev.UID] = true
		}
		if ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		}
	}

	out := make([]model.RawEvent, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.Recurrence != nil && recurring[ev.UID]:
			// Emitted in place of its occurrence.
			continue
		case ev.RawRRule == "" || ev.Recurrence != nil:
			out = append(out, ev.RawEvent)
		default:
			out = append(out, expandRecurring(ev, overridesByUID[ev.UID], horizonDays)...)
		}
	}
	return out
}

func expandRecurring(ev vevent, overrides []vevent, horizonDays int) []model.RawEvent {
	if !ev.HasDates() {
		appLog.Warn("expand: recurring event without dates kept unexpanded", "source", ev.Source, "uid", ev.UID)
		return []model.RawEvent{ev.RawEvent}
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "source", ev.Source, "uid", ev.UID, "rrule", ev.RawRRule)
		return []model.RawEvent{ev.RawEvent}
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeEnd := ev.Start.AddDate(0, 0, horizonDays)
	occTimes := set.Between(ev.Start, rangeEnd, true)
	if len(occTimes) > defaultMaxOccurrencesPerEvent {
		appLog.Error("expand: truncated occurrences for UID due to cap",
			errors.New("max occurrences reached"),
			"uid", ev.UID,
			"cap", defaultMaxOccurrencesPerEvent,
		)
		occTimes = occTimes[:defaultMaxOccurrencesPerEvent]
	}

	out := make([]model.RawEvent, 0, len(occTimes))
	for _, occStart := range occTimes {
		occ := ev.RawEvent
		if ev.AllDay {
			// Keep the span in whole days so DST shifts cannot move a date.
			days := int(model.DateOf(ev.End).Sub(model.DateOf(ev.Start)).Hours() / 24)
			occ.Start = normalize(occStart, true, ev.Start.Location())
			occ.End = occ.Start.AddDate(0, 0, days)
		} else {
			occ.Start = occStart
			occ.End = occStart.Add(ev.End.Sub(ev.Start))
		}

		if o, ok := findOverrideForStart(overrides, occ.Start); ok {
			occ = o.RawEvent
		}
		occ.UID = instanceUID(ev.UID, occStart, ev.AllDay)
		out = append(out, occ)
	}
	return out
}

// findOverrideForStart finds the RECURRENCE-ID instance replacing the
// occurrence starting at start.
func findOverrideForStart(overrides []vevent, start time.Time) (vevent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return vevent{}, false
}

// instanceUID gives each occurrence a stable identity derived from the
// master UID and the occurrence start.
func instanceUID(uid string, start time.Time, allDay bool) string {
	if uid == "" {
		return ""
	}
	if allDay {
		return fmt.Sprintf("%s-%s", uid, start.Format("20060102"))
	}
	return fmt.Sprintf("%s-%s", uid, start.UTC().Format("20060102T150405Z"))
}
