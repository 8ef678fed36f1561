package reconcile

import (
	"time"

	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

const defaultBlockSummary = "Blocked"

// Stats counts what the reconciler did to the event set.
type Stats struct {
	Kept             int `json:"kept"`
	Blocked          int `json:"blocked"`
	Removed          int `json:"removed"`
	Hidden           int `json:"hidden"`
	Forced           int `json:"forced"`
	Injected         int `json:"injected"`
	SkippedOverrides int `json:"skipped_overrides"`
}

// Result is the merged calendar of one run.
type Result struct {
	Events []model.CalendarEvent
	Stats  Stats
}

type dateRange struct {
	override model.Override
	start    time.Time
	end      time.Time
}

// rules is the override snapshot compiled for matching.
type rules struct {
	blocked map[string]bool
	removes []dateRange
	hides   map[string]bool
	forces  map[time.Time]bool
	blocks  []dateRange
	skipped int
}

// Reconcile applies the override snapshot to the synthesized events. For
// each event the first matching rule wins:
//
//  1. UID in the blocked set: dropped.
//  2. Overlaps a REMOVE_DATE range: dropped.
//  3. Summary equals a HIDE_EVENT title: kept, class forced to private.
//     Buffers are never hidden.
//  4. Starts on a FORCE_AVAILABILITY date: kept, marked transparent.
//
// Survivors keep their input order. BLOCK_DATE ranges that no surviving
// reservation overlaps are appended as manual block events. Overrides with
// unreadable dates are skipped with a warning.
func Reconcile(events []model.CalendarEvent, snap model.OverrideSnapshot) Result {
	rs := compile(snap)
	res := Result{Events: make([]model.CalendarEvent, 0, len(events)+len(rs.blocks))}
	res.Stats.SkippedOverrides = rs.skipped

	for _, ev := range events {
		if rs.blocked[model.NormalizeUID(ev.UID)] {
			appLog.Info("reconcile: dropped blocked event", "uid", ev.UID, "summary", ev.Summary)
			res.Stats.Blocked++
			continue
		}

		start, end := eventDates(ev)
		if o, ok := rs.removedBy(start, end); ok {
			appLog.Info("reconcile: dropped event in removed range", "uid", ev.UID, "override", o.ID)
			res.Stats.Removed++
			continue
		}

		switch {
		case !ev.Kind.IsBuffer() && rs.hides[ev.Summary]:
			ev.Class = model.ClassPrivate
			res.Stats.Hidden++
		case rs.forces[start]:
			ev.Transparency = model.TranspTransparent
			res.Stats.Forced++
		}

		res.Events = append(res.Events, ev)
	}
	res.Stats.Kept = len(res.Events)

	for _, b := range rs.blocks {
		if coveredByReservation(res.Events, b) {
			appLog.Debug("reconcile: block already covered by a reservation", "override", b.override.ID)
			continue
		}
		res.Events = append(res.Events, blockEvent(b))
		res.Stats.Injected++
	}

	return res
}

func compile(snap model.OverrideSnapshot) rules {
	rs := rules{
		blocked: make(map[string]bool, len(snap.BlockedUIDs)),
		hides:   make(map[string]bool),
		forces:  make(map[time.Time]bool),
	}
	for _, uid := range snap.BlockedUIDs {
		if n := model.NormalizeUID(uid); n != "" {
			rs.blocked[n] = true
		}
	}

	for _, o := range snap.Overrides {
		switch o.Type {
		case model.OverrideRemoveDate, model.OverrideBlockDate:
			start, end, err := o.Interval()
			if err != nil {
				rs.skip(o, err)
				continue
			}
			r := dateRange{override: o, start: start, end: end}
			if o.Type == model.OverrideRemoveDate {
				rs.removes = append(rs.removes, r)
			} else {
				rs.blocks = append(rs.blocks, r)
			}
		case model.OverrideHideEvent:
			if o.Title == "" {
				appLog.Warn("reconcile: skipping HIDE_EVENT without title", "override", o.ID)
				rs.skipped++
				continue
			}
			rs.hides[o.Title] = true
		case model.OverrideForceAvailability:
			day, err := model.ParseDate(o.DateStart)
			if err != nil {
				rs.skip(o, err)
				continue
			}
			rs.forces[day] = true
		default:
			appLog.Warn("reconcile: skipping override of unknown type", "override", o.ID, "type", string(o.Type))
			rs.skipped++
		}
	}
	return rs
}

func (rs *rules) skip(o model.Override, err error) {
	appLog.Warn("reconcile: skipping override with unreadable dates",
		"override", o.ID, "type", string(o.Type), "err", err.Error())
	rs.skipped++
}

func (rs *rules) removedBy(start, end time.Time) (model.Override, bool) {
	for _, r := range rs.removes {
		if model.Overlaps(start, end, r.start, r.end) {
			return r.override, true
		}
	}
	return model.Override{}, false
}

// eventDates is the [start, end) date range an event occupies. A timed
// event starting and ending on the same date occupies that date.
func eventDates(ev model.CalendarEvent) (time.Time, time.Time) {
	start, end := ev.StartDate(), ev.EndDate()
	if !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}

func coveredByReservation(events []model.CalendarEvent, b dateRange) bool {
	for _, ev := range events {
		if ev.Kind != model.KindReservation {
			continue
		}
		start, end := eventDates(ev)
		if model.Overlaps(start, end, b.start, b.end) {
			return true
		}
	}
	return false
}

func blockEvent(b dateRange) model.CalendarEvent {
	o := b.override
	summary := o.Title
	if summary == "" {
		summary = defaultBlockSummary
	}
	stamp := o.UpdatedAt.UTC()
	if o.UpdatedAt.IsZero() {
		stamp = b.start
	}
	uid := o.ID
	if uid == "" {
		uid = "block-" + b.start.Format("20060102") + "-" + b.end.Format("20060102") + "@" + derivedUIDDomain
	}
	return model.CalendarEvent{
		UID:          uid,
		Kind:         model.KindManualBlock,
		Source:       model.PlatformManual,
		Summary:      summary,
		Description:  o.Description,
		Start:        b.start,
		End:          b.end,
		AllDay:       true,
		Class:        model.ClassPrivate,
		Transparency: model.TranspOpaque,
		Stamp:        stamp,
	}
}
