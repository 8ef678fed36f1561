package reconcile

import (
	"fmt"
	"time"

	"rentalsync/internal/model"
)

// BufferDays returns the prep days before and after a platform's
// reservations.
type BufferDays func(model.Platform) (before, after int)

// Fixed returns a BufferDays that ignores the platform.
func Fixed(before, after int) BufferDays {
	return func(model.Platform) (int, int) { return before, after }
}

// Synthesize emits, for each validated reservation, the reservation itself
// followed by its before and after buffers. Buffers span whole days
// adjacent to the reservation dates, are transparent and public, and carry
// UIDs derived from the reservation UID. A side with zero days gets no
// buffer.
func Synthesize(valid []ValidReservation, days BufferDays) []model.CalendarEvent {
	out := make([]model.CalendarEvent, 0, len(valid)*3)
	for _, v := range valid {
		r := v.Reservation()
		before, after := days(r.Source)
		stamp := r.StartDate()

		out = append(out, model.CalendarEvent{
			UID:          r.UID,
			Kind:         model.KindReservation,
			Source:       r.Source,
			Summary:      r.Summary,
			Description:  r.Description,
			Location:     r.Location,
			Start:        r.Start,
			End:          r.End,
			AllDay:       r.AllDay,
			Class:        r.Class,
			Transparency: r.Transparency,
			Stamp:        stamp,
		})

		if before > 0 {
			out = append(out, bufferEvent(r, model.KindBufferBefore,
				r.StartDate().AddDate(0, 0, -before), r.StartDate(), stamp))
		}
		if after > 0 {
			out = append(out, bufferEvent(r, model.KindBufferAfter,
				r.EndDate(), r.EndDate().AddDate(0, 0, after), stamp))
		}
	}
	return out
}

// BufferUID is the identifier of a reservation's buffer of the given kind.
func BufferUID(reservationUID string, kind model.Kind) string {
	if kind == model.KindBufferBefore {
		return reservationUID + "-tp-before"
	}
	return reservationUID + "-tp-after"
}

func bufferEvent(r model.Reservation, kind model.Kind, start, end, stamp time.Time) model.CalendarEvent {
	label := "after"
	if kind == model.KindBufferBefore {
		label = "before"
	}
	return model.CalendarEvent{
		UID:          BufferUID(r.UID, kind),
		Kind:         kind,
		Source:       r.Source,
		ParentUID:    r.UID,
		Summary:      fmt.Sprintf("Prep time %s: %s", label, r.Summary),
		Description:  fmt.Sprintf("Preparation %s reservation %s", label, r.UID),
		Start:        start,
		End:          end,
		AllDay:       true,
		Class:        model.ClassPublic,
		Transparency: model.TranspTransparent,
		Stamp:        stamp,
	}
}
