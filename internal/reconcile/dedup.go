package reconcile

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"

	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

const derivedUIDDomain = "rentalsync"

// dedupKey is the identity of a real-world booking: calendar dates plus
// summary. Platform UIDs are not used; they are reused across re-exports.
type dedupKey struct {
	start   time.Time
	end     time.Time
	summary string
}

// Dedup collapses raw events sharing (start date, end date, summary) into
// one reservation each. The variant with the longest description wins and
// ties go to the first encountered. Output follows the order in which each
// group was first seen. The second return value counts collapsed records.
//
// Records without dates are never grouped; each is passed through so the
// validator can report it.
func Dedup(raw []model.RawEvent) ([]model.Reservation, int) {
	index := make(map[dedupKey]int, len(raw))
	best := make([]model.RawEvent, 0, len(raw))
	collapsed := 0

	for _, ev := range raw {
		if !ev.HasDates() {
			best = append(best, ev)
			continue
		}
		key := dedupKey{start: model.DateOf(ev.Start), end: model.DateOf(ev.End), summary: ev.Summary}
		i, seen := index[key]
		if !seen {
			index[key] = len(best)
			best = append(best, ev)
			continue
		}

		collapsed++
		kept := best[i]
		if utf8.RuneCountInString(ev.Description) > utf8.RuneCountInString(kept.Description) {
			best[i] = ev
			kept, ev = ev, kept
		}
		appLog.Debug("dedup: collapsed duplicate",
			"kept_source", kept.Source, "kept_uid", kept.UID,
			"dropped_source", ev.Source, "dropped_uid", ev.UID,
			"summary", key.summary, "start", key.start.Format(time.DateOnly))
	}

	out := make([]model.Reservation, 0, len(best))
	for _, ev := range best {
		uid := strings.TrimSpace(ev.UID)
		if uid == "" {
			uid = DeriveUID(ev)
		}
		out = append(out, model.Reservation{
			UID:          uid,
			Source:       ev.Source,
			Summary:      ev.Summary,
			Description:  ev.Description,
			Location:     ev.Location,
			Start:        ev.Start,
			End:          ev.End,
			AllDay:       ev.AllDay,
			Class:        ev.Class,
			Transparency: ev.Transparency,
		})
	}
	return out, collapsed
}

// DeriveUID builds a stable identifier for a record whose feed omitted UID.
func DeriveUID(ev model.RawEvent) string {
	h := sha1.New()
	for _, part := range []string{
		string(ev.Source),
		formatInstant(ev.Start),
		formatInstant(ev.End),
		ev.Summary,
	} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil)) + "@" + derivedUIDDomain
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
