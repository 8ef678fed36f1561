package override

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"rentalsync/internal/ics"
	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

var propEventType = ical.ComponentPropertyExtended("X-EVENT-TYPE")

// Legacy category markers of hand-curated manual calendars.
const (
	categoryManualBlock  = "MANUAL-BLOCK"
	categoryManualRemove = "MANUAL-REMOVE"
)

// CalendarStore reads overrides from a calendar document. Each VEVENT is
// one override:
//
//   - X-EVENT-TYPE names the override type;
//   - otherwise CATEGORIES MANUAL-BLOCK / MANUAL-REMOVE map to BLOCK_DATE /
//     REMOVE_DATE;
//   - otherwise CLASS:PRIVATE blocks the synced event with that UID.
//
// The document is maintained elsewhere, so every edit returns ErrReadOnly.
type CalendarStore struct {
	path string
}

// OpenCalendar returns a read-only store over the calendar at path.
func OpenCalendar(path string) *CalendarStore {
	return &CalendarStore{path: path}
}

func (s *CalendarStore) Path() string { return s.path }

func (s *CalendarStore) Close() error { return nil }

func (s *CalendarStore) Snapshot(ctx context.Context) (model.OverrideSnapshot, error) {
	body, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.OverrideSnapshot{}, nil
		}
		return model.OverrideSnapshot{}, err
	}
	return DecodeCalendar(body)
}

// DecodeCalendar maps the VEVENTs of a manual calendar to overrides and
// UID blocks. VEVENTs carrying none of the markers are ignored.
func DecodeCalendar(body []byte) (model.OverrideSnapshot, error) {
	cal, err := ics.ParseCalendar(body)
	if err != nil {
		return model.OverrideSnapshot{}, fmt.Errorf("parsing manual calendar: %w", err)
	}

	var snap model.OverrideSnapshot
	for _, ve := range cal.Events() {
		uid := strings.TrimSpace(value(ve, ical.ComponentPropertyUniqueId))
		typ := overrideTypeOf(ve)

		if typ == "" {
			if strings.EqualFold(strings.TrimSpace(value(ve, ical.ComponentPropertyClass)), string(ical.ClassificationPrivate)) && uid != "" {
				snap.BlockedUIDs = append(snap.BlockedUIDs, uid)
				continue
			}
			appLog.Debug("manual calendar: ignoring unmarked event", "uid", uid)
			continue
		}

		o := model.Override{
			ID:          uid,
			Type:        typ,
			Title:       stripTypePrefix(value(ve, ical.ComponentPropertySummary)),
			Description: value(ve, ical.ComponentPropertyDescription),
			DateStart:   dateValue(ve.GetAllDayStartAt),
			DateEnd:     dateValue(ve.GetAllDayEndAt),
		}
		if ts, err := ve.GetDtStampTime(); err == nil {
			o.CreatedAt, o.UpdatedAt = ts, ts
		}
		if ts, err := ve.GetLastModifiedAt(); err == nil {
			o.UpdatedAt = ts
		}
		snap.Overrides = append(snap.Overrides, o)
	}
	return snap, nil
}

func overrideTypeOf(ve *ical.VEvent) model.OverrideType {
	if t := model.OverrideType(strings.ToUpper(strings.TrimSpace(value(ve, propEventType)))); t != "" {
		// An unknown type is kept so that the reconciler reports it.
		return t
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			switch strings.ToUpper(strings.TrimSpace(c)) {
			case categoryManualBlock:
				return model.OverrideBlockDate
			case categoryManualRemove:
				return model.OverrideRemoveDate
			}
		}
	}
	return ""
}

// stripTypePrefix removes the "[TYPE] " prefix written by Export.
func stripTypePrefix(summary string) string {
	summary = strings.TrimSpace(summary)
	if !strings.HasPrefix(summary, "[") {
		return summary
	}
	end := strings.Index(summary, "] ")
	if end < 0 || !model.OverrideType(summary[1:end]).Valid() {
		return summary
	}
	return strings.TrimSpace(summary[end+2:])
}

func dateValue(get func() (time.Time, error)) string {
	t, err := get()
	if err != nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

func value(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

// ExportCalendar renders a snapshot in the format DecodeCalendar reads.
func ExportCalendar(snap model.OverrideSnapshot) []byte {
	cal := ical.NewCalendar()
	cal.SetProductId(ics.ProductID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName("Manual Calendar")

	for _, o := range snap.Overrides {
		ve := cal.AddEvent(o.ID)
		if !o.CreatedAt.IsZero() {
			ve.SetDtStampTime(o.CreatedAt)
		}
		if !o.UpdatedAt.IsZero() {
			ve.SetLastModifiedAt(o.UpdatedAt)
		}
		ve.SetSummary(fmt.Sprintf("[%s] %s", o.Type, o.Title))
		if o.Description != "" {
			ve.SetDescription(o.Description)
		}
		if start, end, err := o.Interval(); err == nil {
			ve.SetAllDayStartAt(start)
			ve.SetAllDayEndAt(end)
		}
		ve.SetProperty(propEventType, string(o.Type))

		switch o.Type {
		case model.OverrideBlockDate:
			ve.AddCategory(categoryManualBlock)
		case model.OverrideRemoveDate:
			ve.AddCategory(categoryManualRemove)
		case model.OverrideHideEvent:
			ve.SetClass(ical.ClassificationPrivate)
		case model.OverrideForceAvailability:
			ve.SetTimeTransparency(ical.TransparencyTransparent)
		}
	}

	for _, uid := range snap.BlockedUIDs {
		ve := cal.AddEvent(uid)
		ve.SetSummary("Blocked")
		ve.SetClass(ical.ClassificationPrivate)
	}

	return []byte(cal.Serialize())
}

func (s *CalendarStore) Create(context.Context, Input) (model.Override, error) {
	return model.Override{}, ErrReadOnly
}

func (s *CalendarStore) Get(ctx context.Context, id string) (model.Override, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return model.Override{}, err
	}
	for _, o := range snap.Overrides {
		if o.ID == id {
			return o, nil
		}
	}
	return model.Override{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *CalendarStore) List(ctx context.Context) ([]model.Override, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Overrides, nil
}

func (s *CalendarStore) Update(context.Context, string, Patch) (model.Override, error) {
	return model.Override{}, ErrReadOnly
}

func (s *CalendarStore) Delete(context.Context, string) error { return ErrReadOnly }

func (s *CalendarStore) BlockUID(context.Context, string) error { return ErrReadOnly }

func (s *CalendarStore) UnblockUID(context.Context, string) error { return ErrReadOnly }
