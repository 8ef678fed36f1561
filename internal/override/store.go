// Package override persists user-authored overrides and exposes the
// read-only snapshot a reconciliation run consumes.
package override

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"rentalsync/internal/config"
	"rentalsync/internal/model"
)

var (
	// ErrNotFound is returned when no override has the requested id.
	ErrNotFound = errors.New("override not found")
	// ErrInvalid wraps every input validation failure.
	ErrInvalid = errors.New("invalid override")
	// ErrReadOnly is returned by edit operations of read-only backends.
	ErrReadOnly = errors.New("override store is read-only")
)

// Reader provides the snapshot consumed by a reconciliation run.
type Reader interface {
	Snapshot(ctx context.Context) (model.OverrideSnapshot, error)
}

// Store is the serialized edit path. Every mutation is persisted before it
// returns.
type Store interface {
	Reader
	Create(ctx context.Context, in Input) (model.Override, error)
	Get(ctx context.Context, id string) (model.Override, error)
	List(ctx context.Context) ([]model.Override, error)
	Update(ctx context.Context, id string, p Patch) (model.Override, error)
	Delete(ctx context.Context, id string) error
	BlockUID(ctx context.Context, uid string) error
	UnblockUID(ctx context.Context, uid string) error
	// Path is the backing file, watched in serve mode.
	Path() string
	Close() error
}

// Input is a new override as submitted by a user.
type Input struct {
	Type        model.OverrideType `json:"type" yaml:"type" validate:"required,overridetype"`
	Title       string             `json:"title" yaml:"title" validate:"required,max=200"`
	Description string             `json:"description" yaml:"description" validate:"max=2000"`
	DateStart   string             `json:"date_start" yaml:"date_start" validate:"required_unless=Type HIDE_EVENT,caldate"`
	DateEnd     string             `json:"date_end" yaml:"date_end" validate:"caldate"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Type        *model.OverrideType `json:"type,omitempty"`
	Title       *string             `json:"title,omitempty"`
	Description *string             `json:"description,omitempty"`
	DateStart   *string             `json:"date_start,omitempty"`
	DateEnd     *string             `json:"date_end,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("overridetype", func(fl validator.FieldLevel) bool {
		return model.OverrideType(fl.Field().String()).Valid()
	})
	// Empty dates are left to required_unless.
	_ = v.RegisterValidation("caldate", func(fl validator.FieldLevel) bool {
		if strings.TrimSpace(fl.Field().String()) == "" {
			return true
		}
		_, err := model.ParseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the closed type set, required fields and date syntax.
func (in Input) Validate() error {
	in.Title = strings.TrimSpace(in.Title)
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s': rule '%s' failed for '%v'", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if in.DateStart != "" && in.DateEnd != "" {
		start, _ := model.ParseDate(in.DateStart)
		end, _ := model.ParseDate(in.DateEnd)
		if end.Before(start) {
			return fmt.Errorf("%w: date_end %s is before date_start %s", ErrInvalid, in.DateEnd, in.DateStart)
		}
	}
	return nil
}

// newOverride validates in and stamps a fresh identity. The id is reused as
// the UID of an injected block, so it is generated once, here.
func newOverride(in Input, now time.Time) (model.Override, error) {
	if err := in.Validate(); err != nil {
		return model.Override{}, err
	}
	return model.Override{
		ID:          uuid.NewString(),
		Type:        in.Type,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		DateStart:   strings.TrimSpace(in.DateStart),
		DateEnd:     strings.TrimSpace(in.DateEnd),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// apply merges p into o and revalidates the result.
func apply(o model.Override, p Patch, now time.Time) (model.Override, error) {
	if p.Type != nil {
		o.Type = *p.Type
	}
	if p.Title != nil {
		o.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		o.Description = *p.Description
	}
	if p.DateStart != nil {
		o.DateStart = strings.TrimSpace(*p.DateStart)
	}
	if p.DateEnd != nil {
		o.DateEnd = strings.TrimSpace(*p.DateEnd)
	}
	in := Input{Type: o.Type, Title: o.Title, Description: o.Description, DateStart: o.DateStart, DateEnd: o.DateEnd}
	if err := in.Validate(); err != nil {
		return model.Override{}, err
	}
	o.UpdatedAt = now
	return o, nil
}

// ByType filters overrides of one type.
func ByType(list []model.Override, t model.OverrideType) []model.Override {
	out := make([]model.Override, 0)
	for _, o := range list {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

// OnDate returns the overrides whose date range covers day, using the same
// half-open [start, end) interval the reconciler applies. Overrides without
// readable dates never match.
func OnDate(list []model.Override, day time.Time) []model.Override {
	day = model.DateOf(day)
	out := make([]model.Override, 0)
	for _, o := range list {
		start, end, err := o.Interval()
		if err != nil {
			continue
		}
		if !day.Before(start) && day.Before(end) {
			out = append(out, o)
		}
	}
	return out
}

// Stats summarizes a store's content.
type Stats struct {
	Total       int                        `json:"total"`
	ByType      map[model.OverrideType]int `json:"by_type"`
	BlockedUIDs int                        `json:"blocked_uids"`
	// LastModified is the latest updated_at, nil for an empty store.
	LastModified *time.Time `json:"last_modified"`
}

// Summarize computes Stats from a snapshot.
func Summarize(snap model.OverrideSnapshot) Stats {
	st := Stats{
		Total:       len(snap.Overrides),
		ByType:      make(map[model.OverrideType]int, len(model.OverrideTypes)),
		BlockedUIDs: len(snap.BlockedUIDs),
	}
	for _, t := range model.OverrideTypes {
		st.ByType[t] = 0
	}
	for _, o := range snap.Overrides {
		st.ByType[o.Type]++
		if st.LastModified == nil || o.UpdatedAt.After(*st.LastModified) {
			t := o.UpdatedAt
			st.LastModified = &t
		}
	}
	return st
}

// Open returns the backend selected by configuration.
func Open(cfg config.OverridesConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return OpenSQLite(cfg.Path)
	case config.BackendCalendar:
		return OpenCalendar(cfg.Path), nil
	case config.BackendJSON, "":
		return OpenFile(cfg.Path), nil
	}
	return nil, fmt.Errorf("unknown override backend %q", cfg.Backend)
}
