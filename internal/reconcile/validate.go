package reconcile

import (
	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

// Reason classifies a reservation the validator rejected.
type Reason string

const (
	ReasonMissingDates  Reason = "missing-dates"
	ReasonInvertedRange Reason = "inverted-range"
	ReasonDuplicateUID  Reason = "duplicate-uid"
)

// ValidReservation is a reservation that passed validation. It can only be
// obtained from Validate, so buffer synthesis never sees unchecked input.
type ValidReservation struct {
	r model.Reservation
}

// Reservation returns the validated reservation.
func (v ValidReservation) Reservation() model.Reservation { return v.r }

// Rejected is a reservation excluded from the output, with the reason.
type Rejected struct {
	Reservation model.Reservation
	Reason      Reason
}

// Report is the validator's per-record outcome, in input order.
type Report struct {
	Valid    []ValidReservation
	Rejected []Rejected
}

// RejectedByReason counts rejections per reason.
func (r Report) RejectedByReason() map[Reason]int {
	out := make(map[Reason]int)
	for _, rej := range r.Rejected {
		out[rej.Reason]++
	}
	return out
}

// Validate classifies every reservation. Invalid ones are logged and
// reported; they never stop the run.
func Validate(reservations []model.Reservation) Report {
	var rep Report
	seen := make(map[string]bool, len(reservations))

	for _, r := range reservations {
		reason, ok := classify(r, seen)
		if !ok {
			appLog.Warn("validate: rejected reservation",
				"reason", string(reason), "source", r.Source, "uid", r.UID, "summary", r.Summary)
			rep.Rejected = append(rep.Rejected, Rejected{Reservation: r, Reason: reason})
			continue
		}
		seen[model.NormalizeUID(r.UID)] = true
		rep.Valid = append(rep.Valid, ValidReservation{r: r})
	}
	return rep
}

func classify(r model.Reservation, seen map[string]bool) (Reason, bool) {
	switch {
	case r.Start.IsZero() || r.End.IsZero():
		return ReasonMissingDates, false
	case !r.Start.Before(r.End):
		return ReasonInvertedRange, false
	case seen[model.NormalizeUID(r.UID)]:
		return ReasonDuplicateUID, false
	}
	return "", true
}
