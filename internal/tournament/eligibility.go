package tournament

import (
	"fmt"
	"time"
)

// Openness is the result of the entry-window predicate.
type Openness uint8

const (
	Open Openness = iota + 1
	NotOpen
	WindowClosed
)

type Eligibility struct {
	Openness Openness
	Reason   string
}

// IsOpenForEntry reports whether t accepts entries at now: the status must be
// SCHEDULED and now must be strictly before the entry close time.
func IsOpenForEntry(t Tournament, now time.Time) Eligibility {
	if t.Status != StatusScheduled {
		return Eligibility{Openness: NotOpen, Reason: fmt.Sprintf("Tournament status is %s", t.Status)}
	}
	if !now.Before(t.EntryCloseTime) {
		return Eligibility{Openness: WindowClosed, Reason: "Entry window closed"}
	}
	return Eligibility{Openness: Open}
}

// HasCapacity reports whether another confirmed entry fits.
func HasCapacity(t Tournament, confirmed int) bool {
	return confirmed < t.MaxEntries
}

type EntryState string

const (
	EntryStateOpen              EntryState = "OPEN"
	EntryStateTournamentNotOpen EntryState = "TOURNAMENT_NOT_OPEN"
	EntryStateWindowClosed      EntryState = "ENTRY_WINDOW_CLOSED"
	EntryStateCapacityReached   EntryState = "CAPACITY_REACHED"
)

// EvaluateEntryState derives the display state for listings from the same predicates
// admission uses, so a listing never advertises a slot admission would refuse.
func EvaluateEntryState(t Tournament, confirmed int, now time.Time) (EntryState, string) {
	e := IsOpenForEntry(t, now)
	switch e.Openness {
	case NotOpen:
		return EntryStateTournamentNotOpen, e.Reason
	case WindowClosed:
		return EntryStateWindowClosed, e.Reason
	}
	if !HasCapacity(t, confirmed) {
		return EntryStateCapacityReached, fmt.Sprintf("Tournament is full (%d/%d)", confirmed, t.MaxEntries)
	}
	return EntryStateOpen, fmt.Sprintf("Accepting entries (%d/%d)", confirmed, t.MaxEntries)
}
