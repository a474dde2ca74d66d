// Package entry implements the per-registration CacheEntry and its state
// machine: a tagged-union state type with a total transition function that
// panics on illegal (state, event) combinations, the way
// vyrodovalexey/avapigw enumerates its own string-backed state types.
package entry

import (
	"time"

	"github.com/hack-ink/jwks-cache/internal/keyset"
)

// State is one of the four states a CacheEntry may occupy.
type State int

const (
	Empty State = iota
	Loading
	Ready
	Refreshing
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Event is a trigger driving a state transition.
type Event int

const (
	EventResolveOrForcedRefresh Event = iota
	EventFetchOK
	EventFetchNotModifiedNoPrior
	EventFetchFailNoStale
	EventRefreshDue
	EventFetchOKDuringRefresh
	EventFetchNotModifiedDuringRefresh
	EventFetchFailStillStale
	EventFetchFailPastStaleDeadline
)

// Payload is the parsed key set and raw bytes an entry carries while Ready
// or Refreshing.
type Payload struct {
	KeySet *keyset.KeySet
	Raw    []byte
}

// Entry is the per-registration cache entry. It is owned exclusively by its
// CacheManager; all field mutation happens under the manager's exclusive
// section.
type Entry struct {
	State State

	Payload *Payload

	ETag         string
	LastModified string

	FetchedAt     time.Time
	ExpiresAt     time.Time
	NextRefreshAt time.Time
	StaleDeadline time.Time

	ErrorCount   int
	RetryBackoff time.Duration

	NegativeUntil time.Time
}

// New returns a fresh entry in the Empty state.
func New() *Entry {
	return &Entry{State: Empty}
}

// Effect describes the side effect the manager must perform after a
// transition: none beyond the state change, or scheduling work.
type Effect int

const (
	EffectNone Effect = iota
	EffectScheduleRefresh
	EffectScheduleRetry
	EffectEvictAndClearSchedule
	EffectRecordErrorMaybeNegativeCache
)

// Transition applies event to the entry's current state, mutating nothing
// itself — callers store the returned state — and returns the resulting
// state and the effect the caller must carry out. It panics on a
// combination the state machine does not define; those are programmer
// errors, not runtime conditions.
func Transition(current State, ev Event) (State, Effect) {
	switch current {
	case Empty:
		switch ev {
		case EventResolveOrForcedRefresh:
			return Loading, EffectNone
		}
	case Loading:
		switch ev {
		case EventFetchOK:
			return Ready, EffectScheduleRefresh
		case EventFetchNotModifiedNoPrior:
			return Empty, EffectRecordErrorMaybeNegativeCache
		case EventFetchFailNoStale:
			return Empty, EffectRecordErrorMaybeNegativeCache
		}
	case Ready:
		switch ev {
		case EventRefreshDue, EventResolveOrForcedRefresh:
			return Refreshing, EffectNone
		}
	case Refreshing:
		switch ev {
		case EventFetchOKDuringRefresh:
			return Ready, EffectScheduleRefresh
		case EventFetchNotModifiedDuringRefresh:
			return Ready, EffectScheduleRefresh
		case EventFetchFailStillStale:
			return Refreshing, EffectScheduleRetry
		case EventFetchFailPastStaleDeadline:
			return Empty, EffectEvictAndClearSchedule
		}
	}
	panic("jwks-cache: illegal state transition: " + current.String())
}
