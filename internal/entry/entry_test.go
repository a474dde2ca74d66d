package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_TableRows(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		from      State
		event     Event
		wantState State
		wantEff   Effect
	}{
		{"empty resolve starts loading", Empty, EventResolveOrForcedRefresh, Loading, EffectNone},
		{"loading fetch ok becomes ready", Loading, EventFetchOK, Ready, EffectScheduleRefresh},
		{"loading not-modified with no prior returns to empty", Loading, EventFetchNotModifiedNoPrior, Empty, EffectRecordErrorMaybeNegativeCache},
		{"loading fetch fail with no stale returns to empty", Loading, EventFetchFailNoStale, Empty, EffectRecordErrorMaybeNegativeCache},
		{"ready refresh due starts refreshing", Ready, EventRefreshDue, Refreshing, EffectNone},
		{"ready forced refresh starts refreshing", Ready, EventResolveOrForcedRefresh, Refreshing, EffectNone},
		{"refreshing fetch ok returns to ready", Refreshing, EventFetchOKDuringRefresh, Ready, EffectScheduleRefresh},
		{"refreshing not-modified returns to ready", Refreshing, EventFetchNotModifiedDuringRefresh, Ready, EffectScheduleRefresh},
		{"refreshing fail still stale retries in place", Refreshing, EventFetchFailStillStale, Refreshing, EffectScheduleRetry},
		{"refreshing fail past stale deadline evicts", Refreshing, EventFetchFailPastStaleDeadline, Empty, EffectEvictAndClearSchedule},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotState, gotEff := Transition(tt.from, tt.event)
			assert.Equal(t, tt.wantState, gotState)
			assert.Equal(t, tt.wantEff, gotEff)
		})
	}
}

func TestTransition_IllegalCombinationPanics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  State
		event Event
	}{
		{"empty cannot receive fetch ok", Empty, EventFetchOK},
		{"loading cannot receive refresh due", Loading, EventRefreshDue},
		{"ready cannot receive fetch fail no stale", Ready, EventFetchFailNoStale},
		{"refreshing cannot receive resolve", Refreshing, EventResolveOrForcedRefresh},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Panics(t, func() {
				Transition(tt.from, tt.event)
			})
		})
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "empty", Empty.String())
	assert.Equal(t, "loading", Loading.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "refreshing", Refreshing.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestNew_StartsEmpty(t *testing.T) {
	t.Parallel()

	e := New()
	assert.Equal(t, Empty, e.State)
	assert.Nil(t, e.Payload)
}
