// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func observeAll(t *testing.T, s State, th Thresholds, statuses ...Status) (State, []Transition) {
	t.Helper()

	now := 1000.0
	transitions := make([]Transition, 0, len(statuses))
	for _, status := range statuses {
		var tr Transition
		s, tr = Observe(s, status, th, now)
		transitions = append(transitions, tr)
		now += 60

		// streak invariant: at most one streak positive at any instant
		assert.False(t, s.FailStreak > 0 && s.SuccessStreak > 0,
			"both streaks positive after %s", status)
	}
	return s, transitions
}

func TestFirstPassGoesUpWithoutAlert(t *testing.T) {
	th := Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 2}

	s, tr := Observe(NewState(), StatusPass, th, 1000)

	assert.Equal(t, StateUp, s.EffectiveOK)
	assert.Equal(t, TransitionNone, tr)
	assert.Equal(t, 1, s.SuccessStreak)
	assert.Equal(t, 1000.0, s.LastOKTs)
}

func TestDebouncedDown(t *testing.T) {
	th := Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 2}

	s, tr := Observe(NewState(), StatusPass, th, 1000)
	require.Equal(t, StateUp, s.EffectiveOK)

	s, tr = Observe(s, StatusFail, th, 1060)
	assert.Equal(t, StateUp, s.EffectiveOK, "one failure must not flip the state")
	assert.Equal(t, TransitionNone, tr)
	assert.Equal(t, 1, s.FailStreak)

	s, tr = Observe(s, StatusFail, th, 1120)
	assert.Equal(t, StateDown, s.EffectiveOK)
	assert.Equal(t, TransitionDown, tr)
	assert.Equal(t, 2, s.FailStreak)
	assert.Equal(t, 1120.0, s.LastAlertTs)
}

func TestDebouncedRecovery(t *testing.T) {
	th := Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 2}

	s, _ := observeAll(t, NewState(), th, StatusPass, StatusFail, StatusFail)
	require.Equal(t, StateDown, s.EffectiveOK)

	s, tr := Observe(s, StatusPass, th, 2000)
	assert.Equal(t, StateDown, s.EffectiveOK, "one success must not recover")
	assert.Equal(t, TransitionNone, tr)
	assert.Equal(t, 1, s.SuccessStreak)

	s, tr = Observe(s, StatusPass, th, 2060)
	assert.Equal(t, StateUp, s.EffectiveOK)
	assert.Equal(t, TransitionUp, tr)
}

func TestInfraDegradedIsNeutral(t *testing.T) {
	th := Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 2}

	s, _ := Observe(NewState(), StatusPass, th, 1000)
	require.Equal(t, StateUp, s.EffectiveOK)

	// fail, infra, infra, pass: must stay up with down_after_failures=2
	s, transitions := observeAll(t, s, th,
		StatusFail, StatusInfraDegraded, StatusInfraDegraded, StatusPass)

	assert.Equal(t, StateUp, s.EffectiveOK)
	for _, tr := range transitions {
		assert.Equal(t, TransitionNone, tr)
	}
}

func TestInfraDegradedOnlyNeverGoesDown(t *testing.T) {
	th := Thresholds{DownAfterFailures: 1, UpAfterSuccesses: 1}

	s := NewState()
	var tr Transition
	for i := 0; i < 50; i++ {
		s, tr = Observe(s, StatusInfraDegraded, th, float64(1000+i))
		require.Equal(t, TransitionNone, tr)
	}
	assert.Equal(t, StateUnknown, s.EffectiveOK)
	assert.Equal(t, 0, s.FailStreak)
	assert.NotZero(t, s.LastInfraTs)
	assert.NotZero(t, s.LastFailTs)
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	th := Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 1}

	s, transitions := observeAll(t, NewState(), th,
		StatusPass, StatusTimeout, StatusTimeout)

	assert.Equal(t, StateDown, s.EffectiveOK)
	assert.Equal(t, TransitionDown, transitions[2])
}

func TestUnknownToDownAlerts(t *testing.T) {
	th := Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 2}

	s, transitions := observeAll(t, NewState(), th, StatusFail, StatusFail)

	assert.Equal(t, StateDown, s.EffectiveOK)
	assert.Equal(t, TransitionDown, transitions[1])
}

func TestDownStateIsSticky(t *testing.T) {
	th := Thresholds{DownAfterFailures: 1, UpAfterSuccesses: 2}

	s, _ := observeAll(t, NewState(), th, StatusFail)
	require.Equal(t, StateDown, s.EffectiveOK)

	// Repeated failures while down produce no further transitions.
	s, transitions := observeAll(t, s, th, StatusFail, StatusFail, StatusFail)
	assert.Equal(t, StateDown, s.EffectiveOK)
	for _, tr := range transitions {
		assert.Equal(t, TransitionNone, tr)
	}
	assert.Equal(t, 4, s.FailStreak)
}

func TestDefaultThresholdsClampToOne(t *testing.T) {
	s, tr := Observe(NewState(), StatusFail, Thresholds{}, 1000)
	assert.Equal(t, StateDown, s.EffectiveOK)
	assert.Equal(t, TransitionDown, tr)
}

func TestIsValidStatus(t *testing.T) {
	assert.True(t, IsValidStatus(StatusPass))
	assert.True(t, IsValidStatus(StatusTimeout))
	assert.False(t, IsValidStatus(Status("running")))
	assert.False(t, IsValidStatus(Status("")))
}
