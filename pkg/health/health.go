// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package health implements the debounced UP/DOWN state machine shared by
// external e2e tests and built-in domain checks. The machine is pure: callers
// own persistence and alert delivery, the package only computes the next
// state and whether an edge transition happened.
package health

// Status is the outcome of a single run or probe observation.
type Status string

// Valid observation statuses.
const (
	StatusPass          Status = "pass"
	StatusFail          Status = "fail"
	StatusInfraDegraded Status = "infra_degraded"
	StatusTimeout       Status = "timeout"
)

// IsValidStatus reports whether s is one of the four observation statuses.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPass, StatusFail, StatusInfraDegraded, StatusTimeout:
		return true
	}
	return false
}

// EffectiveState is the debounced state of a subject.
type EffectiveState string

// Subject states. A subject starts in StateUnknown until enough
// observations accumulate to pick a side.
const (
	StateUnknown EffectiveState = "unknown"
	StateUp      EffectiveState = "up"
	StateDown    EffectiveState = "down"
)

// Transition describes the edge produced by one observation.
type Transition int

// Possible transitions.
const (
	TransitionNone Transition = iota
	TransitionDown
	TransitionUp
)

func (t Transition) String() string {
	switch t {
	case TransitionDown:
		return "down"
	case TransitionUp:
		return "up"
	}
	return "none"
}

// Thresholds holds the per-subject debounce configuration.
type Thresholds struct {
	DownAfterFailures int
	UpAfterSuccesses  int
}

// State is the full per-subject debounce block. Timestamps are unix seconds;
// zero means never.
type State struct {
	EffectiveOK   EffectiveState `db:"effective_ok" json:"effective_ok"`
	FailStreak    int            `db:"fail_streak" json:"fail_streak"`
	SuccessStreak int            `db:"success_streak" json:"success_streak"`
	LastOKTs      float64        `db:"last_ok_ts" json:"last_ok_ts,omitempty"`
	LastFailTs    float64        `db:"last_fail_ts" json:"last_fail_ts,omitempty"`
	LastInfraTs   float64        `db:"last_infra_ts" json:"last_infra_ts,omitempty"`
	LastAlertTs   float64        `db:"last_alert_ts" json:"last_alert_ts,omitempty"`
}

// NewState returns the initial state for a freshly registered subject.
func NewState() State {
	return State{EffectiveOK: StateUnknown}
}

// Observe folds one observation into the state and returns the updated state
// together with the transition it produced, if any.
//
// infra_degraded observations are neutral: a crashing browser must not flip a
// subject to DOWN, so they only stamp the failure timestamps and leave both
// streaks untouched. timeout counts as a plain failure: the test code was
// given its full budget and did not finish.
func Observe(s State, status Status, th Thresholds, nowTs float64) (State, Transition) {
	downAfter := th.DownAfterFailures
	if downAfter < 1 {
		downAfter = 1
	}
	upAfter := th.UpAfterSuccesses
	if upAfter < 1 {
		upAfter = 1
	}
	if s.EffectiveOK == "" {
		s.EffectiveOK = StateUnknown
	}

	if status == StatusInfraDegraded {
		s.LastFailTs = nowTs
		s.LastInfraTs = nowTs
		return s, TransitionNone
	}

	if status == StatusPass {
		s.SuccessStreak++
		s.FailStreak = 0
		s.LastOKTs = nowTs
	} else {
		s.FailStreak++
		s.SuccessStreak = 0
		s.LastFailTs = nowTs
	}

	switch s.EffectiveOK {
	case StateUnknown:
		if status == StatusPass {
			s.EffectiveOK = StateUp
			return s, TransitionNone
		}
		if s.FailStreak >= downAfter {
			s.EffectiveOK = StateDown
			s.LastAlertTs = nowTs
			return s, TransitionDown
		}
	case StateUp:
		if s.FailStreak >= downAfter {
			s.EffectiveOK = StateDown
			s.LastAlertTs = nowTs
			return s, TransitionDown
		}
	case StateDown:
		if s.SuccessStreak >= upAfter {
			s.EffectiveOK = StateUp
			s.LastAlertTs = nowTs
			return s, TransitionUp
		}
	}
	return s, TransitionNone
}
