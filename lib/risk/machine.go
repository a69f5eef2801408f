// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package risk

import (
	"iter"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Policy holds the tunable thresholds.
type Policy struct {
	// RecoveryWindowEvents is how many consecutive clean verifications
	// return an escalated session to nominal.
	RecoveryWindowEvents int `yaml:"recovery_window_events"`

	// FocusLossCriticalCount is the number of tab switches plus
	// fullscreen exits in one session that forces critical.
	FocusLossCriticalCount int `yaml:"focus_loss_critical_count"`
}

// DefaultPolicy returns a recovery window of 3 and a focus-loss limit
// of 3.
func DefaultPolicy() Policy {
	return Policy{RecoveryWindowEvents: 3, FocusLossCriticalCount: 3}
}

// State is the derived risk of one session.
type State struct {
	Level          Level     `json:"level" cbor:"level"`
	Warnings       int       `json:"warningCount" cbor:"warnings"`
	LastTransition time.Time `json:"lastTransition,omitzero" cbor:"last_transition,omitempty"`

	// CleanStreak counts consecutive clean verifications since the
	// last warning-bearing event.
	CleanStreak int `json:"cleanStreak" cbor:"clean_streak"`

	// FocusLosses counts tab switches and fullscreen exits over the
	// whole session. It does not reset on recovery.
	FocusLosses int `json:"focusLosses" cbor:"focus_losses"`

	// Applied is the number of events folded in, so a replay can be
	// compared against the live state.
	Applied int64 `json:"applied" cbor:"applied"`
}

type effect int

const (
	noEffect effect = iota
	warnOnly
	warnElevate
	warnFocusLoss
	warnCritical
	clean
)

var effects = map[integrity.EventType]effect{
	integrity.FaceNotDetected:       warnElevate,
	integrity.MultipleFaces:         warnElevate,
	integrity.TabSwitch:             warnFocusLoss,
	integrity.FullscreenExit:        warnFocusLoss,
	integrity.FaceMismatch:          warnCritical,
	integrity.SuspiciousEyeMovement: warnOnly,
	integrity.CopyAttempt:           warnOnly,
	integrity.PasteAttempt:          warnOnly,
	integrity.ContextMenu:           warnOnly,
	integrity.CaptureUnavailable:    warnOnly,
	integrity.VerificationClean:     clean,
}

// Transition folds one event into state. It never mutates its input
// and depends on nothing but its arguments.
func Transition(policy Policy, state State, event integrity.Event) State {
	next := state
	next.Applied++

	switch effects[event.Type] {
	case noEffect:
		return next
	case clean:
		next.CleanStreak++
		if next.Level > Nominal && policy.RecoveryWindowEvents > 0 &&
			next.CleanStreak >= policy.RecoveryWindowEvents {
			next.Level = Nominal
			next.CleanStreak = 0
		}
	case warnOnly:
		next.Warnings++
		next.CleanStreak = 0
	case warnElevate:
		next.Warnings++
		next.CleanStreak = 0
		next.Level = max(next.Level, Elevated)
	case warnFocusLoss:
		next.Warnings++
		next.CleanStreak = 0
		next.FocusLosses++
		if policy.FocusLossCriticalCount > 0 && next.FocusLosses >= policy.FocusLossCriticalCount {
			next.Level = Critical
		} else {
			next.Level = max(next.Level, Elevated)
		}
	case warnCritical:
		next.Warnings++
		next.CleanStreak = 0
		next.Level = Critical
	}

	if next.Level != state.Level {
		next.LastTransition = event.Timestamp
	}
	return next
}

// Replay folds a session's stored log from the initial nominal state.
// It stops at the first error from events.
func Replay(policy Policy, events iter.Seq2[integrity.Event, error]) (State, error) {
	var state State
	for event, err := range events {
		if err != nil {
			return state, err
		}
		state = Transition(policy, state, event)
	}
	return state, nil
}

// ReplayEvents folds an already collected log.
func ReplayEvents(policy Policy, events []integrity.Event) State {
	var state State
	for _, event := range events {
		state = Transition(policy, state, event)
	}
	return state
}

// Changed reports whether an observer-visible field differs.
func Changed(before, after State) bool {
	return before.Level != after.Level || before.Warnings != after.Warnings
}
