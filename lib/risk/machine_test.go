// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package risk

import (
	"encoding/json"
	"errors"
	"iter"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func events(types ...integrity.EventType) []integrity.Event {
	out := make([]integrity.Event, len(types))
	for i, eventType := range types {
		out[i] = integrity.Event{
			SessionID: "s-1",
			Sequence:  int64(i + 1),
			Type:      eventType,
			Timestamp: epoch.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func fold(policy Policy, list []integrity.Event) State {
	var state State
	for _, event := range list {
		state = Transition(policy, state, event)
	}
	return state
}

func TestTransitionTable(t *testing.T) {
	const (
		tab     = integrity.TabSwitch
		exit    = integrity.FullscreenExit
		noFace  = integrity.FaceNotDetected
		many    = integrity.MultipleFaces
		clean   = integrity.VerificationClean
		eyes    = integrity.SuspiciousEyeMovement
		mismat  = integrity.FaceMismatch
		copying = integrity.CopyAttempt
		unavail = integrity.AnalysisUnavailable
	)
	tests := []struct {
		name         string
		sequence     []integrity.EventType
		wantLevel    Level
		wantWarnings int
	}{
		{"no events", nil, Nominal, 0},
		{"single tab switch elevates", []integrity.EventType{tab}, Elevated, 1},
		{"three tab switches are critical", []integrity.EventType{tab, tab, tab}, Critical, 3},
		{"mixed focus losses count together", []integrity.EventType{tab, exit, tab}, Critical, 3},
		{"two focus losses stay elevated", []integrity.EventType{exit, tab}, Elevated, 2},
		{"face missing elevates", []integrity.EventType{noFace}, Elevated, 1},
		{"multiple faces elevate", []integrity.EventType{many}, Elevated, 1},
		{"mismatch is critical at once", []integrity.EventType{mismat}, Critical, 1},
		{"eye movement only warns", []integrity.EventType{eyes, eyes}, Nominal, 2},
		{"copy attempt only warns", []integrity.EventType{copying}, Nominal, 1},
		{"analysis outage is neutral", []integrity.EventType{unavail, unavail}, Nominal, 0},
		{"recovery after three clean", []integrity.EventType{noFace, clean, clean, clean}, Nominal, 1},
		{"two clean are not enough", []integrity.EventType{noFace, clean, clean}, Elevated, 1},
		{"warning breaks the streak", []integrity.EventType{noFace, clean, clean, eyes, clean}, Elevated, 2},
		{"critical recovers too", []integrity.EventType{mismat, clean, clean, clean}, Nominal, 1},
		{"clean on nominal is a no-op", []integrity.EventType{clean, clean, clean, clean}, Nominal, 0},
		{"focus losses survive recovery", []integrity.EventType{tab, clean, clean, clean, tab, tab}, Critical, 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			state := fold(DefaultPolicy(), events(test.sequence...))
			if state.Level != test.wantLevel {
				t.Errorf("level = %v, want %v", state.Level, test.wantLevel)
			}
			if state.Warnings != test.wantWarnings {
				t.Errorf("warnings = %d, want %d", state.Warnings, test.wantWarnings)
			}
		})
	}
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	before := State{Level: Elevated, Warnings: 2, CleanStreak: 1}
	copyOfBefore := before
	_ = Transition(DefaultPolicy(), before, events(integrity.FaceMismatch)[0])
	if before != copyOfBefore {
		t.Fatalf("input state changed: %+v", before)
	}
}

func TestLastTransitionTracksLevelChanges(t *testing.T) {
	list := events(integrity.TabSwitch, integrity.SuspiciousEyeMovement, integrity.TabSwitch, integrity.TabSwitch)
	state := fold(DefaultPolicy(), list)
	if !state.LastTransition.Equal(list[3].Timestamp) {
		t.Errorf("LastTransition = %v, want time of the third tab switch %v", state.LastTransition, list[3].Timestamp)
	}
}

func TestPolicyThresholdsAreConfigurable(t *testing.T) {
	policy := Policy{RecoveryWindowEvents: 1, FocusLossCriticalCount: 5}
	state := fold(policy, events(integrity.TabSwitch, integrity.TabSwitch, integrity.TabSwitch))
	if state.Level != Elevated {
		t.Errorf("level = %v, want elevated below a limit of 5", state.Level)
	}
	state = Transition(policy, state, events(integrity.VerificationClean)[0])
	if state.Level != Nominal {
		t.Errorf("level = %v, want nominal after one clean with window 1", state.Level)
	}
}

func seq(list []integrity.Event) iter.Seq2[integrity.Event, error] {
	return func(yield func(integrity.Event, error) bool) {
		for _, event := range list {
			if !yield(event, nil) {
				return
			}
		}
	}
}

func TestReplayMatchesLiveTracker(t *testing.T) {
	all := []integrity.EventType{
		integrity.TabSwitch, integrity.FaceNotDetected, integrity.VerificationClean,
		integrity.SuspiciousEyeMovement, integrity.FullscreenExit, integrity.MultipleFaces,
		integrity.VerificationClean, integrity.FaceMismatch, integrity.CaptureUnavailable,
		integrity.AnalysisUnavailable, integrity.VerificationFailed, integrity.ContextMenu,
	}
	random := rand.New(rand.NewPCG(7, 11))
	for round := range 50 {
		types := make([]integrity.EventType, 40)
		for i := range types {
			types[i] = all[random.IntN(len(all))]
		}
		list := events(types...)

		tracker := NewTracker(DefaultPolicy())
		tracker.Start("s-1", State{})
		for _, event := range list {
			if _, _, ok := tracker.Apply(event); !ok {
				t.Fatal("Apply on a started session reported not tracked")
			}
		}
		live, _ := tracker.Snapshot("s-1")

		replayed, err := Replay(DefaultPolicy(), seq(list))
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		if replayed != live {
			t.Fatalf("round %d: replay %+v differs from live %+v", round, replayed, live)
		}
		if folded := ReplayEvents(DefaultPolicy(), list); folded != live {
			t.Fatalf("round %d: ReplayEvents %+v differs from live %+v", round, folded, live)
		}
	}
}

func TestReplayStopsOnError(t *testing.T) {
	broken := errors.New("row decode failed")
	source := func(yield func(integrity.Event, error) bool) {
		if !yield(events(integrity.TabSwitch)[0], nil) {
			return
		}
		yield(integrity.Event{}, broken)
	}
	state, err := Replay(DefaultPolicy(), source)
	if !errors.Is(err, broken) {
		t.Fatalf("Replay error = %v, want %v", err, broken)
	}
	if state.Applied != 1 {
		t.Errorf("applied = %d, want 1 before the error", state.Applied)
	}
}

func TestTrackerIgnoresUntrackedSessions(t *testing.T) {
	tracker := NewTracker(DefaultPolicy())
	if _, _, ok := tracker.Apply(events(integrity.TabSwitch)[0]); ok {
		t.Fatal("Apply on an unknown session reported ok")
	}
	tracker.Start("s-1", State{})
	tracker.Apply(events(integrity.TabSwitch)[0])
	final, ok := tracker.Stop("s-1")
	if !ok || final.Level != Elevated {
		t.Fatalf("Stop = %+v, %v; want elevated, true", final, ok)
	}
	if _, ok := tracker.Snapshot("s-1"); ok {
		t.Error("session still tracked after Stop")
	}
}

func TestLevelJSON(t *testing.T) {
	data, err := json.Marshal(State{Level: Critical, Warnings: 4})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded State
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Level != Critical || decoded.Warnings != 4 {
		t.Errorf("decoded %+v from %s", decoded, data)
	}
}
