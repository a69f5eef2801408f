// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package risk

import (
	"sync"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Tracker holds the live State of every active session. Each session is
// fed by a single event loop, so the lock only guards the map.
type Tracker struct {
	policy Policy

	mu     sync.Mutex
	states map[string]State
}

func NewTracker(policy Policy) *Tracker {
	return &Tracker{policy: policy, states: make(map[string]State)}
}

// Policy returns the thresholds in use.
func (t *Tracker) Policy() Policy { return t.policy }

// Start begins tracking a session from initial (the zero State for a
// fresh activation, a replayed State after a restart).
func (t *Tracker) Start(sessionID string, initial State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[sessionID] = initial
}

// Apply folds event into its session's state. It reports ok=false when
// the session is not tracked (not active), in which case nothing
// changes.
func (t *Tracker) Apply(event integrity.Event) (before, after State, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	before, ok = t.states[event.SessionID]
	if !ok {
		return State{}, State{}, false
	}
	after = Transition(t.policy, before, event)
	t.states[event.SessionID] = after
	return before, after, true
}

// Snapshot returns the current state of a tracked session.
func (t *Tracker) Snapshot(sessionID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[sessionID]
	return state, ok
}

// Stop removes the session and returns its final state.
func (t *Tracker) Stop(sessionID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[sessionID]
	delete(t.states, sessionID)
	return state, ok
}
