// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package risk is the escalation state machine for a session.
//
// Transition is a pure function from (State, Event) to State. The live
// Tracker applies it as events are recorded, and Replay applies it to a
// stored log; both produce the same State for the same sequence, which
// is how a restarted service recovers without a persisted snapshot.
//
// Levels only rise on their own. The way back to nominal is a run of
// Policy.RecoveryWindowEvents consecutive clean verifications with no
// warning-bearing event in between.
package risk
