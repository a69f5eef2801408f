// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package integrity

import (
	"fmt"
	"time"
)

// EventType names one kind of integrity signal. The string values are
// the wire and storage form.
type EventType string

const (
	FaceNotDetected       EventType = "face_not_detected"
	MultipleFaces         EventType = "multiple_faces"
	FaceMismatch          EventType = "face_mismatch"
	SuspiciousEyeMovement EventType = "suspicious_eye_movement"

	TabSwitch      EventType = "tab_switch"
	FullscreenExit EventType = "fullscreen_exit"
	CopyAttempt    EventType = "copy_attempt"
	PasteAttempt   EventType = "paste_attempt"
	ContextMenu    EventType = "context_menu"

	CaptureUnavailable  EventType = "capture_unavailable"
	AnalysisUnavailable EventType = "analysis_unavailable"

	// VerificationFailed records a comparison that could not run
	// because one of the frames had no usable face. It is kept apart
	// from FaceMismatch, which is a real low-similarity result.
	VerificationFailed EventType = "verification_failed"

	// VerificationClean is a verification with exactly one matching
	// face and normal eye metrics. It feeds the recovery window.
	VerificationClean EventType = "verification_clean"
)

var eventTypes = map[EventType]bool{
	FaceNotDetected: false, MultipleFaces: false, FaceMismatch: false,
	SuspiciousEyeMovement: false, TabSwitch: true, FullscreenExit: true,
	CopyAttempt: true, PasteAttempt: true, ContextMenu: true,
	CaptureUnavailable: false, AnalysisUnavailable: false,
	VerificationFailed: false, VerificationClean: false,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// IsEnvironment reports whether t comes from a browser/OS watcher
// rather than frame analysis.
func (t EventType) IsEnvironment() bool {
	return eventTypes[t]
}

// ClientReported reports whether a subject's own client may record t.
// Everything else is derived from frame analysis on the server.
func (t EventType) ClientReported() bool {
	return t.IsEnvironment() || t == CaptureUnavailable
}

// ParseEventType validates s.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Detail is the kind-specific payload of an event: face counts,
// similarity scores, gaze offsets, error text. Values must be plain
// scalars, slices, or string-keyed maps so they survive CBOR storage
// and JSON fan-out unchanged.
type Detail map[string]any

// Event is one immutable entry of a session's integrity log.
type Event struct {
	ID        string `json:"id" cbor:"id"`
	SessionID string `json:"sessionId" cbor:"session_id"`

	// Sequence is the 1-based arrival position within the session. It
	// is the authoritative order; Timestamp is non-decreasing along it.
	Sequence int64 `json:"sequence" cbor:"sequence"`

	Type   EventType `json:"eventType" cbor:"type"`
	Detail Detail    `json:"detail,omitempty" cbor:"detail,omitempty"`

	// EvidenceRef is an opaque handle into the evidence store. Raw
	// frame bytes never enter the log.
	EvidenceRef string `json:"evidenceRef,omitempty" cbor:"evidence_ref,omitempty"`

	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`

	PrevHash string `json:"prevHash,omitempty" cbor:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty" cbor:"hash,omitempty"`
}
