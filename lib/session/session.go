// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"time"

	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/risk"
)

// Status is a session's coarse lifecycle state.
type Status string

const (
	Registered Status = "registered"
	Active     Status = "active"
	Completed  Status = "completed"
	Abandoned  Status = "abandoned"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == Completed || s == Abandoned }

func (s Status) valid() bool {
	switch s {
	case Registered, Active, Completed, Abandoned:
		return true
	}
	return false
}

// End reasons recorded on terminal sessions.
const (
	ReasonSubmitted         = "submitted"
	ReasonTimeExpired       = "time_expired"
	ReasonDisconnectTimeout = "disconnect_timeout"
)

// Subject is the test-taker as described by the auth collaborator.
type Subject struct {
	Name    string `json:"name" cbor:"name"`
	Contact string `json:"contact,omitempty" cbor:"contact,omitempty"`
}

// Session is one test-taker's attempt.
type Session struct {
	ID      string  `json:"id" cbor:"id"`
	ExamID  string  `json:"examId" cbor:"exam_id"`
	Subject Subject `json:"subject" cbor:"subject"`

	// ReferenceHandle is the evidence handle of the registered face,
	// empty until one is registered.
	ReferenceHandle string `json:"referenceHandle,omitempty" cbor:"reference_handle,omitempty"`

	Status    Status    `json:"status" cbor:"status"`
	CreatedAt time.Time `json:"createdAt" cbor:"created_at"`
	StartedAt time.Time `json:"startedAt,omitzero" cbor:"started_at,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitzero" cbor:"ended_at,omitempty"`
	EndReason string    `json:"endReason,omitempty" cbor:"end_reason,omitempty"`

	Result    *exam.Result `json:"result,omitempty" cbor:"result,omitempty"`
	FinalRisk *risk.State  `json:"finalRisk,omitempty" cbor:"final_risk,omitempty"`

	// Degraded is set once an event could not be persisted; the log
	// for this session is known to be incomplete.
	Degraded       bool   `json:"degraded" cbor:"degraded"`
	DegradedReason string `json:"degradedReason,omitempty" cbor:"degraded_reason,omitempty"`
}

// Signal is a raw observation submitted for an active session.
type Signal struct {
	Type        integrity.EventType
	Detail      integrity.Detail
	EvidenceRef string
}

func (s Signal) validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("session: unknown event type %q", s.Type)
	}
	return nil
}

// Snapshot is the re-fetch view of one session: the record, the
// current (or frozen) risk, and every logged event.
type Snapshot struct {
	Session Session           `json:"session"`
	Risk    risk.State        `json:"risk"`
	Events  []integrity.Event `json:"events"`
}

// Overview is one row of an exam's dashboard.
type Overview struct {
	Session Session    `json:"session"`
	Risk    risk.State `json:"risk"`
}

// Summary aggregates an exam's sessions for the supervisor.
type Summary struct {
	ExamID    string `json:"examId"`
	Students  int    `json:"totalStudents"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Abandoned int    `json:"abandoned"`
	Warnings  int    `json:"totalWarnings"`
	Critical  int    `json:"critical"`
	Degraded  int    `json:"degraded"`
}
