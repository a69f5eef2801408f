// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"fmt"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/risk"
)

// Kind names a message on the wire.
type Kind string

const (
	EventCreated      Kind = "event-created"
	RiskChanged       Kind = "risk-changed"
	SessionCompleted  Kind = "session-completed"
	SessionStatus     Kind = "session-status"
	IntegrityDegraded Kind = "integrity-degraded"
)

// Message is one outbound notification. SessionID and ExamID route it;
// Data is the kind-specific body sent to observers.
type Message struct {
	Kind      Kind   `json:"type"`
	SessionID string `json:"sessionId"`
	ExamID    string `json:"examId,omitempty"`
	Data      any    `json:"data"`
}

type EventCreatedData struct {
	SessionID   string              `json:"sessionId"`
	Sequence    int64               `json:"sequence"`
	EventType   integrity.EventType `json:"eventType"`
	Timestamp   time.Time           `json:"timestamp"`
	Detail      integrity.Detail    `json:"detail,omitempty"`
	EvidenceRef string              `json:"evidenceRef,omitempty"`
}

type RiskChangedData struct {
	SessionID    string     `json:"sessionId"`
	Level        risk.Level `json:"level"`
	Previous     risk.Level `json:"previousLevel"`
	WarningCount int        `json:"warningCount"`
}

type SessionCompletedData struct {
	SessionID   string     `json:"sessionId"`
	Reason      string     `json:"reason"`
	Score       int        `json:"score"`
	TotalPoints int        `json:"totalPoints"`
	Percentage  int        `json:"percentage"`
	FinalLevel  risk.Level `json:"finalLevel"`
}

type SessionStatusData struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type IntegrityDegradedData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func NewEventCreated(examID string, event integrity.Event) Message {
	return Message{
		Kind:      EventCreated,
		SessionID: event.SessionID,
		ExamID:    examID,
		Data: EventCreatedData{
			SessionID:   event.SessionID,
			Sequence:    event.Sequence,
			EventType:   event.Type,
			Timestamp:   event.Timestamp,
			Detail:      event.Detail,
			EvidenceRef: event.EvidenceRef,
		},
	}
}

func NewRiskChanged(examID, sessionID string, before, after risk.State) Message {
	return Message{
		Kind:      RiskChanged,
		SessionID: sessionID,
		ExamID:    examID,
		Data: RiskChangedData{
			SessionID:    sessionID,
			Level:        after.Level,
			Previous:     before.Level,
			WarningCount: after.Warnings,
		},
	}
}

func NewSessionStatus(examID, sessionID, status string) Message {
	return Message{
		Kind:      SessionStatus,
		SessionID: sessionID,
		ExamID:    examID,
		Data:      SessionStatusData{SessionID: sessionID, Status: status},
	}
}

func NewIntegrityDegraded(examID, sessionID, reason string) Message {
	return Message{
		Kind:      IntegrityDegraded,
		SessionID: sessionID,
		ExamID:    examID,
		Data:      IntegrityDegradedData{SessionID: sessionID, Reason: reason},
	}
}

// CommandType names an inbound subscription command.
type CommandType string

const (
	JoinSession  CommandType = "join-session"
	JoinExam     CommandType = "join-exam"
	LeaveSession CommandType = "leave-session"
	LeaveExam    CommandType = "leave-exam"
)

// Command is sent by an observer to change its subscriptions.
type Command struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	ExamID    string      `json:"examId,omitempty"`
}

func (c Command) Validate() error {
	switch c.Type {
	case JoinSession, LeaveSession:
		if c.SessionID == "" {
			return fmt.Errorf("fanout: %s requires sessionId", c.Type)
		}
	case JoinExam, LeaveExam:
		if c.ExamID == "" {
			return fmt.Errorf("fanout: %s requires examId", c.Type)
		}
	default:
		return fmt.Errorf("fanout: unknown command %q", c.Type)
	}
	return nil
}
