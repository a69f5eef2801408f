// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Signal is one raw observation bound for the event log.
type Signal struct {
	Type   integrity.EventType `json:"eventType"`
	Detail integrity.Detail    `json:"detail,omitempty"`

	// ObservedAt is the client's clock. The log orders by arrival and
	// keeps this only as detail.
	ObservedAt time.Time `json:"clientTimestamp"`
}

// Sink receives everything the client produces.
type Sink interface {
	// Signal delivers an environment signal or a capture failure.
	Signal(ctx context.Context, signal Signal) error

	// Frame delivers an authoritative camera frame.
	Frame(ctx context.Context, frame []byte) error
}

// LocalStatus is the latest non-authoritative presence check. It is
// shown to the subject only and never logged.
type LocalStatus struct {
	FaceCount int       `json:"faceCount"`
	Message   string    `json:"message,omitempty"`
	Err       string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// LocalChecker is a small on-device presence check.
type LocalChecker interface {
	Check(ctx context.Context, frame []byte) (LocalStatus, error)
}
