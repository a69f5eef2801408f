// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package integrity

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureUnavailable: the camera could not produce a frame
	// (permission denied, device gone). Retried locally and recorded.
	ErrCaptureUnavailable = errors.New("capture unavailable")

	// ErrAnalysisUnavailable: the detector is not ready. Transient;
	// never to be read as "no face".
	ErrAnalysisUnavailable = errors.New("analysis unavailable")

	ErrNoFaceInReference = errors.New("no face in reference frame")
	ErrNoFaceInCandidate = errors.New("no face in candidate frame")

	// ErrInvalidState: a lifecycle operation does not apply to the
	// session's current state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrAlreadyActive is the InvalidState returned when activating
	// an active session. It matches both sentinels.
	ErrAlreadyActive = fmt.Errorf("session already active: %w", ErrInvalidState)

	// ErrPersistenceFailure: the log append failed. Fatal for the
	// event; the session is marked degraded.
	ErrPersistenceFailure = errors.New("persistence failure")

	ErrNotFound = errors.New("not found")
)
