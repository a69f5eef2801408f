// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"fmt"
	"time"
)

// ChainReport is the result of re-walking a session's hash chain.
type ChainReport struct {
	SessionID string `json:"sessionId"`
	Events    int64  `json:"events"`
	Head      string `json:"head,omitempty"`
	Intact    bool   `json:"intact"`

	// BrokenAt is the sequence of the first entry that failed, and
	// Reason says how. Both are empty when Intact.
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes every hash of the session's log and checks that
// sequences are contiguous, timestamps never decrease, and each entry
// links to its predecessor. A broken chain is reported in the result,
// not as an error; errors mean the log could not be read.
func (s *Store) Verify(ctx context.Context, sessionID string) (ChainReport, error) {
	report := ChainReport{SessionID: sessionID, Intact: true}
	var previous string
	var lastNanos int64

	fail := func(sequence int64, format string, args ...any) ChainReport {
		report.Intact = false
		report.BrokenAt = sequence
		report.Reason = fmt.Sprintf(format, args...)
		return report
	}

	for r, err := range s.rows(ctx, sessionID, time.Time{}) {
		if err != nil {
			return report, err
		}
		event := r.event
		if event.Sequence != report.Events+1 {
			return fail(event.Sequence, "sequence gap: expected %d", report.Events+1), nil
		}
		if event.PrevHash != previous {
			return fail(event.Sequence, "prev_hash does not match the preceding entry"), nil
		}
		nanos := event.Timestamp.UnixNano()
		if nanos < lastNanos {
			return fail(event.Sequence, "timestamp went backward"), nil
		}
		want, err := chainHash(previous, chainInput{
			ID:          event.ID,
			SessionID:   event.SessionID,
			Sequence:    event.Sequence,
			Type:        string(event.Type),
			Detail:      r.detailBlob,
			EvidenceRef: event.EvidenceRef,
			Timestamp:   nanos,
		})
		if err != nil {
			return report, fmt.Errorf("eventlog: verify %s: %w", sessionID, err)
		}
		if want != event.Hash {
			return fail(event.Sequence, "hash mismatch"), nil
		}

		previous = event.Hash
		lastNanos = nanos
		report.Events++
		report.Head = event.Hash
	}
	s.logger.Debug("event chain verified", "session_id", sessionID, "events", report.Events)
	return report, nil
}
