// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vigil-proctoring/vigil/lib/codec"
	"github.com/vigil-proctoring/vigil/lib/eventlog"
	"github.com/vigil-proctoring/vigil/lib/evidence"
	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Events returns a session's events recorded at or after since, in
// sequence order. A zero since returns the whole log.
func (c *Controller) Events(ctx context.Context, id string, since time.Time) ([]integrity.Event, error) {
	if _, err := c.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.recorder.Store().Collect(ctx, id, since)
}

// Chain recomputes a session's hash chain.
func (c *Controller) Chain(ctx context.Context, id string) (eventlog.ChainReport, error) {
	if _, err := c.store.Get(ctx, id); err != nil {
		return eventlog.ChainReport{}, err
	}
	return c.recorder.Store().Verify(ctx, id)
}

// Bundle assembles the exportable record of a session: the session
// itself, every event, the chain verification, and optionally the
// referenced frames. Frames missing from the evidence store are
// skipped and logged.
func (c *Controller) Bundle(ctx context.Context, id string, withFrames bool) (evidence.Bundle, error) {
	snapshot, err := c.Snapshot(ctx, id)
	if err != nil {
		return evidence.Bundle{}, err
	}
	chain, err := c.recorder.Store().Verify(ctx, id)
	if err != nil {
		return evidence.Bundle{}, err
	}
	encoded, err := codec.Marshal(snapshot.Session)
	if err != nil {
		return evidence.Bundle{}, fmt.Errorf("session %s: encode: %w", id, err)
	}
	bundle := evidence.Bundle{
		ExportedAt: c.clock.Now().UTC(),
		SessionID:  id,
		Session:    encoded,
		Events:     snapshot.Events,
		Chain:      chain,
	}
	if !withFrames || c.evidence == nil {
		return bundle, nil
	}

	handles := make([]string, 0, len(snapshot.Events)+1)
	if snapshot.Session.ReferenceHandle != "" {
		handles = append(handles, snapshot.Session.ReferenceHandle)
	}
	for _, event := range snapshot.Events {
		if event.EvidenceRef != "" {
			handles = append(handles, event.EvidenceRef)
		}
	}
	bundle.Frames = make(map[string][]byte)
	for _, handle := range handles {
		if _, ok := bundle.Frames[handle]; ok {
			continue
		}
		frame, err := c.evidence.Get(handle)
		if err != nil {
			c.logger.Warn("evidence frame unavailable for export",
				"session_id", id,
				"handle", handle,
				"error", err,
			)
			continue
		}
		bundle.Frames[handle] = frame
	}
	return bundle, nil
}
