// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// EnvironmentEvent is one single-shot user-interaction event.
type EnvironmentEvent struct {
	Type   integrity.EventType
	Detail integrity.Detail
	At     time.Time
}

// Environment reports environment events. The channel closes when the
// source ends.
type Environment interface {
	Events() <-chan EnvironmentEvent
}

// browserNames maps DOM event names a browser bridge may forward onto
// event types.
var browserNames = map[string]integrity.EventType{
	"visibilitychange": integrity.TabSwitch,
	"blur":             integrity.TabSwitch,
	"fullscreenchange": integrity.FullscreenExit,
	"copy":             integrity.CopyAttempt,
	"paste":            integrity.PasteAttempt,
	"contextmenu":      integrity.ContextMenu,
}

type environmentLine struct {
	Type   string           `json:"type"`
	Detail integrity.Detail `json:"detail"`
	At     time.Time        `json:"at"`
}

// LineEnvironment decodes newline-delimited JSON objects such as
//
//	{"type":"tab_switch","detail":{"hidden":true}}
//	{"type":"contextmenu"}
//
// from a reader. Lines that are not environment events are logged and
// skipped.
type LineEnvironment struct {
	events chan EnvironmentEvent
}

// NewLineEnvironment starts reading r. Reading stops at EOF or when ctx
// ends; either closes Events.
func NewLineEnvironment(ctx context.Context, r io.Reader, now func() time.Time, logger *slog.Logger) *LineEnvironment {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	env := &LineEnvironment{events: make(chan EnvironmentEvent)}
	go func() {
		defer close(env.events)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var line environmentLine
			if err := json.Unmarshal(raw, &line); err != nil {
				logger.Warn("skipping malformed environment line", "error", err)
				continue
			}
			eventType, ok := browserNames[line.Type]
			if !ok {
				eventType = integrity.EventType(line.Type)
			}
			if !eventType.IsEnvironment() {
				logger.Warn("skipping non-environment event", "type", line.Type)
				continue
			}
			at := line.At
			if at.IsZero() {
				at = now()
			}
			select {
			case env.events <- EnvironmentEvent{Type: eventType, Detail: line.Detail, At: at}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("environment source failed", "error", err)
		}
	}()
	return env
}

func (e *LineEnvironment) Events() <-chan EnvironmentEvent { return e.events }
