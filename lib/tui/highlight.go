// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import "time"

// FlashDuration is how long a changed row stays highlighted.
const FlashDuration = 4 * time.Second

// FlashTick is the redraw interval while anything is highlighted.
const FlashTick = 200 * time.Millisecond

// Flash says why a row is highlighted.
type Flash int

const (
	// FlashUpdate is any change other than a risk increase.
	FlashUpdate Flash = iota
	// FlashEscalation is a risk level going up.
	FlashEscalation
)

type flashEntry struct {
	at   time.Time
	kind Flash
}

// Highlighter tracks recently changed rows by key. The zero value is
// not usable; call NewHighlighter. It is not safe for concurrent use;
// a bubbletea model owns it.
type Highlighter struct {
	entries map[string]flashEntry
}

func NewHighlighter() *Highlighter {
	return &Highlighter{entries: make(map[string]flashEntry)}
}

// Mark highlights key from now. An escalation is not downgraded by a
// later update while it is still showing.
func (h *Highlighter) Mark(key string, kind Flash, now time.Time) {
	if current, ok := h.entries[key]; ok && current.kind == FlashEscalation && kind == FlashUpdate &&
		now.Sub(current.at) < FlashDuration {
		return
	}
	h.entries[key] = flashEntry{at: now, kind: kind}
}

// Active reports whether key is highlighted at now, and why.
func (h *Highlighter) Active(key string, now time.Time) (Flash, bool) {
	entry, ok := h.entries[key]
	if !ok || now.Sub(entry.at) >= FlashDuration {
		return 0, false
	}
	return entry.kind, true
}

// Pending reports whether any row is still highlighted, dropping
// expired entries.
func (h *Highlighter) Pending(now time.Time) bool {
	pending := false
	for key, entry := range h.entries {
		if now.Sub(entry.at) < FlashDuration {
			pending = true
			continue
		}
		delete(h.entries, key)
	}
	return pending
}
