// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/testutil"
)

func TestLineEnvironment(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"visibilitychange","detail":{"hidden":true}}`,
		`not json`,
		`{"type":"face_mismatch"}`,
		``,
		`{"type":"paste_attempt","at":"2026-03-01T09:00:05Z"}`,
		`{"type":"contextmenu"}`,
	}, "\n")

	now := func() time.Time { return epoch }
	env := NewLineEnvironment(context.Background(), strings.NewReader(input), now, testutil.Logger(t))

	var got []EnvironmentEvent
	for event := range env.Events() {
		got = append(got, event)
	}
	want := []integrity.EventType{integrity.TabSwitch, integrity.PasteAttempt, integrity.ContextMenu}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i].Type, want[i])
		}
	}
	if got[0].Detail["hidden"] != true || !got[0].At.Equal(epoch) {
		t.Errorf("first event = %+v", got[0])
	}
	if !got[1].At.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("reported time not kept: %v", got[1].At)
	}
}
