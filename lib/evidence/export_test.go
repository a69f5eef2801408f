// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"bytes"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/vigil-proctoring/vigil/lib/codec"
	"github.com/vigil-proctoring/vigil/lib/eventlog"
	"github.com/vigil-proctoring/vigil/lib/integrity"
)

func testBundle(t *testing.T) Bundle {
	t.Helper()
	session, err := codec.Marshal(map[string]any{"id": "s-1", "status": "completed"})
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	frame := []byte("frame bytes")
	return Bundle{
		ExportedAt: at,
		SessionID:  "s-1",
		Session:    session,
		Events: []integrity.Event{
			{ID: "e1", SessionID: "s-1", Sequence: 1, Type: integrity.TabSwitch, Timestamp: at, Hash: "h1"},
			{ID: "e2", SessionID: "s-1", Sequence: 2, Type: integrity.MultipleFaces, Timestamp: at.Add(time.Second),
				Detail: integrity.Detail{"faceCount": "2"}, EvidenceRef: Handle(frame), PrevHash: "h1", Hash: "h2"},
		},
		Chain:  eventlog.ChainReport{SessionID: "s-1", Events: 2, Head: "h2", Intact: true},
		Frames: map[string][]byte{Handle(frame): frame},
	}
}

func checkBundle(t *testing.T, got, want Bundle) {
	t.Helper()
	if got.Version != BundleVersion || got.SessionID != want.SessionID || !got.ExportedAt.Equal(want.ExportedAt) {
		t.Errorf("header = %d %s %v", got.Version, got.SessionID, got.ExportedAt)
	}
	if len(got.Events) != 2 || got.Events[1].PrevHash != "h1" || got.Events[1].Detail["faceCount"] != "2" {
		t.Errorf("events = %+v", got.Events)
	}
	if got.Chain != want.Chain {
		t.Errorf("chain = %+v, want %+v", got.Chain, want.Chain)
	}
	for handle, frame := range want.Frames {
		if !bytes.Equal(got.Frames[handle], frame) {
			t.Errorf("frame %s missing or altered", handle)
		}
	}
	var session map[string]any
	if err := codec.Unmarshal(got.Session, &session); err != nil || session["status"] != "completed" {
		t.Errorf("session = %v, %v", session, err)
	}
}

func TestExportPlain(t *testing.T) {
	bundle := testBundle(t)
	var buf bytes.Buffer
	if err := Export(&buf, bundle, ExportOptions{}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := ReadBundle(&buf, "")
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	checkBundle(t, got, bundle)
}

func TestExportSealed(t *testing.T) {
	supervisor, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	bundle := testBundle(t)

	var buf bytes.Buffer
	if err := Export(&buf, bundle, ExportOptions{Recipients: []string{supervisor.Recipient().String()}}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	sealed := buf.Bytes()
	if bytes.Contains(sealed, []byte("s-1")) {
		t.Error("session id visible in sealed bundle")
	}

	if _, err := ReadBundle(bytes.NewReader(sealed), ""); err == nil {
		t.Error("sealed bundle read without identity")
	}
	if _, err := ReadBundle(bytes.NewReader(sealed), stranger.String()); err == nil {
		t.Error("sealed bundle read with the wrong identity")
	}
	got, err := ReadBundle(bytes.NewReader(sealed), supervisor.String())
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	checkBundle(t, got, bundle)
}

func TestExportRejectsBadRecipient(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(&buf, testBundle(t), ExportOptions{Recipients: []string{"age1notakey"}}); err == nil {
		t.Fatal("malformed recipient accepted")
	}
}
