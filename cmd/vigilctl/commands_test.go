// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vigil-proctoring/vigil/cmd/vigilctl/cli"
	"github.com/vigil-proctoring/vigil/lib/eventlog"
	"github.com/vigil-proctoring/vigil/lib/evidence"
	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/httpapi"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/risk"
	"github.com/vigil-proctoring/vigil/lib/session"
)

// runCommand executes vigilctl with args and returns what it printed.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	previous := stdout
	stdout = &out
	t.Cleanup(func() { stdout = previous })
	err := root().Execute(args)
	return out.String(), err
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"success": status < 300}
	if status < 300 {
		body["data"] = data
	} else {
		body["message"] = data
	}
	json.NewEncoder(w).Encode(body)
}

// fakeService answers the routes vigilctl reads. It records the role
// header of the last request.
type fakeService struct {
	*httptest.Server
	role  string
	query string
}

func newFakeService(t *testing.T, routes map[string]http.HandlerFunc) *fakeService {
	t.Helper()
	fake := &fakeService{}
	fake.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.role = r.Header.Get(httpapi.HeaderRole)
		fake.query = r.URL.RawQuery
		handler, ok := routes[r.URL.Path]
		if !ok {
			writeEnvelope(w, http.StatusNotFound, "not found")
			return
		}
		handler(w, r)
	}))
	t.Cleanup(fake.Close)
	return fake
}

func TestSessionsPrintsTable(t *testing.T) {
	overviews := []session.Overview{
		{
			Session: session.Session{ID: "s-1", Subject: session.Subject{Name: "Ada"}, Status: session.Active},
			Risk:    risk.State{Level: risk.Elevated, Warnings: 2},
		},
		{
			Session: session.Session{
				ID: "s-2", Subject: session.Subject{Name: "Grace"}, Status: session.Completed,
				Result: &exam.Result{Score: 1, TotalPoints: 2}, Degraded: true,
			},
		},
	}
	fake := newFakeService(t, map[string]http.HandlerFunc{
		"/api/proctoring/exams/midterm/sessions": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, overviews)
		},
	})

	out, err := runCommand(t, "sessions", "midterm", "--server", fake.URL)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if fake.role != string(httpapi.RoleSupervisor) {
		t.Errorf("role header = %q, want supervisor by default", fake.role)
	}
	for _, want := range []string{"SESSION", "Ada", "elevated", "Grace", "1/2", "log incomplete"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCommand(t, "sessions", "midterm", "--server", fake.URL, "--json")
	if err != nil {
		t.Fatalf("sessions --json: %v", err)
	}
	var decoded []session.Overview
	if err := json.Unmarshal([]byte(out), &decoded); err != nil || len(decoded) != 2 {
		t.Errorf("--json output = %q (%v)", out, err)
	}
}

func TestServiceErrorCarriesMessage(t *testing.T) {
	fake := newFakeService(t, nil)
	_, err := runCommand(t, "summary", "nope", "--server", fake.URL)
	var failure *apiError
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want *apiError", err)
	}
	if failure.Status != http.StatusNotFound || failure.Message != "not found" {
		t.Errorf("apiError = %+v", failure)
	}
}

func TestChainBrokenExitsOne(t *testing.T) {
	fake := newFakeService(t, map[string]http.HandlerFunc{
		"/api/proctoring/sessions/s-1/chain": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, eventlog.ChainReport{
				SessionID: "s-1", Events: 5, BrokenAt: 3, Reason: "hash mismatch",
			})
		},
		"/api/proctoring/sessions/s-2/chain": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, eventlog.ChainReport{
				SessionID: "s-2", Events: 5, Head: "abc", Intact: true,
			})
		},
	})

	out, err := runCommand(t, "chain", "s-1", "--server", fake.URL)
	var exit *cli.ExitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("error = %v, want exit code 1", err)
	}
	if !strings.Contains(out, "BROKEN at sequence 3: hash mismatch") {
		t.Errorf("output = %q", out)
	}

	out, err = runCommand(t, "chain", "s-2", "--server", fake.URL)
	if err != nil {
		t.Fatalf("intact chain: %v", err)
	}
	if !strings.Contains(out, "intact: 5 events, head abc") {
		t.Errorf("output = %q", out)
	}
}

func TestLogsRejectsBadSince(t *testing.T) {
	fake := newFakeService(t, nil)
	if _, err := runCommand(t, "logs", "s-1", "--server", fake.URL, "--since", "yesterday"); err == nil {
		t.Fatal("expected an error for an unparseable --since")
	}
}

func TestExportThenInspect(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var bundle bytes.Buffer
	err := evidence.Export(&bundle, evidence.Bundle{
		ExportedAt: at,
		SessionID:  "s-1",
		Events: []integrity.Event{
			{ID: "e-1", SessionID: "s-1", Sequence: 1, Type: integrity.TabSwitch, Timestamp: at},
		},
		Chain: eventlog.ChainReport{SessionID: "s-1", Events: 1, Head: "abc", Intact: true},
	}, evidence.ExportOptions{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	fake := newFakeService(t, map[string]http.HandlerFunc{
		"/api/proctoring/sessions/s-1/export": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(bundle.Bytes())
		},
	})
	path := filepath.Join(t.TempDir(), "s-1.vigil")
	out, err := runCommand(t, "export", "s-1", "--server", fake.URL, "-o", path, "--frames", "false")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if fake.query != "frames=false" {
		t.Errorf("query = %q, want frames=false", fake.query)
	}
	if !strings.Contains(out, "wrote "+path) {
		t.Errorf("output = %q", out)
	}

	out, err = runCommand(t, "inspect", path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"session s-1", "1 events", "intact", string(integrity.TabSwitch)} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestExportFailureLeavesNoFile(t *testing.T) {
	fake := newFakeService(t, nil)
	path := filepath.Join(t.TempDir(), "missing.vigil")
	if _, err := runCommand(t, "export", "missing", "--server", fake.URL, "-o", path); err == nil {
		t.Fatal("expected an error for a missing session")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("stat %s = %v, want not exist", path, err)
	}
}

func TestExamCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.jsonc")
	bad := filepath.Join(dir, "bad.json")
	sample, err := json.Marshal(exam.Sample())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(good, sample, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(`{"id": ""}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "exam", "check", good)
	if err != nil {
		t.Fatalf("check good: %v", err)
	}
	if !strings.Contains(out, "ok (sample-cs-final") {
		t.Errorf("output = %q", out)
	}

	out, err = runCommand(t, "exam", "check", good, bad)
	var exit *cli.ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("error = %v, want an exit error", err)
	}
	if !strings.Contains(out, bad+":") {
		t.Errorf("output does not report %s:\n%s", bad, out)
	}
}

func TestReadIdentitySkipsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.txt")
	content := "# created: 2026-03-01\r\n# public key: age1xyz\r\nAGE-SECRET-KEY-1ABC\r\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	identity, err := readIdentity(path)
	if err != nil {
		t.Fatalf("readIdentity: %v", err)
	}
	if identity != "AGE-SECRET-KEY-1ABC" {
		t.Errorf("identity = %q", identity)
	}
}
