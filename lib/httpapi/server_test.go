// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vigil-proctoring/vigil/lib/biometric"
	"github.com/vigil-proctoring/vigil/lib/clock"
	"github.com/vigil-proctoring/vigil/lib/eventlog"
	"github.com/vigil-proctoring/vigil/lib/evidence"
	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/fanout"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/session"
	"github.com/vigil-proctoring/vigil/lib/sqlitepool"
	"github.com/vigil-proctoring/vigil/lib/testutil"
)

// widthDetector sees the registered subject in 320-pixel frames and
// nobody otherwise.
type widthDetector struct{}

func (widthDetector) Ready() bool { return true }

func (widthDetector) Detect(_ context.Context, frame biometric.Frame) ([]biometric.Detection, error) {
	if frame.Width != 320 {
		return nil, nil
	}
	return []biometric.Detection{{
		Box:        biometric.Box{X: 10, Y: 10, Width: 100, Height: 100},
		Score:      0.9,
		Descriptor: []float64{1, 0, 0},
	}}, nil
}

func pngFrame(t *testing.T, width int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, width, 240))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	server     *httptest.Server
	controller *session.Controller
	hub        *fanout.Hub
}

func newFixture(t *testing.T, configure ...func(*Config)) *fixture {
	t.Helper()
	logger := testutil.Logger(t)
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "vigil.db"),
		Schema: eventlog.Schema + session.Schema,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	evidenceStore, err := evidence.OpenStore(filepath.Join(t.TempDir(), "evidence"), logger)
	if err != nil {
		t.Fatalf("evidence.OpenStore: %v", err)
	}
	adapter, err := biometric.NewAdapter(widthDetector{}, biometric.DefaultThresholds(), logger)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	recorder, err := eventlog.NewRecorder(eventlog.RecorderConfig{
		Store:  eventlog.NewStore(pool, logger),
		Clock:  fakeClock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	catalog := exam.NewCatalog(exam.Sample())
	hub := fanout.NewHub(64, logger)
	controller, err := session.NewController(session.Config{
		Store:    session.NewStore(pool),
		Recorder: recorder,
		Hub:      hub,
		Catalog:  catalog,
		Adapter:  adapter,
		Evidence: evidenceStore,
		Clock:    fakeClock,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(controller.Close)

	cfg := Config{
		Controller: controller,
		Catalog:    catalog,
		Hub:        hub,
		Logger:     logger,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &fixture{server: ts, controller: controller, hub: hub}
}

type caller struct {
	role    Role
	subject string
}

var (
	ada        = caller{RoleSubject, "Ada"}
	grace      = caller{RoleSubject, "Grace"}
	supervisor = caller{RoleSupervisor, ""}
	anonymous  = caller{}
)

type response struct {
	status  int
	success bool
	data    json.RawMessage
	message string
	raw     []byte
	header  http.Header
}

func (f *fixture) do(t *testing.T, who caller, method, path, contentType string, body []byte) response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if who.role != "" {
		req.Header.Set(HeaderRole, string(who.role))
	}
	if who.subject != "" {
		req.Header.Set(HeaderSubject, who.subject)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	out := response{status: resp.StatusCode, raw: raw, header: resp.Header}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var env struct {
			Success bool            `json:"success"`
			Data    json.RawMessage `json:"data"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decoding envelope %q: %v", raw, err)
		}
		out.success, out.data, out.message = env.Success, env.Data, env.Message
	}
	return out
}

func (f *fixture) doJSON(t *testing.T, who caller, method, path string, body any) response {
	t.Helper()
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
	}
	return f.do(t, who, method, path, "application/json", encoded)
}

func decode[T any](t *testing.T, r response) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(r.data, &v); err != nil {
		t.Fatalf("decoding %s: %v", r.data, err)
	}
	return v
}

func expectStatus(t *testing.T, r response, want int) {
	t.Helper()
	if r.status != want {
		t.Fatalf("status = %d, want %d (body %s)", r.status, want, r.raw)
	}
}

// startSession registers Ada's face and activates her session.
func (f *fixture) startSession(t *testing.T) session.Session {
	t.Helper()
	resp := f.doJSON(t, ada, http.MethodPost, "/api/exams/sample-cs-final/sessions", map[string]string{})
	expectStatus(t, resp, http.StatusCreated)
	sess := decode[session.Session](t, resp)

	resp = f.do(t, ada, http.MethodPost, "/api/sessions/"+sess.ID+"/face", "image/png", pngFrame(t, 320))
	expectStatus(t, resp, http.StatusOK)
	resp = f.do(t, ada, http.MethodPost, "/api/sessions/"+sess.ID+"/activate", "", nil)
	expectStatus(t, resp, http.StatusOK)
	return decode[session.Session](t, resp)
}

func TestRoles(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	tests := []struct {
		name   string
		who    caller
		method string
		path   string
		want   int
	}{
		{"no role", anonymous, http.MethodGet, "/api/exams", http.StatusUnauthorized},
		{"unknown role", caller{role: "admin"}, http.MethodGet, "/api/exams", http.StatusUnauthorized},
		{"subject lists exams", ada, http.MethodGet, "/api/exams", http.StatusOK},
		{"subject reads own session", ada, http.MethodGet, "/api/sessions/" + sess.ID + "/", http.StatusOK},
		{"subject reads another session", grace, http.MethodGet, "/api/sessions/" + sess.ID + "/", http.StatusForbidden},
		{"subject reads chain", ada, http.MethodGet, "/api/proctoring/sessions/" + sess.ID + "/chain", http.StatusForbidden},
		{"subject reads dashboard", ada, http.MethodGet, "/api/proctoring/exams/sample-cs-final/sessions", http.StatusForbidden},
		{"supervisor reads chain", supervisor, http.MethodGet, "/api/proctoring/sessions/" + sess.ID + "/chain", http.StatusOK},
		{"supervisor reads unknown exam", supervisor, http.MethodGet, "/api/proctoring/exams/nope/summary", http.StatusNotFound},
		{"health needs no role", anonymous, http.MethodGet, "/healthz", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.who, tt.method, tt.path, "", nil)
			expectStatus(t, resp, tt.want)
			if resp.success != (tt.want < 400) {
				t.Errorf("success = %v for status %d", resp.success, tt.want)
			}
		})
	}
}

func TestSubjectsSeePublicExam(t *testing.T) {
	f := newFixture(t)

	public := decode[exam.Exam](t, f.do(t, ada, http.MethodGet, "/api/exams/sample-cs-final", "", nil))
	for _, q := range public.Questions {
		for _, o := range q.Options {
			if o.Correct {
				t.Fatalf("subject view reveals the answer to %s", q.ID)
			}
		}
	}
	full := decode[exam.Exam](t, f.do(t, supervisor, http.MethodGet, "/api/exams/sample-cs-final", "", nil))
	if full.TotalPoints() == 0 || full.Questions[0].Options == nil {
		t.Fatalf("supervisor view = %+v", full)
	}
}

func TestRegisterAsSomeoneElseIsForbidden(t *testing.T) {
	f := newFixture(t)
	resp := f.doJSON(t, ada, http.MethodPost, "/api/exams/sample-cs-final/sessions", map[string]string{"name": "Grace"})
	expectStatus(t, resp, http.StatusForbidden)

	resp = f.doJSON(t, supervisor, http.MethodPost, "/api/exams/sample-cs-final/sessions", map[string]string{})
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestSessionFlow(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)
	if sess.Status != session.Active {
		t.Fatalf("status = %s, want active", sess.Status)
	}

	resp := f.doJSON(t, ada, http.MethodPost, "/api/proctoring/log", map[string]any{
		"sessionId":       sess.ID,
		"eventType":       integrity.TabSwitch,
		"clientTimestamp": "2026-03-01T09:00:01Z",
	})
	expectStatus(t, resp, http.StatusCreated)
	event := decode[integrity.Event](t, resp)
	if event.Sequence != 1 || event.Detail["clientTimestamp"] != "2026-03-01T09:00:01Z" {
		t.Errorf("event = %+v", event)
	}

	resp = f.doJSON(t, ada, http.MethodPost, "/api/proctoring/log", map[string]any{
		"sessionId": sess.ID,
		"eventType": "teleported",
	})
	expectStatus(t, resp, http.StatusBadRequest)

	sample := exam.Sample()
	first := sample.Questions[0]
	var correct string
	for _, o := range first.Options {
		if o.Correct {
			correct = o.ID
		}
	}
	resp = f.doJSON(t, ada, http.MethodPost, "/api/sessions/"+sess.ID+"/answers",
		exam.Answer{QuestionID: first.ID, OptionID: correct})
	expectStatus(t, resp, http.StatusOK)
	resp = f.doJSON(t, ada, http.MethodPost, "/api/sessions/"+sess.ID+"/answers",
		exam.Answer{QuestionID: first.ID, OptionID: "zz"})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = f.do(t, ada, http.MethodGet, "/api/sessions/"+sess.ID+"/", "", nil)
	expectStatus(t, resp, http.StatusOK)
	snapshot := decode[session.Snapshot](t, resp)
	if len(snapshot.Events) != 1 || snapshot.Risk.Warnings != 1 {
		t.Errorf("snapshot events=%d warnings=%d", len(snapshot.Events), snapshot.Risk.Warnings)
	}

	resp = f.do(t, ada, http.MethodPost, "/api/sessions/"+sess.ID+"/submit", "", nil)
	expectStatus(t, resp, http.StatusOK)
	done := decode[session.Session](t, resp)
	if done.Status != session.Completed || done.Result == nil || done.Result.Score != first.Points {
		t.Errorf("completed session = %+v", done)
	}

	// Late signals are refused.
	resp = f.doJSON(t, ada, http.MethodPost, "/api/proctoring/log", map[string]any{
		"sessionId": sess.ID,
		"eventType": integrity.TabSwitch,
	})
	expectStatus(t, resp, http.StatusConflict)

	resp = f.do(t, supervisor, http.MethodGet, "/api/proctoring/exams/sample-cs-final/summary", "", nil)
	expectStatus(t, resp, http.StatusOK)
	summary := decode[session.Summary](t, resp)
	if summary.Students != 1 || summary.Completed != 1 || summary.Warnings != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestFrames(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)
	path := "/api/proctoring/sessions/" + sess.ID + "/frames"

	resp := f.do(t, ada, http.MethodPost, path, "image/png", pngFrame(t, 320))
	expectStatus(t, resp, http.StatusOK)
	if v := decode[session.Verification](t, resp); v.Event.Type != integrity.VerificationClean {
		t.Errorf("clean frame logged %s", v.Event.Type)
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngFrame(t, 400))
	resp = f.doJSON(t, ada, http.MethodPost, path, map[string]string{"image": dataURL})
	expectStatus(t, resp, http.StatusOK)
	if v := decode[session.Verification](t, resp); v.Event.Type != integrity.FaceNotDetected {
		t.Errorf("empty frame logged %s", v.Event.Type)
	}

	resp = f.do(t, ada, http.MethodPost, path, "image/png", []byte("not an image"))
	expectStatus(t, resp, http.StatusBadRequest)

	// Supervisors may spot-check but may not post routine frames.
	resp = f.do(t, supervisor, http.MethodPost, path, "image/png", pngFrame(t, 320))
	expectStatus(t, resp, http.StatusForbidden)
	resp = f.do(t, supervisor, http.MethodPost, "/api/proctoring/sessions/"+sess.ID+"/verify-face", "image/png", pngFrame(t, 320))
	expectStatus(t, resp, http.StatusOK)

	resp = f.do(t, ada, http.MethodGet, "/api/proctoring/sessions/"+sess.ID+"/logs", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if events := decode[[]integrity.Event](t, resp); len(events) != 3 {
		t.Errorf("logged %d events, want 3", len(events))
	}
}

func TestFrameTooLarge(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxFrameBytes = 4096 })
	sess := f.startSession(t)
	resp := f.do(t, ada, http.MethodPost, "/api/proctoring/sessions/"+sess.ID+"/frames",
		"image/png", bytes.Repeat([]byte{1}, 16<<10))
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)
}

func TestSubjectCannotRecordAnalysisEvents(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	for _, eventType := range []integrity.EventType{
		integrity.FaceMismatch,
		integrity.VerificationClean,
		integrity.FaceNotDetected,
		integrity.MultipleFaces,
		integrity.AnalysisUnavailable,
		integrity.VerificationFailed,
	} {
		resp := f.doJSON(t, ada, http.MethodPost, "/api/proctoring/log", map[string]any{
			"sessionId": sess.ID,
			"eventType": eventType,
		})
		if resp.status != http.StatusBadRequest {
			t.Errorf("subject logging %s: status = %d, want 400", eventType, resp.status)
		}
	}
	for _, eventType := range []integrity.EventType{integrity.CopyAttempt, integrity.CaptureUnavailable} {
		resp := f.doJSON(t, ada, http.MethodPost, "/api/proctoring/log", map[string]any{
			"sessionId": sess.ID,
			"eventType": eventType,
		})
		expectStatus(t, resp, http.StatusCreated)
	}

	resp := f.do(t, ada, http.MethodGet, "/api/sessions/"+sess.ID+"/", "", nil)
	expectStatus(t, resp, http.StatusOK)
	snapshot := decode[session.Snapshot](t, resp)
	if len(snapshot.Events) != 2 {
		t.Fatalf("recorded %d events, want 2", len(snapshot.Events))
	}
	for _, event := range snapshot.Events {
		if !event.Type.ClientReported() {
			t.Errorf("recorded %s from the subject", event.Type)
		}
	}
}

func TestOversizedJSONBody(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)
	body := fmt.Appendf(nil, `{"sessionId":%q,"eventType":"tab_switch","detail":{"note":"%s"}}`,
		sess.ID, strings.Repeat("a", 1<<20))
	resp := f.do(t, ada, http.MethodPost, "/api/proctoring/log", "application/json", body)
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)

	resp = f.do(t, ada, http.MethodPost, "/api/proctoring/log", "application/json", []byte(`{"sessionId":`))
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestReferenceWithoutFace(t *testing.T) {
	f := newFixture(t)
	resp := f.doJSON(t, ada, http.MethodPost, "/api/exams/sample-cs-final/sessions", map[string]string{})
	sess := decode[session.Session](t, resp)

	resp = f.do(t, ada, http.MethodPost, "/api/sessions/"+sess.ID+"/face", "image/png", pngFrame(t, 400))
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestLogsSince(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)
	f.doJSON(t, ada, http.MethodPost, "/api/proctoring/log", map[string]any{
		"sessionId": sess.ID, "eventType": integrity.CopyAttempt,
	})

	base := "/api/proctoring/sessions/" + sess.ID + "/logs?since="
	resp := f.do(t, supervisor, http.MethodGet, base+"2030-01-01T00:00:00Z", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if events := decode[[]integrity.Event](t, resp); len(events) != 0 {
		t.Errorf("got %d events after 2030", len(events))
	}
	resp = f.do(t, supervisor, http.MethodGet, base+"yesterday", "", nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestExport(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.IncludeFrames = true })
	sess := f.startSession(t)
	f.do(t, ada, http.MethodPost, "/api/proctoring/sessions/"+sess.ID+"/frames", "image/png", pngFrame(t, 320))

	resp := f.do(t, supervisor, http.MethodGet, "/api/proctoring/sessions/"+sess.ID+"/export", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := resp.header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	bundle, err := evidence.ReadBundle(bytes.NewReader(resp.raw), "")
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if bundle.SessionID != sess.ID || len(bundle.Events) != 1 || !bundle.Chain.Intact {
		t.Errorf("bundle = %s events=%d chain=%+v", bundle.SessionID, len(bundle.Events), bundle.Chain)
	}
	// The reference and the verified frame are the same image.
	if len(bundle.Frames) != 1 {
		t.Errorf("bundle carries %d frames, want 1", len(bundle.Frames))
	}

	resp = f.do(t, supervisor, http.MethodGet, "/api/proctoring/sessions/"+sess.ID+"/export?frames=false", "", nil)
	expectStatus(t, resp, http.StatusOK)
	bundle, err = evidence.ReadBundle(bytes.NewReader(resp.raw), "")
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if len(bundle.Frames) != 0 {
		t.Errorf("frames=false still exported %d frames", len(bundle.Frames))
	}

	resp = f.do(t, supervisor, http.MethodGet, "/api/proctoring/sessions/missing/export", "", nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	resp := f.doJSON(t, supervisor, http.MethodPost, "/api/sessions/"+sess.ID+"/abandon", map[string]string{"reason": "left the room"})
	expectStatus(t, resp, http.StatusOK)
	if got := decode[session.Session](t, resp); got.Status != session.Abandoned || got.EndReason != "left the room" {
		t.Errorf("abandoned session = %+v", got)
	}
	resp = f.do(t, ada, http.MethodPost, "/api/sessions/"+sess.ID+"/submit", "", nil)
	expectStatus(t, resp, http.StatusConflict)
}
