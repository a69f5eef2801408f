// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vigil-proctoring/vigil/lib/evidence"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/session"
)

type logRequest struct {
	SessionID       string             `json:"sessionId"`
	EventType       integrity.EventType `json:"eventType"`
	Detail          integrity.Detail    `json:"detail"`
	ClientTimestamp string              `json:"clientTimestamp"`
}

// logEvent records a client-side signal. The server assigns the
// authoritative timestamp; the client's is kept in the detail.
func (s *Server) logEvent(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, invalid("sessionId is required"))
		return
	}
	if !req.EventType.Valid() {
		writeError(w, invalid("unknown eventType %q", req.EventType))
		return
	}
	if callerOf(r).role == RoleSubject && !req.EventType.ClientReported() {
		writeError(w, invalid("eventType %q is recorded by frame analysis", req.EventType))
		return
	}
	if _, err := s.ownSession(r, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	detail := req.Detail
	if req.ClientTimestamp != "" {
		if detail == nil {
			detail = integrity.Detail{}
		}
		detail["clientTimestamp"] = req.ClientTimestamp
	}
	event, err := s.controller.Submit(r.Context(), req.SessionID, session.Signal{
		Type:   req.EventType,
		Detail: detail,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) verifyFrame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.ownSession(r, id); err != nil {
		writeError(w, err)
		return
	}
	frame, err := s.readFrame(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	verification, err := s.controller.Verify(r.Context(), id, frame)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

// logs returns the session's events, optionally only those at or after
// ?since= (RFC 3339).
func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.ownSession(r, id); err != nil {
		writeError(w, err)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, invalid("since: %v", err))
			return
		}
		since = parsed
	}
	events, err := s.controller.Events(r.Context(), id, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []integrity.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) chain(w http.ResponseWriter, r *http.Request) {
	report, err := s.controller.Chain(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// export streams a sealed evidence bundle. ?frames=true|false overrides
// the configured default.
func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	withFrames := s.includeFrames
	if raw := r.URL.Query().Get("frames"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, invalid("frames: %v", err))
			return
		}
		withFrames = parsed
	}
	bundle, err := s.controller.Bundle(r.Context(), id, withFrames)
	if err != nil {
		writeError(w, err)
		return
	}

	// Encode fully before writing so a failure still gets an error status.
	var buf bytes.Buffer
	if err := evidence.Export(&buf, bundle, evidence.ExportOptions{Recipients: s.exportRecipients}); err != nil {
		writeError(w, err)
		return
	}
	extension := "vigil.zst"
	if len(s.exportRecipients) > 0 {
		extension += ".age"
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"."+extension))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn("writing export failed", "session_id", id, "error", err)
	}
}

func (s *Server) examSessions(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if _, err := s.catalog.Get(examID); err != nil {
		writeError(w, err)
		return
	}
	overviews, err := s.controller.ExamSessions(r.Context(), examID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overviews)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if _, err := s.catalog.Get(examID); err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.controller.Summary(r.Context(), examID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
