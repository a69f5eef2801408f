// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/session"
)

type examSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Duration      int    `json:"duration"`
	QuestionCount int    `json:"questionCount"`
	TotalPoints   int    `json:"totalPoints"`
}

func (s *Server) listExams(w http.ResponseWriter, r *http.Request) {
	exams := s.catalog.List()
	summaries := make([]examSummary, len(exams))
	for i, e := range exams {
		summaries[i] = examSummary{
			ID:            e.ID,
			Title:         e.Title,
			Description:   e.Description,
			Duration:      e.DurationSeconds,
			QuestionCount: len(e.Questions),
			TotalPoints:   e.TotalPoints(),
		}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// getExam hides correct answers from subjects.
func (s *Server) getExam(w http.ResponseWriter, r *http.Request) {
	e, err := s.catalog.Get(chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if callerOf(r).role != RoleSupervisor {
		e = e.Public()
	}
	writeJSON(w, http.StatusOK, e)
}

type registerRequest struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

func (s *Server) registerSession(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	caller := callerOf(r)
	if caller.role == RoleSubject {
		if caller.subject == "" || (req.Name != "" && req.Name != caller.subject) {
			writeError(w, errForbidden)
			return
		}
		req.Name = caller.subject
	}
	if req.Name == "" {
		writeError(w, invalid("name is required"))
		return
	}
	sess, err := s.controller.Register(r.Context(), chi.URLParam(r, "examID"),
		session.Subject{Name: req.Name, Contact: req.Contact})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.ownSession(r, id); err != nil {
		writeError(w, err)
		return
	}
	snapshot, err := s.controller.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// readFrame accepts either a raw image body or JSON {"image": ...}
// holding base64 or a data: URL, as browser clients send.
func (s *Server) readFrame(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, s.maxFrameBytes*2)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, invalid("empty frame")
		}
		return data, nil
	}

	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, invalid("decoding request body: %v", err)
	}
	encoded := req.Image
	if strings.HasPrefix(encoded, "data:") {
		_, after, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, invalid("malformed data URL")
		}
		encoded = after
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, invalid("decoding image: %v", err)
	}
	if len(data) == 0 {
		return nil, invalid("empty frame")
	}
	return data, nil
}

func (s *Server) registerFace(w http.ResponseWriter, r *http.Request) {
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
	sess, err := s.controller.RegisterReference(r.Context(), id, frame)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.ownSession(r, id); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.controller.Activate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) submitAnswer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.ownSession(r, id); err != nil {
		writeError(w, err)
		return
	}
	var answer exam.Answer
	if err := decodeBody(r, &answer); err != nil {
		writeError(w, err)
		return
	}
	if answer.QuestionID == "" || answer.OptionID == "" {
		writeError(w, invalid("questionId and optionId are required"))
		return
	}
	if err := s.controller.SubmitAnswer(r.Context(), id, answer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.ownSession(r, id); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.controller.Complete(r.Context(), id, session.ReasonSubmitted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) abandon(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.ownSession(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = string(callerOf(r).role) + "_request"
	}
	sess, err := s.controller.Abandon(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
