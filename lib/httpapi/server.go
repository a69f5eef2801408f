// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vigil-proctoring/vigil/lib/biometric"
	"github.com/vigil-proctoring/vigil/lib/evidence"
	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/fanout"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/session"
)

// Role is the caller's role as asserted by the auth collaborator.
type Role string

const (
	RoleSubject    Role = "subject"
	RoleSupervisor Role = "supervisor"
)

const (
	HeaderRole    = "X-Vigil-Role"
	HeaderSubject = "X-Vigil-Subject"
)

var (
	errUnauthorized = errors.New("missing or unknown role")
	errForbidden    = errors.New("not permitted for this caller")
)

// badRequest marks a malformed request.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func invalid(format string, args ...any) error {
	return badRequest{fmt.Errorf(format, args...)}
}

// Config holds the dependencies of a Server.
type Config struct {
	Controller *session.Controller
	Catalog    *exam.Catalog
	Hub        *fanout.Hub
	Logger     *slog.Logger

	// ExportRecipients seal evidence bundles; none means compressed
	// only.
	ExportRecipients []string
	IncludeFrames    bool

	// AllowedOrigins are extra origin patterns the socket accepts.
	AllowedOrigins []string

	// MaxFrameBytes bounds uploaded frames. Default: evidence.MaxFrameSize
	MaxFrameBytes int64
}

// Server is the HTTP surface. It is an http.Handler.
type Server struct {
	controller *session.Controller
	catalog    *exam.Catalog
	hub        *fanout.Hub
	logger     *slog.Logger

	exportRecipients []string
	includeFrames    bool
	allowedOrigins   []string
	maxFrameBytes    int64

	router chi.Router
}

func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil || cfg.Catalog == nil || cfg.Hub == nil {
		return nil, errors.New("httpapi: Controller, Catalog, and Hub are required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("httpapi: Logger is required")
	}
	s := &Server{
		controller:       cfg.Controller,
		catalog:          cfg.Catalog,
		hub:              cfg.Hub,
		logger:           cfg.Logger,
		exportRecipients: cfg.ExportRecipients,
		includeFrames:    cfg.IncludeFrames,
		allowedOrigins:   cfg.AllowedOrigins,
		maxFrameBytes:    cfg.MaxFrameBytes,
	}
	if s.maxFrameBytes <= 0 {
		s.maxFrameBytes = evidence.MaxFrameSize
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(identify)

		r.Get("/api/exams", s.withRoles(s.listExams, RoleSubject, RoleSupervisor))
		r.Get("/api/exams/{examID}", s.withRoles(s.getExam, RoleSubject, RoleSupervisor))
		r.Post("/api/exams/{examID}/sessions", s.withRoles(s.registerSession, RoleSubject, RoleSupervisor))

		r.Route("/api/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.withRoles(s.getSession, RoleSubject, RoleSupervisor))
			r.Post("/face", s.withRoles(s.registerFace, RoleSubject, RoleSupervisor))
			r.Post("/activate", s.withRoles(s.activate, RoleSubject, RoleSupervisor))
			r.Post("/answers", s.withRoles(s.submitAnswer, RoleSubject))
			r.Post("/submit", s.withRoles(s.complete, RoleSubject, RoleSupervisor))
			r.Post("/abandon", s.withRoles(s.abandon, RoleSubject, RoleSupervisor))
		})

		r.Route("/api/proctoring", func(r chi.Router) {
			r.Post("/log", s.withRoles(s.logEvent, RoleSubject, RoleSupervisor))
			r.Post("/sessions/{sessionID}/frames", s.withRoles(s.verifyFrame, RoleSubject))
			r.Post("/sessions/{sessionID}/verify-face", s.withRoles(s.verifyFrame, RoleSubject, RoleSupervisor))
			r.Get("/sessions/{sessionID}/logs", s.withRoles(s.logs, RoleSubject, RoleSupervisor))
			r.Get("/sessions/{sessionID}/chain", s.withRoles(s.chain, RoleSupervisor))
			r.Get("/sessions/{sessionID}/export", s.withRoles(s.export, RoleSupervisor))
			r.Get("/exams/{examID}/sessions", s.withRoles(s.examSessions, RoleSupervisor))
			r.Get("/exams/{examID}/summary", s.withRoles(s.summary, RoleSupervisor))
		})

		r.Get("/ws", s.withRoles(s.socket, RoleSubject, RoleSupervisor))
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type identity struct {
	role    Role
	subject string
}

type identityKey struct{}

func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity{
			role:    Role(r.Header.Get(HeaderRole)),
			subject: r.Header.Get(HeaderSubject),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func callerOf(r *http.Request) identity {
	id, _ := r.Context().Value(identityKey{}).(identity)
	return id
}

func (s *Server) withRoles(handler http.HandlerFunc, roles ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerOf(r)
		if caller.role != RoleSubject && caller.role != RoleSupervisor {
			writeError(w, errUnauthorized)
			return
		}
		if !slices.Contains(roles, caller.role) {
			writeError(w, errForbidden)
			return
		}
		handler(w, r)
	}
}

// ownSession loads a session and checks a subject caller owns it.
func (s *Server) ownSession(r *http.Request, id string) (session.Session, error) {
	sess, err := s.controller.Get(r.Context(), id)
	if err != nil {
		return session.Session{}, err
	}
	if err := authorize(callerOf(r), sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func authorize(caller identity, sess session.Session) error {
	if caller.role == RoleSupervisor {
		return nil
	}
	if caller.subject == "" || caller.subject != sess.Subject.Name {
		return fmt.Errorf("session %s: %w", sess.ID, errForbidden)
	}
	return nil
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data})
}

func statusOf(err error) int {
	var bad badRequest
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &bad),
		errors.Is(err, integrity.ErrNoFaceInReference),
		errors.Is(err, session.ErrAmbiguousReference),
		errors.Is(err, session.ErrUnknownAnswer),
		errors.Is(err, biometric.ErrUndecodableFrame):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, integrity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, integrity.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, integrity.ErrAnalysisUnavailable),
		errors.Is(err, integrity.ErrCaptureUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	message := err.Error()
	if errors.Is(err, integrity.ErrPersistenceFailure) {
		message = "event could not be recorded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Message: message})
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return invalid("decoding request body: %v", err)
	}
	return nil
}
