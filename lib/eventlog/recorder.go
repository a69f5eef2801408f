// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vigil-proctoring/vigil/lib/clock"
	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Listener receives every stored event synchronously, in arrival order
// per session. The session controller implements it to drive risk
// escalation and enqueue fan-out.
type Listener interface {
	// Recorded is called after the event is durable and before
	// Record returns. An error is returned to Record's caller.
	Recorded(ctx context.Context, event integrity.Event) error

	// Degraded is called when an append fails. The event is lost;
	// the session's integrity is no longer complete.
	Degraded(ctx context.Context, sessionID string, err error)
}

// RecorderConfig holds the dependencies of a Recorder.
type RecorderConfig struct {
	Store    *Store
	Clock    clock.Clock
	Logger   *slog.Logger
	Listener Listener
}

// Recorder turns raw signals into stored events.
type Recorder struct {
	store    *Store
	clock    clock.Clock
	logger   *slog.Logger
	listener Listener

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("eventlog: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("eventlog: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("eventlog: Logger is required")
	}
	return &Recorder{
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		listener: cfg.Listener,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// SetListener installs the listener. It must be called before the
// first Record; the controller and recorder refer to each other, so one
// side is wired after construction.
func (r *Recorder) SetListener(listener Listener) {
	r.listener = listener
}

func (r *Recorder) sessionLock(sessionID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sessionID] = lock
	}
	return lock
}

// Forget drops the per-session lock once a session is terminal.
func (r *Recorder) Forget(sessionID string) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	delete(r.locks, sessionID)
}

// Record appends one event and notifies the listener before returning.
// Concurrent calls for the same session are serialized, so sequence,
// timestamp, and listener order agree.
//
// Errors wrapping integrity.ErrPersistenceFailure mean nothing was
// stored. Any other error after a successful append is a listener
// failure; the returned event is durable in that case.
func (r *Recorder) Record(ctx context.Context, sessionID string, eventType integrity.EventType, detail integrity.Detail, evidenceRef string) (integrity.Event, error) {
	if sessionID == "" {
		return integrity.Event{}, errors.New("eventlog: empty session id")
	}
	if !eventType.Valid() {
		return integrity.Event{}, fmt.Errorf("eventlog: unknown event type %q", eventType)
	}

	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := r.store.Append(ctx, integrity.Event{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Type:        eventType,
		Detail:      detail,
		EvidenceRef: evidenceRef,
		Timestamp:   r.clock.Now(),
	})
	if err != nil {
		r.logger.Error("integrity event lost",
			"session_id", sessionID,
			"event_type", eventType,
			"error", err,
		)
		if r.listener != nil {
			r.listener.Degraded(ctx, sessionID, err)
		}
		return integrity.Event{}, fmt.Errorf("%w: %w", integrity.ErrPersistenceFailure, err)
	}

	r.logger.Debug("integrity event recorded",
		"session_id", sessionID,
		"sequence", stored.Sequence,
		"event_type", eventType,
	)
	if r.listener != nil {
		if err := r.listener.Recorded(ctx, stored); err != nil {
			return stored, fmt.Errorf("eventlog: notify %s#%d: %w", sessionID, stored.Sequence, err)
		}
	}
	return stored, nil
}

// Store returns the underlying log.
func (r *Recorder) Store() *Store { return r.store }
