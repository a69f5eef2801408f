// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Sink is an extra transport that receives every published message.
// Deliver must not block.
type Sink interface {
	Deliver(msg Message)
}

// Stats summarizes hub activity.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
}

// Hub routes messages to subscribers of a session or of that session's
// exam. It is safe for concurrent use.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu          sync.RWMutex
	bySession   map[string]map[*Subscriber]struct{}
	byExam      map[string]map[*Subscriber]struct{}
	subscribers map[*Subscriber]struct{}
	sinks       []Sink

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates a hub. A buffer of zero or less uses DefaultBuffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		buffer:      buffer,
		logger:      logger,
		bySession:   make(map[string]map[*Subscriber]struct{}),
		byExam:      make(map[string]map[*Subscriber]struct{}),
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// AddSink attaches a transport.
func (h *Hub) AddSink(sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, sink)
}

// Subscribe registers a subscriber with no subscriptions. name appears
// in logs only.
func (h *Hub) Subscribe(name string) *Subscriber {
	s := &Subscriber{
		name:     name,
		hub:      h,
		ch:       make(chan Message, h.buffer),
		sessions: make(map[string]struct{}),
		exams:    make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("observer subscribed", "observer", name)
	return s
}

// Publish delivers msg to every subscriber of its session and of its
// exam, once each. A full subscriber queue drops the message for that
// subscriber only.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	sessionSubs := h.bySession[msg.SessionID]
	examSubs := h.byExam[msg.ExamID]
	for s := range sessionSubs {
		h.offer(s, msg)
	}
	for s := range examSubs {
		if _, both := sessionSubs[s]; both {
			continue
		}
		h.offer(s, msg)
	}
	sinks := h.sinks
	h.mu.RUnlock()

	for _, sink := range sinks {
		sink.Deliver(msg)
	}
}

// offer is called with h.mu held for reading, which keeps Close from
// closing the channel underneath it.
func (h *Hub) offer(s *Subscriber, msg Message) {
	select {
	case s.ch <- msg:
		h.sent.Add(1)
	default:
		h.dropped.Add(1)
		if s.dropped.Add(1) == 1 {
			h.logger.Warn("observer too slow, dropping messages",
				"observer", s.name, "session_id", msg.SessionID, "kind", msg.Kind)
		}
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	subscribers := len(h.subscribers)
	h.mu.RUnlock()
	return Stats{Subscribers: subscribers, Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}

func join(index map[string]map[*Subscriber]struct{}, key string, s *Subscriber) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Subscriber]struct{})
		index[key] = set
	}
	set[s] = struct{}{}
}

func leave(index map[string]map[*Subscriber]struct{}, key string, s *Subscriber) {
	set := index[key]
	delete(set, s)
	if len(set) == 0 {
		delete(index, key)
	}
}

// Subscriber is one observer's view of the hub.
type Subscriber struct {
	name string
	hub  *Hub
	ch   chan Message

	// Guarded by hub.mu.
	sessions map[string]struct{}
	exams    map[string]struct{}
	closed   bool

	dropped atomic.Uint64
}

// Messages is closed by Close.
func (s *Subscriber) Messages() <-chan Message { return s.ch }

// Dropped counts messages this subscriber missed.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) JoinSession(sessionID string) {
	s.update(func(h *Hub) {
		s.sessions[sessionID] = struct{}{}
		join(h.bySession, sessionID, s)
	})
}

func (s *Subscriber) LeaveSession(sessionID string) {
	s.update(func(h *Hub) {
		delete(s.sessions, sessionID)
		leave(h.bySession, sessionID, s)
	})
}

func (s *Subscriber) JoinExam(examID string) {
	s.update(func(h *Hub) {
		s.exams[examID] = struct{}{}
		join(h.byExam, examID, s)
	})
}

func (s *Subscriber) LeaveExam(examID string) {
	s.update(func(h *Hub) {
		delete(s.exams, examID)
		leave(h.byExam, examID, s)
	})
}

// Apply executes a validated command.
func (s *Subscriber) Apply(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch cmd.Type {
	case JoinSession:
		s.JoinSession(cmd.SessionID)
	case LeaveSession:
		s.LeaveSession(cmd.SessionID)
	case JoinExam:
		s.JoinExam(cmd.ExamID)
	case LeaveExam:
		s.LeaveExam(cmd.ExamID)
	}
	return nil
}

func (s *Subscriber) update(fn func(h *Hub)) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	fn(h)
}

// Close removes every subscription and closes Messages. It is
// idempotent.
func (s *Subscriber) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id := range s.sessions {
		leave(h.bySession, id, s)
	}
	for id := range s.exams {
		leave(h.byExam, id, s)
	}
	delete(h.subscribers, s)
	close(s.ch)
	h.logger.Debug("observer unsubscribed", "observer", s.name, "dropped", s.dropped.Load())
}
