// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-proctoring/vigil/lib/biometric"
	"github.com/vigil-proctoring/vigil/lib/clock"
	"github.com/vigil-proctoring/vigil/lib/eventlog"
	"github.com/vigil-proctoring/vigil/lib/evidence"
	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/fanout"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/risk"
)

const (
	DefaultInboundBuffer  = 32
	DefaultOutboundBuffer = 256
)

// ErrAmbiguousReference rejects a reference frame with more than one
// qualifying face.
var ErrAmbiguousReference = errors.New("reference frame must contain exactly one face")

// ErrUnknownAnswer rejects an answer naming a question or option the
// exam does not have.
var ErrUnknownAnswer = errors.New("unknown question or option")

// Config holds the dependencies of a Controller.
type Config struct {
	Store    *Store
	Recorder *eventlog.Recorder
	Hub      *fanout.Hub
	Catalog  *exam.Catalog

	// Scorer defaults to exam.PointsScorer.
	Scorer exam.Scorer

	// Adapter is optional; without one, Verify and RegisterReference
	// fail with integrity.ErrAnalysisUnavailable.
	Adapter *biometric.Adapter

	// Evidence is optional; without it frames are analyzed but not kept.
	Evidence *evidence.Store

	// Policy defaults to risk.DefaultPolicy.
	Policy *risk.Policy

	Clock  clock.Clock
	Logger *slog.Logger

	// AbandonAfter is how long an active session may go without any
	// signal or answer before Reap abandons it. Zero disables reaping.
	AbandonAfter time.Duration

	// ReapInterval defaults to AbandonAfter/4.
	ReapInterval time.Duration

	InboundBuffer  int
	OutboundBuffer int
}

// Controller drives every session through its lifecycle. It is the
// event log's listener: each stored event is folded into the session's
// risk state and queued for fan-out on the session's own run.
type Controller struct {
	store    *Store
	recorder *eventlog.Recorder
	hub      *fanout.Hub
	catalog  *exam.Catalog
	scorer   exam.Scorer
	adapter  *biometric.Adapter
	evidence *evidence.Store
	tracker  *risk.Tracker
	clock    clock.Clock
	logger   *slog.Logger

	abandonAfter   time.Duration
	reapInterval   time.Duration
	inboundBuffer  int
	outboundBuffer int

	mu   sync.Mutex
	runs map[string]*run

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// sessionLock is held in Controller.locks only while some call holds
// or waits for it.
type sessionLock struct {
	sync.Mutex
	refs int
}

// run is the live state of one active session.
type run struct {
	sessionID string
	examID    string

	// ctx is cancelled when the session leaves active. In-flight
	// analysis runs under it.
	ctx    context.Context
	cancel context.CancelFunc

	inbound  chan task
	outbound chan fanout.Message
	loopDone chan struct{}
	sendDone chan struct{}

	deadline *clock.Timer

	lastActivity atomic.Int64
	dropped      atomic.Int64

	degradedMu     sync.Mutex
	degraded       bool
	degradedReason string

	referenceMu sync.Mutex
	reference   *biometric.Analysis
}

type task struct {
	signal Signal
	reply  chan taskResult
}

type taskResult struct {
	event integrity.Event
	err   error
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Recorder == nil || cfg.Hub == nil || cfg.Catalog == nil {
		return nil, errors.New("session: Store, Recorder, Hub, and Catalog are required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("session: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("session: Logger is required")
	}
	policy := risk.DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	scorer := cfg.Scorer
	if scorer == nil {
		scorer = exam.PointsScorer{}
	}
	c := &Controller{
		store:          cfg.Store,
		recorder:       cfg.Recorder,
		hub:            cfg.Hub,
		catalog:        cfg.Catalog,
		scorer:         scorer,
		adapter:        cfg.Adapter,
		evidence:       cfg.Evidence,
		tracker:        risk.NewTracker(policy),
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		abandonAfter:   cfg.AbandonAfter,
		reapInterval:   cfg.ReapInterval,
		inboundBuffer:  cfg.InboundBuffer,
		outboundBuffer: cfg.OutboundBuffer,
		runs:           make(map[string]*run),
		locks:          make(map[string]*sessionLock),
	}
	if c.inboundBuffer <= 0 {
		c.inboundBuffer = DefaultInboundBuffer
	}
	if c.outboundBuffer <= 0 {
		c.outboundBuffer = DefaultOutboundBuffer
	}
	if c.reapInterval <= 0 && c.abandonAfter > 0 {
		c.reapInterval = max(c.abandonAfter/4, time.Second)
	}
	cfg.Recorder.SetListener(c)
	return c, nil
}

// Policy returns the risk thresholds in use.
func (c *Controller) Policy() risk.Policy { return c.tracker.Policy() }

// lockSession serializes lifecycle transitions of one session. The
// entry is dropped when the last holder unlocks.
func (c *Controller) lockSession(id string) func() {
	c.locksMu.Lock()
	lock, ok := c.locks[id]
	if !ok {
		lock = &sessionLock{}
		c.locks[id] = lock
	}
	lock.refs++
	c.locksMu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		c.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, id)
		}
		c.locksMu.Unlock()
	}
}

func (c *Controller) activeRun(id string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

// inactiveError explains why id has no run.
func (c *Controller) inactiveError(ctx context.Context, id string) error {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("session %s is %s: %w", id, s.Status, integrity.ErrInvalidState)
}

// Register creates a session in the registered state.
func (c *Controller) Register(ctx context.Context, examID string, subject Subject) (Session, error) {
	if _, err := c.catalog.Get(examID); err != nil {
		return Session{}, err
	}
	if subject.Name == "" {
		return Session{}, errors.New("session: subject name is required")
	}
	s := Session{
		ID:        uuid.NewString(),
		ExamID:    examID,
		Subject:   subject,
		Status:    Registered,
		CreatedAt: c.clock.Now().UTC(),
	}
	if err := c.store.Insert(ctx, s); err != nil {
		return Session{}, err
	}
	c.logger.Info("session registered", "session_id", s.ID, "exam_id", examID)
	c.hub.Publish(fanout.NewSessionStatus(examID, s.ID, string(Registered)))
	return s, nil
}

// RegisterReference stores the frame every later verification is
// compared against. It must show exactly one qualifying face.
func (c *Controller) RegisterReference(ctx context.Context, id string, frame []byte) (Session, error) {
	if c.adapter == nil {
		return Session{}, fmt.Errorf("%w: no face detector configured", integrity.ErrAnalysisUnavailable)
	}
	unlock := c.lockSession(id)
	defer unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() {
		return Session{}, fmt.Errorf("session %s is %s: %w", id, s.Status, integrity.ErrInvalidState)
	}
	analysis, err := c.adapter.Analyze(ctx, frame)
	if err != nil {
		return Session{}, err
	}
	switch {
	case analysis.FaceCount == 0:
		return Session{}, integrity.ErrNoFaceInReference
	case analysis.FaceCount > 1:
		return Session{}, fmt.Errorf("%w: found %d", ErrAmbiguousReference, analysis.FaceCount)
	}
	handle := evidence.Handle(frame)
	if c.evidence != nil {
		if handle, err = c.evidence.Put(frame); err != nil {
			return Session{}, err
		}
	}
	s.ReferenceHandle = handle
	if err := c.store.Update(ctx, s); err != nil {
		return Session{}, err
	}
	if r := c.activeRun(id); r != nil {
		r.referenceMu.Lock()
		r.reference = &analysis
		r.referenceMu.Unlock()
	}
	c.logger.Info("reference face registered", "session_id", id, "handle", handle)
	return s, nil
}

// Activate moves a registered session to active and starts its run.
func (c *Controller) Activate(ctx context.Context, id string) (Session, error) {
	unlock := c.lockSession(id)
	defer unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	switch s.Status {
	case Active:
		return Session{}, fmt.Errorf("session %s: %w", id, integrity.ErrAlreadyActive)
	case Completed, Abandoned:
		return Session{}, fmt.Errorf("session %s is %s: %w", id, s.Status, integrity.ErrInvalidState)
	}
	ex, err := c.catalog.Get(s.ExamID)
	if err != nil {
		return Session{}, err
	}

	s.Status = Active
	s.StartedAt = c.clock.Now().UTC()
	if err := c.store.Update(ctx, s); err != nil {
		return Session{}, err
	}
	c.tracker.Start(id, risk.State{})
	c.startRun(s, ex.Duration())

	c.logger.Info("session activated",
		"session_id", id,
		"exam_id", s.ExamID,
		"duration", ex.Duration(),
	)
	c.hub.Publish(fanout.NewSessionStatus(s.ExamID, id, string(Active)))
	return s, nil
}

// startRun launches the loop, the forwarder, and the exam deadline.
// remaining <= 0 schedules no deadline; the caller completes the
// session itself.
func (c *Controller) startRun(s Session, remaining time.Duration) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		sessionID: s.ID,
		examID:    s.ExamID,
		ctx:       ctx,
		cancel:    cancel,
		inbound:   make(chan task, c.inboundBuffer),
		outbound:  make(chan fanout.Message, c.outboundBuffer),
		loopDone:  make(chan struct{}),
		sendDone:  make(chan struct{}),
	}
	r.lastActivity.Store(c.clock.Now().UnixNano())
	if s.Degraded {
		r.degraded, r.degradedReason = true, s.DegradedReason
	}

	c.mu.Lock()
	c.runs[s.ID] = r
	c.mu.Unlock()

	go c.loop(r)
	go c.forward(r)
	if remaining > 0 {
		id := s.ID
		r.deadline = c.clock.AfterFunc(remaining, func() {
			if _, err := c.Complete(context.Background(), id, ReasonTimeExpired); err != nil {
				c.logger.Error("completing expired session failed", "session_id", id, "error", err)
			}
		})
	}
	return r
}

// loop is the only writer of the session's log. It exits when the run
// is cancelled, failing whatever is still queued.
func (c *Controller) loop(r *run) {
	defer close(r.loopDone)
	defer close(r.outbound)

	recordCtx := context.WithoutCancel(r.ctx)
	for {
		select {
		case <-r.ctx.Done():
			for {
				select {
				case t := <-r.inbound:
					t.reply <- taskResult{err: r.closedError()}
				default:
					return
				}
			}
		case t := <-r.inbound:
			if r.ctx.Err() != nil {
				t.reply <- taskResult{err: r.closedError()}
				continue
			}
			event, err := c.recorder.Record(recordCtx, r.sessionID, t.signal.Type, t.signal.Detail, t.signal.EvidenceRef)
			t.reply <- taskResult{event: event, err: err}
		}
	}
}

func (r *run) closedError() error {
	return fmt.Errorf("session %s is no longer active: %w", r.sessionID, integrity.ErrInvalidState)
}

// forward hands queued messages to the hub. The hub never blocks, so
// the queue only grows while the loop outpaces this goroutine.
func (c *Controller) forward(r *run) {
	defer close(r.sendDone)
	for msg := range r.outbound {
		c.hub.Publish(msg)
	}
}

// enqueue never blocks the loop; a full queue drops the message.
func (c *Controller) enqueue(r *run, msg fanout.Message) {
	select {
	case r.outbound <- msg:
	default:
		if r.dropped.Add(1) == 1 {
			c.logger.Warn("fan-out queue full, dropping messages",
				"session_id", r.sessionID,
				"kind", msg.Kind,
			)
		}
	}
}

// Recorded implements eventlog.Listener. It runs on the session's loop.
func (c *Controller) Recorded(ctx context.Context, event integrity.Event) error {
	r := c.activeRun(event.SessionID)
	if r == nil {
		return fmt.Errorf("session %s has no run", event.SessionID)
	}
	before, after, ok := c.tracker.Apply(event)
	c.enqueue(r, fanout.NewEventCreated(r.examID, event))
	if !ok {
		return nil
	}
	if risk.Changed(before, after) {
		c.enqueue(r, fanout.NewRiskChanged(r.examID, event.SessionID, before, after))
	}
	if before.Level != after.Level {
		c.logger.Info("risk level changed",
			"session_id", event.SessionID,
			"from", before.Level,
			"to", after.Level,
			"sequence", event.Sequence,
			"event_type", event.Type,
		)
	}
	return nil
}

// Degraded implements eventlog.Listener.
func (c *Controller) Degraded(ctx context.Context, sessionID string, err error) {
	r := c.activeRun(sessionID)
	if r == nil {
		return
	}
	reason := err.Error()
	r.degradedMu.Lock()
	first := !r.degraded
	r.degraded, r.degradedReason = true, reason
	r.degradedMu.Unlock()
	if !first {
		return
	}
	c.logger.Error("session integrity degraded", "session_id", sessionID, "error", err)
	if err := c.store.MarkDegraded(context.WithoutCancel(ctx), sessionID, reason); err != nil {
		c.logger.Error("persisting degraded flag failed", "session_id", sessionID, "error", err)
	}
	c.enqueue(r, fanout.NewIntegrityDegraded(r.examID, sessionID, reason))
}

func (r *run) degradedState() (bool, string) {
	r.degradedMu.Lock()
	defer r.degradedMu.Unlock()
	return r.degraded, r.degradedReason
}

// Submit queues a raw signal on the session's loop and waits for the
// stored event.
func (c *Controller) Submit(ctx context.Context, id string, signal Signal) (integrity.Event, error) {
	if err := signal.validate(); err != nil {
		return integrity.Event{}, err
	}
	r := c.activeRun(id)
	if r == nil {
		return integrity.Event{}, c.inactiveError(ctx, id)
	}
	r.lastActivity.Store(c.clock.Now().UnixNano())

	t := task{signal: signal, reply: make(chan taskResult, 1)}
	select {
	case r.inbound <- t:
	case <-r.loopDone:
		return integrity.Event{}, r.closedError()
	case <-ctx.Done():
		return integrity.Event{}, ctx.Err()
	}

	select {
	case res := <-t.reply:
		return res.event, res.err
	case <-r.loopDone:
		// The loop replies before it exits; a task queued after its
		// final drain is never answered.
		select {
		case res := <-t.reply:
			return res.event, res.err
		default:
			return integrity.Event{}, r.closedError()
		}
	case <-ctx.Done():
		return integrity.Event{}, ctx.Err()
	}
}

// SubmitAnswer records the subject's selection for one question. The
// last answer for a question is the one scored.
func (c *Controller) SubmitAnswer(ctx context.Context, id string, answer exam.Answer) error {
	r := c.activeRun(id)
	if r == nil {
		return c.inactiveError(ctx, id)
	}
	ex, err := c.catalog.Get(r.examID)
	if err != nil {
		return err
	}
	q, ok := ex.Question(answer.QuestionID)
	if !ok {
		return fmt.Errorf("%w: question %q", ErrUnknownAnswer, answer.QuestionID)
	}
	known := false
	for _, o := range q.Options {
		known = known || o.ID == answer.OptionID
	}
	if !known {
		return fmt.Errorf("%w: option %q of question %q", ErrUnknownAnswer, answer.OptionID, answer.QuestionID)
	}
	now := c.clock.Now()
	r.lastActivity.Store(now.UnixNano())
	return c.store.PutAnswer(ctx, id, answer, now)
}

// Complete ends an active session: the run is cancelled and drained,
// the risk state frozen, the answers scored once, and the result
// persisted and published. Completing a completed session returns it
// unchanged.
func (c *Controller) Complete(ctx context.Context, id, reason string) (Session, error) {
	unlock := c.lockSession(id)
	defer unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	switch s.Status {
	case Completed:
		return s, nil
	case Registered, Abandoned:
		return Session{}, fmt.Errorf("session %s is %s: %w", id, s.Status, integrity.ErrInvalidState)
	}
	ex, err := c.catalog.Get(s.ExamID)
	if err != nil {
		return Session{}, err
	}
	if reason == "" {
		reason = ReasonSubmitted
	}

	final, err := c.stopRun(ctx, &s)
	if err != nil {
		return Session{}, err
	}
	answers, err := c.store.Answers(ctx, id)
	if err != nil {
		return Session{}, err
	}
	result := c.scorer.Score(ex, answers)

	s.Status = Completed
	s.EndedAt = c.clock.Now().UTC()
	s.EndReason = reason
	s.Result = &result
	s.FinalRisk = &final
	if err := c.store.Update(ctx, s); err != nil {
		return Session{}, err
	}
	c.recorder.Forget(id)

	c.logger.Info("session completed",
		"session_id", id,
		"reason", reason,
		"score", result.Score,
		"total_points", result.TotalPoints,
		"final_level", final.Level,
	)
	c.hub.Publish(fanout.Message{
		Kind:      fanout.SessionCompleted,
		SessionID: id,
		ExamID:    s.ExamID,
		Data: fanout.SessionCompletedData{
			SessionID:   id,
			Reason:      reason,
			Score:       result.Score,
			TotalPoints: result.TotalPoints,
			Percentage:  result.Percentage,
			FinalLevel:  final.Level,
		},
	})
	c.hub.Publish(fanout.NewSessionStatus(s.ExamID, id, string(Completed)))
	return s, nil
}

// Abandon ends a registered or active session without scoring it.
// Abandoning an abandoned session returns it unchanged.
func (c *Controller) Abandon(ctx context.Context, id, reason string) (Session, error) {
	unlock := c.lockSession(id)
	defer unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	switch s.Status {
	case Abandoned:
		return s, nil
	case Completed:
		return Session{}, fmt.Errorf("session %s is %s: %w", id, s.Status, integrity.ErrInvalidState)
	}
	if s.Status == Active {
		final, err := c.stopRun(ctx, &s)
		if err != nil {
			return Session{}, err
		}
		s.FinalRisk = &final
	}
	s.Status = Abandoned
	s.EndedAt = c.clock.Now().UTC()
	s.EndReason = reason
	if err := c.store.Update(ctx, s); err != nil {
		return Session{}, err
	}
	c.recorder.Forget(id)
	c.logger.Warn("session abandoned", "session_id", id, "reason", reason)
	c.hub.Publish(fanout.NewSessionStatus(s.ExamID, id, string(Abandoned)))
	return s, nil
}

// stopRun cancels and drains the session's run and returns the frozen
// risk state. The degraded flag is copied onto s. Callers hold the
// session lock.
func (c *Controller) stopRun(ctx context.Context, s *Session) (risk.State, error) {
	c.mu.Lock()
	r := c.runs[s.ID]
	c.mu.Unlock()

	if r != nil {
		if r.deadline != nil {
			r.deadline.Stop()
		}
		r.cancel()
		<-r.loopDone
		<-r.sendDone
		if degraded, reason := r.degradedState(); degraded {
			s.Degraded, s.DegradedReason = true, reason
		}
		c.mu.Lock()
		delete(c.runs, s.ID)
		c.mu.Unlock()
	}

	if final, ok := c.tracker.Stop(s.ID); ok {
		return final, nil
	}
	// No live state (the process restarted without Recover): rebuild
	// it from the log.
	return risk.Replay(c.tracker.Policy(), c.recorder.Store().Query(ctx, s.ID, time.Time{}))
}

// Reap abandons active sessions that have been silent longer than
// AbandonAfter and returns how many it ended.
func (c *Controller) Reap(ctx context.Context) (int, error) {
	if c.abandonAfter <= 0 {
		return 0, nil
	}
	cutoff := c.clock.Now().Add(-c.abandonAfter).UnixNano()

	c.mu.Lock()
	var stale []string
	for id, r := range c.runs {
		if r.lastActivity.Load() < cutoff {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	reaped := 0
	for _, id := range stale {
		if _, err := c.Abandon(ctx, id, ReasonDisconnectTimeout); err != nil {
			if !errors.Is(err, integrity.ErrInvalidState) {
				errs = append(errs, err)
			}
			continue
		}
		reaped++
	}
	return reaped, errors.Join(errs...)
}

// Run drives Reap until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	if c.abandonAfter <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := c.clock.NewTicker(c.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.Reap(ctx)
			if err != nil {
				c.logger.Error("reaping idle sessions failed", "error", err)
			}
			if n > 0 {
				c.logger.Info("idle sessions abandoned", "count", n)
			}
		}
	}
}

// Recover resumes every session stored as active: its risk state is
// rebuilt by replaying the log and its run restarted with whatever
// exam time remains. Sessions whose time ran out while the process was
// down are completed.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	active, err := c.store.ListByStatus(ctx, Active)
	if err != nil {
		return 0, err
	}
	var errs []error
	resumed := 0
	for _, s := range active {
		expired, err := c.resume(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		if expired {
			if _, err := c.Complete(ctx, s.ID, ReasonTimeExpired); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			}
			continue
		}
		resumed++
	}
	return resumed, errors.Join(errs...)
}

func (c *Controller) resume(ctx context.Context, s Session) (expired bool, err error) {
	unlock := c.lockSession(s.ID)
	defer unlock()

	if c.activeRun(s.ID) != nil {
		return false, nil
	}
	s, err = c.store.Get(ctx, s.ID)
	if err != nil {
		return false, err
	}
	if s.Status != Active {
		return false, nil
	}
	ex, err := c.catalog.Get(s.ExamID)
	if err != nil {
		return false, err
	}
	state, err := risk.Replay(c.tracker.Policy(), c.recorder.Store().Query(ctx, s.ID, time.Time{}))
	if err != nil {
		return false, err
	}
	c.tracker.Start(s.ID, state)
	remaining := s.StartedAt.Add(ex.Duration()).Sub(c.clock.Now())
	c.startRun(s, remaining)
	c.logger.Info("session resumed",
		"session_id", s.ID,
		"events", state.Applied,
		"level", state.Level,
		"remaining", remaining,
	)
	return remaining <= 0, nil
}

// Close stops every run without changing any session's state, so a
// later Recover resumes them.
func (c *Controller) Close() {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.runs = make(map[string]*run)
	c.mu.Unlock()

	for _, r := range runs {
		if r.deadline != nil {
			r.deadline.Stop()
		}
		r.cancel()
		<-r.loopDone
		<-r.sendDone
		c.tracker.Stop(r.sessionID)
	}
}

// Get returns the session with its live degraded flag.
func (c *Controller) Get(ctx context.Context, id string) (Session, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return c.overlay(s), nil
}

func (c *Controller) overlay(s Session) Session {
	if r := c.activeRun(s.ID); r != nil {
		if degraded, reason := r.degradedState(); degraded {
			s.Degraded, s.DegradedReason = true, reason
		}
	}
	return s
}

// riskOf returns the live state of an active session or the frozen
// state of an ended one.
func (c *Controller) riskOf(ctx context.Context, s Session) (risk.State, error) {
	if state, ok := c.tracker.Snapshot(s.ID); ok {
		return state, nil
	}
	if s.FinalRisk != nil {
		return *s.FinalRisk, nil
	}
	if s.Status == Registered {
		return risk.State{}, nil
	}
	return risk.Replay(c.tracker.Policy(), c.recorder.Store().Query(ctx, s.ID, time.Time{}))
}

// Snapshot returns everything an observer needs to rebuild its view
// of one session. Risk is folded from the returned events, so the two
// always agree even while signals are still arriving.
func (c *Controller) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	s, err := c.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := c.recorder.Store().Collect(ctx, id, time.Time{})
	if err != nil {
		return Snapshot{}, err
	}
	state := risk.ReplayEvents(c.tracker.Policy(), events)
	return Snapshot{Session: s, Risk: state, Events: events}, nil
}

// ExamSessions lists an exam's sessions with their risk.
func (c *Controller) ExamSessions(ctx context.Context, examID string) ([]Overview, error) {
	sessions, err := c.store.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	overviews := make([]Overview, 0, len(sessions))
	for _, s := range sessions {
		s = c.overlay(s)
		state, err := c.riskOf(ctx, s)
		if err != nil {
			return nil, err
		}
		overviews = append(overviews, Overview{Session: s, Risk: state})
	}
	return overviews, nil
}

// Summary counts an exam's sessions by state and risk.
func (c *Controller) Summary(ctx context.Context, examID string) (Summary, error) {
	overviews, err := c.ExamSessions(ctx, examID)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{ExamID: examID, Students: len(overviews)}
	for _, o := range overviews {
		switch o.Session.Status {
		case Active:
			summary.Active++
		case Completed:
			summary.Completed++
		case Abandoned:
			summary.Abandoned++
		}
		summary.Warnings += o.Risk.Warnings
		if o.Risk.Level == risk.Critical {
			summary.Critical++
		}
		if o.Session.Degraded {
			summary.Degraded++
		}
	}
	return summary, nil
}
