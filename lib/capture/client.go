// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigil-proctoring/vigil/lib/clock"
	"github.com/vigil-proctoring/vigil/lib/integrity"
)

const (
	DefaultFrameInterval      = 5 * time.Second
	DefaultLocalCheckInterval = 500 * time.Millisecond
	DefaultRetryBackoff       = time.Second

	// signalAttempts bounds delivery retries of one signal.
	signalAttempts = 5
)

// Config holds a Client's collaborators and cadence. Camera, Sink,
// Clock, and Logger are required; Environment and LocalChecker are
// optional.
type Config struct {
	Camera       Camera
	Environment  Environment
	Sink         Sink
	LocalChecker LocalChecker
	Clock        clock.Clock
	Logger       *slog.Logger

	FrameInterval      time.Duration
	LocalCheckInterval time.Duration

	// RetryBackoff is the first delay after a capture or delivery
	// failure. It doubles per consecutive failure, capped at
	// FrameInterval.
	RetryBackoff time.Duration
}

// Stats counts what the client handed to the sink.
type Stats struct {
	Signals        uint64
	Frames         uint64
	CaptureErrors  uint64
	DeliveryErrors uint64
}

// Client runs capture for one local session. It owns its camera.
type Client struct {
	camera       Camera
	environment  Environment
	sink         Sink
	localChecker LocalChecker
	clock        clock.Clock
	logger       *slog.Logger

	frameInterval      time.Duration
	localCheckInterval time.Duration
	retryBackoff       time.Duration

	// cameraMu serializes the frame sampler and the local check on
	// the single device.
	cameraMu sync.Mutex

	outbox *outbox
	status chan LocalStatus

	signals, frames, captureErrors, deliveryErrors atomic.Uint64
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Camera == nil {
		return nil, errors.New("capture: Camera is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("capture: Sink is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("capture: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("capture: Logger is required")
	}
	c := &Client{
		camera:             cfg.Camera,
		environment:        cfg.Environment,
		sink:               cfg.Sink,
		localChecker:       cfg.LocalChecker,
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		frameInterval:      cfg.FrameInterval,
		localCheckInterval: cfg.LocalCheckInterval,
		retryBackoff:       cfg.RetryBackoff,
		outbox:             newOutbox(),
		status:             make(chan LocalStatus, 1),
	}
	if c.frameInterval <= 0 {
		c.frameInterval = DefaultFrameInterval
	}
	if c.localCheckInterval <= 0 {
		c.localCheckInterval = DefaultLocalCheckInterval
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = DefaultRetryBackoff
	}
	return c, nil
}

// Status delivers the most recent local check. Older unread values are
// replaced, never queued.
func (c *Client) Status() <-chan LocalStatus { return c.status }

func (c *Client) Stats() Stats {
	return Stats{
		Signals:        c.signals.Load(),
		Frames:         c.frames.Load(),
		CaptureErrors:  c.captureErrors.Load(),
		DeliveryErrors: c.deliveryErrors.Load(),
	}
}

// Run captures until ctx ends. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			c.logger.Debug("capture task stopped", "task", name)
		}()
	}

	start("sender", c.send)
	if c.environment != nil {
		start("environment", c.watchEnvironment)
	}
	start("frames", c.sampleFrames)
	if c.localChecker != nil {
		start("local-check", c.checkLocally)
	}
	c.logger.Info("capture started",
		"frame_interval", c.frameInterval,
		"local_check_interval", c.localCheckInterval,
	)

	<-ctx.Done()
	c.outbox.close()
	wg.Wait()
	c.logger.Info("capture stopped", "signals", c.signals.Load(), "frames", c.frames.Load())
	return nil
}

// watchEnvironment forwards each event as one signal, immediately.
func (c *Client) watchEnvironment(ctx context.Context) {
	events := c.environment.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				c.logger.Info("environment source closed")
				return
			}
			c.outbox.push(item{signal: &Signal{Type: event.Type, Detail: event.Detail, ObservedAt: event.At}})
		}
	}
}

// sampleFrames captures on the frame interval. A failure is reported as
// a capture_unavailable signal and retried with backoff until the
// camera recovers; the environment watcher is unaffected.
func (c *Client) sampleFrames(ctx context.Context) {
	ticker := c.clock.NewTicker(c.frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for attempt := 1; ; attempt++ {
			err := c.captureFrame(ctx)
			if err == nil || ctx.Err() != nil {
				break
			}
			c.captureErrors.Add(1)
			c.logger.Warn("frame capture failed", "attempt", attempt, "error", err)
			c.outbox.push(item{signal: &Signal{
				Type:       integrity.CaptureUnavailable,
				Detail:     integrity.Detail{"attempt": attempt, "error": err.Error()},
				ObservedAt: c.clock.Now(),
			}})
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.backoff(attempt)):
			}
		}
	}
}

func (c *Client) captureFrame(ctx context.Context) error {
	c.cameraMu.Lock()
	frame, err := c.camera.Capture(ctx)
	c.cameraMu.Unlock()
	if err != nil {
		return err
	}
	c.outbox.push(item{frame: frame})
	return nil
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.retryBackoff
	for i := 1; i < attempt && delay < c.frameInterval; i++ {
		delay *= 2
	}
	return min(delay, c.frameInterval)
}

// checkLocally runs the presence check. A tick that finds the camera
// busy with an authoritative capture is skipped.
func (c *Client) checkLocally(ctx context.Context) {
	ticker := c.clock.NewTicker(c.localCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.cameraMu.TryLock() {
			continue
		}
		frame, err := c.camera.Capture(ctx)
		c.cameraMu.Unlock()

		var status LocalStatus
		if err == nil {
			status, err = c.localChecker.Check(ctx, frame)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			status = LocalStatus{Err: err.Error()}
		}
		if status.At.IsZero() {
			status.At = c.clock.Now()
		}
		c.publishStatus(status)
	}
}

func (c *Client) publishStatus(status LocalStatus) {
	for {
		select {
		case c.status <- status:
			return
		default:
		}
		select {
		case <-c.status:
		default:
		}
	}
}

// send drains the outbox in order. Signals are retried with backoff;
// a frame that fails is dropped because the next sample supersedes it.
func (c *Client) send(ctx context.Context) {
	for {
		next, ok := c.outbox.pop()
		if !ok {
			return
		}
		if next.signal != nil {
			c.deliverSignal(ctx, *next.signal)
			continue
		}
		if err := c.sink.Frame(ctx, next.frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.deliveryErrors.Add(1)
			c.logger.Warn("frame delivery failed", "bytes", len(next.frame), "error", err)
			continue
		}
		c.frames.Add(1)
	}
}

func (c *Client) deliverSignal(ctx context.Context, signal Signal) {
	for attempt := 1; attempt <= signalAttempts; attempt++ {
		err := c.sink.Signal(ctx, signal)
		if err == nil {
			c.signals.Add(1)
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.deliveryErrors.Add(1)
		c.logger.Warn("signal delivery failed",
			"event_type", signal.Type, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.backoff(attempt)):
		}
	}
	c.logger.Error("signal dropped after retries", "event_type", signal.Type, "attempts", signalAttempts)
}

type item struct {
	signal *Signal
	frame  []byte
}

// outbox is an unbounded FIFO. push never blocks, so watchers and
// timers never wait on delivery.
type outbox struct {
	mu     sync.Mutex
	items  []item
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(it item) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.items = append(o.items, it)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an item is queued or the outbox is closed.
func (o *outbox) pop() (item, bool) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return item{}, false
		}
		if len(o.items) > 0 {
			next := o.items[0]
			o.items[0] = item{}
			o.items = o.items[1:]
			o.mu.Unlock()
			return next, true
		}
		o.mu.Unlock()
		<-o.wake
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
