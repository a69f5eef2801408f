// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vigil-proctoring/vigil/lib/clock"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/testutil"
)

const wait = 5 * time.Second

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSink struct {
	signals chan Signal
	frames  chan []byte

	// gate, when set, holds every Signal call until it is closed.
	gate chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{signals: make(chan Signal, 64), frames: make(chan []byte, 64)}
}

func (s *fakeSink) Signal(ctx context.Context, signal Signal) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.signals <- signal
	return nil
}

func (s *fakeSink) Frame(_ context.Context, frame []byte) error {
	s.frames <- frame
	return nil
}

type fakeCamera struct {
	mu       sync.Mutex
	failures int
	captures int
}

func (c *fakeCamera) Capture(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return nil, fmt.Errorf("%w: permission denied", integrity.ErrCaptureUnavailable)
	}
	c.captures++
	return []byte(fmt.Sprintf("frame-%d", c.captures)), nil
}

type fakeEnvironment struct {
	events chan EnvironmentEvent
}

func (e *fakeEnvironment) Events() <-chan EnvironmentEvent { return e.events }

type fakeChecker struct{}

func (fakeChecker) Check(context.Context, []byte) (LocalStatus, error) {
	return LocalStatus{FaceCount: 1, Message: "face visible"}, nil
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testutil.Logger(t)
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, wait, "Run did not return after cancel")
	})
	return client
}

func TestEnvironmentSignalsForwardedInOrder(t *testing.T) {
	sink := newFakeSink()
	env := &fakeEnvironment{events: make(chan EnvironmentEvent)}
	startClient(t, Config{
		Camera: &fakeCamera{}, Environment: env, Sink: sink, Clock: clock.Fake(epoch),
	})

	sent := []integrity.EventType{integrity.TabSwitch, integrity.CopyAttempt, integrity.FullscreenExit}
	for _, eventType := range sent {
		testutil.RequireSend(t, env.events, EnvironmentEvent{Type: eventType, At: epoch}, wait)
	}
	for _, want := range sent {
		got := testutil.RequireReceive(t, sink.signals, wait)
		if got.Type != want {
			t.Fatalf("signal = %s, want %s", got.Type, want)
		}
	}
}

func TestFramesSampledOnInterval(t *testing.T) {
	sink := newFakeSink()
	fakeClock := clock.Fake(epoch)
	startClient(t, Config{Camera: &fakeCamera{}, Sink: sink, Clock: fakeClock})

	fakeClock.WaitForTimers(1)
	testutil.RequireNoReceive(t, sink.frames, 20*time.Millisecond, "frame before the first interval")

	fakeClock.Advance(DefaultFrameInterval)
	if got := testutil.RequireReceive(t, sink.frames, wait); string(got) != "frame-1" {
		t.Errorf("frame = %q", got)
	}
	fakeClock.Advance(DefaultFrameInterval)
	if got := testutil.RequireReceive(t, sink.frames, wait); string(got) != "frame-2" {
		t.Errorf("frame = %q", got)
	}
}

func TestCaptureFailureIsSignaledAndRetried(t *testing.T) {
	sink := newFakeSink()
	fakeClock := clock.Fake(epoch)
	env := &fakeEnvironment{events: make(chan EnvironmentEvent)}
	client := startClient(t, Config{
		Camera: &fakeCamera{failures: 2}, Environment: env, Sink: sink, Clock: fakeClock,
		RetryBackoff: time.Second,
	})

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultFrameInterval)
	first := testutil.RequireReceive(t, sink.signals, wait)
	if first.Type != integrity.CaptureUnavailable || first.Detail["attempt"] != 1 {
		t.Fatalf("first signal = %+v, want capture_unavailable attempt 1", first)
	}

	// The watcher keeps working while the camera is down.
	testutil.RequireSend(t, env.events, EnvironmentEvent{Type: integrity.TabSwitch, At: epoch}, wait)
	if got := testutil.RequireReceive(t, sink.signals, wait); got.Type != integrity.TabSwitch {
		t.Fatalf("signal = %s, want tab_switch", got.Type)
	}

	fakeClock.WaitForTimers(2)
	fakeClock.Advance(time.Second)
	second := testutil.RequireReceive(t, sink.signals, wait)
	if second.Detail["attempt"] != 2 {
		t.Fatalf("second signal detail = %v, want attempt 2", second.Detail)
	}

	// Second backoff doubles to two seconds.
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(time.Second)
	testutil.RequireNoReceive(t, sink.frames, 20*time.Millisecond, "retry before backoff elapsed")
	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, sink.frames, wait)

	if stats := client.Stats(); stats.CaptureErrors != 2 {
		t.Errorf("CaptureErrors = %d, want 2", stats.CaptureErrors)
	}
}

func TestSlowSinkNeverBlocksWatcher(t *testing.T) {
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	env := &fakeEnvironment{events: make(chan EnvironmentEvent)}
	startClient(t, Config{
		Camera: &fakeCamera{}, Environment: env, Sink: sink, Clock: clock.Fake(epoch),
	})

	for range 10 {
		testutil.RequireSend(t, env.events, EnvironmentEvent{Type: integrity.PasteAttempt, At: epoch}, wait,
			"watcher blocked behind a slow sink")
	}
	close(sink.gate)
	for range 10 {
		testutil.RequireReceive(t, sink.signals, wait)
	}
}

func TestLocalStatusPublished(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	client := startClient(t, Config{
		Camera: &fakeCamera{}, Sink: newFakeSink(), LocalChecker: fakeChecker{}, Clock: fakeClock,
	})

	fakeClock.WaitForTimers(2)
	fakeClock.Advance(DefaultLocalCheckInterval)
	status := testutil.RequireReceive(t, client.Status(), wait)
	if status.FaceCount != 1 || status.At.IsZero() {
		t.Errorf("status = %+v", status)
	}
}

func TestBackoffCappedAtFrameInterval(t *testing.T) {
	client, err := NewClient(Config{
		Camera: &fakeCamera{}, Sink: newFakeSink(), Clock: clock.Fake(epoch), Logger: testutil.Logger(t),
		RetryBackoff: time.Second, FrameInterval: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := client.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestNewClientRequiresCollaborators(t *testing.T) {
	_, err := NewClient(Config{Sink: newFakeSink(), Clock: clock.Real(), Logger: testutil.Logger(t)})
	if err == nil || errors.Is(err, integrity.ErrCaptureUnavailable) {
		t.Fatalf("err = %v, want a configuration error", err)
	}
}
