// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/risk"
	"github.com/vigil-proctoring/vigil/lib/testutil"
)

const wait = 5 * time.Second

func eventMessage(examID, sessionID string, sequence int64) Message {
	return NewEventCreated(examID, integrity.Event{
		SessionID: sessionID, Sequence: sequence, Type: integrity.TabSwitch,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
}

func TestPublishRoutesBySessionAndExam(t *testing.T) {
	hub := NewHub(8, testutil.Logger(t))

	subject := hub.Subscribe("subject")
	subject.JoinSession("s-1")
	supervisor := hub.Subscribe("supervisor")
	supervisor.JoinExam("exam-a")
	otherExam := hub.Subscribe("other")
	otherExam.JoinExam("exam-b")

	hub.Publish(eventMessage("exam-a", "s-1", 1))
	hub.Publish(eventMessage("exam-a", "s-2", 1))

	got := testutil.RequireReceive(t, subject.Messages(), wait)
	if got.SessionID != "s-1" {
		t.Errorf("subject got session %s", got.SessionID)
	}
	testutil.RequireNoReceive(t, subject.Messages(), 10*time.Millisecond, "subject received another session")

	for _, want := range []string{"s-1", "s-2"} {
		if got := testutil.RequireReceive(t, supervisor.Messages(), wait); got.SessionID != want {
			t.Errorf("supervisor got %s, want %s", got.SessionID, want)
		}
	}
	testutil.RequireNoReceive(t, otherExam.Messages(), 10*time.Millisecond, "other exam received a message")
}

func TestPublishDeliversOnceToDoubleSubscriber(t *testing.T) {
	hub := NewHub(8, testutil.Logger(t))
	both := hub.Subscribe("both")
	both.JoinSession("s-1")
	both.JoinExam("exam-a")

	hub.Publish(eventMessage("exam-a", "s-1", 1))
	testutil.RequireReceive(t, both.Messages(), wait)
	testutil.RequireNoReceive(t, both.Messages(), 10*time.Millisecond, "duplicate delivery")
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(2, testutil.Logger(t))
	slow := hub.Subscribe("slow")
	slow.JoinExam("exam-a")
	fast := hub.Subscribe("fast")
	fast.JoinSession("s-9")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 100 {
			hub.Publish(eventMessage("exam-a", "s-1", int64(i+1)))
		}
		hub.Publish(eventMessage("exam-a", "s-9", 1))
	}()
	testutil.RequireClosed(t, done, wait, "Publish blocked on a full subscriber")

	if got := testutil.RequireReceive(t, fast.Messages(), wait); got.SessionID != "s-9" {
		t.Errorf("fast subscriber got %s", got.SessionID)
	}
	if slow.Dropped() != 99 {
		t.Errorf("slow dropped %d, want 99", slow.Dropped())
	}
	stats := hub.Stats()
	if stats.Dropped != 99 || stats.Sent != 3 || stats.Subscribers != 2 {
		t.Errorf("stats = %+v", stats)
	}
	first := testutil.RequireReceive(t, slow.Messages(), wait)
	if data := first.Data.(EventCreatedData); data.Sequence != 1 {
		t.Errorf("slow subscriber kept sequence %d, want the oldest", data.Sequence)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	hub := NewHub(8, testutil.Logger(t))
	s := hub.Subscribe("s")
	s.JoinSession("s-1")
	s.Close()
	s.Close()

	hub.Publish(eventMessage("", "s-1", 1))
	if _, ok := <-s.Messages(); ok {
		t.Fatal("message delivered after Close")
	}
	s.JoinSession("s-2")
	if hub.Stats().Subscribers != 0 {
		t.Error("closed subscriber still counted")
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	hub := NewHub(1, testutil.Logger(t))
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		s := hub.Subscribe("racer")
		s.JoinExam("exam-a")
		go func() {
			defer wg.Done()
			hub.Publish(eventMessage("exam-a", "s-1", int64(i)))
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

func TestApplyCommands(t *testing.T) {
	hub := NewHub(8, testutil.Logger(t))
	s := hub.Subscribe("cmd")

	tests := []struct {
		cmd     Command
		wantErr bool
	}{
		{Command{Type: JoinSession, SessionID: "s-1"}, false},
		{Command{Type: JoinExam, ExamID: "exam-a"}, false},
		{Command{Type: JoinExam}, true},
		{Command{Type: "subscribe-all"}, true},
		{Command{Type: LeaveExam, ExamID: "exam-a"}, false},
	}
	for _, tt := range tests {
		if err := s.Apply(tt.cmd); (err != nil) != tt.wantErr {
			t.Errorf("Apply(%+v) err = %v, wantErr %v", tt.cmd, err, tt.wantErr)
		}
	}

	hub.Publish(NewRiskChanged("exam-a", "s-2", risk.State{}, risk.State{Level: risk.Elevated, Warnings: 1}))
	testutil.RequireNoReceive(t, s.Messages(), 10*time.Millisecond, "left exam still delivered")
	hub.Publish(NewRiskChanged("exam-a", "s-1", risk.State{}, risk.State{Level: risk.Elevated, Warnings: 1}))
	got := testutil.RequireReceive(t, s.Messages(), wait)
	if data := got.Data.(RiskChangedData); data.Level != risk.Elevated || data.WarningCount != 1 {
		t.Errorf("risk-changed data = %+v", data)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	messages []Message
}

func (r *recordingSink) Deliver(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func TestSinksReceiveEverything(t *testing.T) {
	hub := NewHub(8, testutil.Logger(t))
	sink := &recordingSink{}
	hub.AddSink(sink)

	hub.Publish(eventMessage("exam-a", "s-1", 1))
	hub.Publish(NewIntegrityDegraded("exam-a", "s-1", "disk full"))
	if len(sink.messages) != 2 || sink.messages[1].Kind != IntegrityDegraded {
		t.Fatalf("sink saw %+v", sink.messages)
	}
}
