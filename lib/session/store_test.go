// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/risk"
	"github.com/vigil-proctoring/vigil/lib/sqlitepool"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "sessions.db"),
		Schema: Schema,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return NewStore(pool)
}

func TestStorePersistsTerminalRecord(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	s := Session{
		ID:        "s-1",
		ExamID:    "quiz",
		Subject:   Subject{Name: "Ada"},
		Status:    Registered,
		CreatedAt: epoch,
	}
	if err := store.Insert(ctx, s); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s.Status = Completed
	s.StartedAt = epoch.Add(time.Minute)
	s.EndedAt = epoch.Add(11 * time.Minute)
	s.EndReason = ReasonTimeExpired
	s.Result = &exam.Result{Score: 5, TotalPoints: 11, Percentage: 45, Answered: 3, Correct: 2}
	s.FinalRisk = &risk.State{Level: risk.Critical, Warnings: 4, FocusLosses: 3, Applied: 9, LastTransition: epoch.Add(5 * time.Minute)}
	if err := store.Update(ctx, s); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != Completed || !got.StartedAt.Equal(s.StartedAt) || !got.EndedAt.Equal(s.EndedAt) {
		t.Errorf("got %+v", got)
	}
	if got.Result == nil || *got.Result != *s.Result {
		t.Errorf("result = %+v, want %+v", got.Result, s.Result)
	}
	if got.FinalRisk == nil || got.FinalRisk.Level != risk.Critical || got.FinalRisk.Warnings != 4 ||
		!got.FinalRisk.LastTransition.Equal(s.FinalRisk.LastTransition) {
		t.Errorf("final risk = %+v, want %+v", got.FinalRisk, s.FinalRisk)
	}
	if got.Subject.Contact != "" || got.ReferenceHandle != "" {
		t.Errorf("empty fields came back as %q / %q", got.Subject.Contact, got.ReferenceHandle)
	}

	if _, err := store.Get(ctx, "s-2"); !errors.Is(err, integrity.ErrNotFound) {
		t.Errorf("Get(missing): err = %v, want ErrNotFound", err)
	}
	if err := store.Update(ctx, Session{ID: "s-2", Status: Active}); !errors.Is(err, integrity.ErrNotFound) {
		t.Errorf("Update(missing): err = %v, want ErrNotFound", err)
	}
}

func TestStoreLastAnswerWins(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for i, answer := range []exam.Answer{
		{QuestionID: "q2", OptionID: "a"},
		{QuestionID: "q1", OptionID: "b"},
		{QuestionID: "q2", OptionID: "c"},
	} {
		if err := store.PutAnswer(ctx, "s-1", answer, epoch.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("PutAnswer: %v", err)
		}
	}
	answers, err := store.Answers(ctx, "s-1")
	if err != nil {
		t.Fatalf("Answers: %v", err)
	}
	want := []exam.Answer{{QuestionID: "q1", OptionID: "b"}, {QuestionID: "q2", OptionID: "c"}}
	if len(answers) != len(want) || answers[0] != want[0] || answers[1] != want[1] {
		t.Errorf("answers = %+v, want %+v", answers, want)
	}
}
