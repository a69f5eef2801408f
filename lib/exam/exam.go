// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exam

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/jsonc"
)

type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"isCorrect,omitempty"`
}

type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Points  int      `json:"points"`
	Options []Option `json:"options"`
}

// Exam is one timed assessment. DurationSeconds keeps the definition
// file's unit.
type Exam struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	DurationSeconds int        `json:"duration"`
	Questions       []Question `json:"questions"`
}

func (e Exam) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

func (e Exam) TotalPoints() int {
	total := 0
	for _, q := range e.Questions {
		total += q.Points
	}
	return total
}

// Public returns a copy without correctness flags, safe to send to a
// test-taker.
func (e Exam) Public() Exam {
	public := e
	public.Questions = make([]Question, len(e.Questions))
	for i, q := range e.Questions {
		q.Options = append([]Option(nil), q.Options...)
		for j := range q.Options {
			q.Options[j].Correct = false
		}
		public.Questions[i] = q
	}
	return public
}

// Question looks up a question by id.
func (e Exam) Question(id string) (Question, bool) {
	for _, q := range e.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

func (e Exam) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if e.DurationSeconds <= 0 {
		errs = append(errs, fmt.Errorf("duration must be positive, got %d", e.DurationSeconds))
	}
	seen := make(map[string]bool)
	for i, q := range e.Questions {
		if q.ID == "" {
			errs = append(errs, fmt.Errorf("question %d: id is required", i))
		} else if seen[q.ID] {
			errs = append(errs, fmt.Errorf("question %d: duplicate id %q", i, q.ID))
		}
		seen[q.ID] = true
		if q.Points < 0 {
			errs = append(errs, fmt.Errorf("question %s: negative points", q.ID))
		}
		options := make(map[string]bool)
		for _, o := range q.Options {
			if o.ID == "" || options[o.ID] {
				errs = append(errs, fmt.Errorf("question %s: option ids must be unique and non-empty", q.ID))
				break
			}
			options[o.ID] = true
		}
	}
	return errors.Join(errs...)
}

// Parse decodes one definition. Comments and trailing commas are
// allowed.
func Parse(data []byte) (Exam, error) {
	var e Exam
	if err := json.Unmarshal(jsonc.ToJSON(data), &e); err != nil {
		return Exam{}, fmt.Errorf("exam: parse: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Exam{}, fmt.Errorf("exam %s: %w", e.ID, err)
	}
	return e, nil
}

//go:embed sample.jsonc
var sampleDefinition []byte

// Sample returns the built-in demonstration exam.
func Sample() Exam {
	e, err := Parse(sampleDefinition)
	if err != nil {
		panic("exam: embedded sample is invalid: " + err.Error())
	}
	return e
}
