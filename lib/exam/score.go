// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exam

import "math"

// Answer is the option a subject selected for a question.
type Answer struct {
	QuestionID string `json:"questionId"`
	OptionID   string `json:"optionId"`
}

// Result is the scorer's verdict for one session.
type Result struct {
	Score       int `json:"score"`
	TotalPoints int `json:"totalPoints"`
	Percentage  int `json:"percentage"`
	Answered    int `json:"answered"`
	Correct     int `json:"correct"`
}

// Scorer turns a session's answers into a result.
type Scorer interface {
	Score(e Exam, answers []Answer) Result
}

// PointsScorer awards a question's points when its selected option is
// correct. The total is every question's points, answered or not; the
// percentage is rounded and is 0 for an exam worth nothing. When a
// question was answered more than once the last answer counts.
type PointsScorer struct{}

func (PointsScorer) Score(e Exam, answers []Answer) Result {
	selected := make(map[string]string, len(answers))
	for _, a := range answers {
		selected[a.QuestionID] = a.OptionID
	}

	result := Result{TotalPoints: e.TotalPoints()}
	for _, q := range e.Questions {
		optionID, ok := selected[q.ID]
		if !ok {
			continue
		}
		result.Answered++
		for _, o := range q.Options {
			if o.ID == optionID && o.Correct {
				result.Score += q.Points
				result.Correct++
				break
			}
		}
	}
	if result.TotalPoints > 0 {
		result.Percentage = int(math.Round(float64(result.Score) / float64(result.TotalPoints) * 100))
	}
	return result
}
