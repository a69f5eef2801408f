// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/vigil-proctoring/vigil/lib/biometric"
	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Verification is the outcome of one Verify call.
type Verification struct {
	Event      integrity.Event       `json:"event"`
	Analysis   biometric.Analysis    `json:"analysis"`
	Assessment biometric.Assessment  `json:"assessment"`
	Comparison *biometric.Comparison `json:"comparison,omitempty"`
}

// Verify analyzes a frame captured during an active session, compares
// it against the registered reference, and logs exactly one derived
// event. Analysis runs under the session's run, so it is abandoned when
// the session ends; a result that arrives after that is discarded with
// integrity.ErrInvalidState.
//
// A detector outage is logged as analysis_unavailable and returned as
// an error wrapping integrity.ErrAnalysisUnavailable. It is never
// logged as a missing face.
func (c *Controller) Verify(ctx context.Context, id string, frame []byte) (Verification, error) {
	r := c.activeRun(id)
	if r == nil {
		return Verification{}, c.inactiveError(ctx, id)
	}
	r.lastActivity.Store(c.clock.Now().UnixNano())
	if c.adapter == nil {
		return Verification{}, fmt.Errorf("%w: no face detector configured", integrity.ErrAnalysisUnavailable)
	}

	analysisCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	var evidenceRef string
	if c.evidence != nil {
		handle, err := c.evidence.Put(frame)
		if err != nil {
			c.logger.Warn("storing verification frame failed", "session_id", id, "error", err)
		} else {
			evidenceRef = handle
		}
	}

	analysis, err := c.adapter.Analyze(analysisCtx, frame)
	if r.ctx.Err() != nil {
		return Verification{}, r.closedError()
	}
	if err != nil {
		if !errors.Is(err, integrity.ErrAnalysisUnavailable) {
			return Verification{}, err
		}
		if _, submitErr := c.Submit(ctx, id, Signal{
			Type:   integrity.AnalysisUnavailable,
			Detail: integrity.Detail{"error": err.Error()},
		}); submitErr != nil {
			return Verification{}, errors.Join(err, submitErr)
		}
		return Verification{}, err
	}

	v := Verification{Analysis: analysis, Assessment: c.adapter.Assess(analysis)}
	signal, err := c.classify(analysisCtx, r, id, &v)
	if err != nil {
		return Verification{}, err
	}
	if r.ctx.Err() != nil {
		return Verification{}, r.closedError()
	}
	signal.EvidenceRef = evidenceRef
	v.Event, err = c.Submit(ctx, id, signal)
	if err != nil {
		return Verification{}, err
	}
	return v, nil
}

// classify picks the single event a verification produces. Face
// count problems come first, then identity, then the eye heuristics.
func (c *Controller) classify(ctx context.Context, r *run, id string, v *Verification) (Signal, error) {
	analysis := v.Analysis
	switch {
	case analysis.FaceCount == 0:
		return Signal{
			Type:   integrity.FaceNotDetected,
			Detail: integrity.Detail{"faceCount": 0},
		}, nil
	case analysis.FaceCount > 1:
		return Signal{
			Type:   integrity.MultipleFaces,
			Detail: integrity.Detail{"faceCount": analysis.FaceCount},
		}, nil
	}

	reference, err := c.referenceAnalysis(ctx, r, id)
	switch {
	case errors.Is(err, integrity.ErrNoFaceInReference):
		return Signal{
			Type:   integrity.VerificationFailed,
			Detail: integrity.Detail{"reason": "no_face_in_reference"},
		}, nil
	case errors.Is(err, integrity.ErrAnalysisUnavailable):
		return Signal{
			Type:   integrity.AnalysisUnavailable,
			Detail: integrity.Detail{"error": err.Error()},
		}, nil
	case err != nil:
		return Signal{}, err
	}

	detail := integrity.Detail{"faceCount": 1}
	if analysis.HasEyes {
		detail["earValue"] = analysis.EAR
		detail["gazeOffset"] = analysis.Gaze
	}
	if reference != nil {
		comparison, err := c.adapter.Match(*reference, analysis, 0)
		switch {
		case errors.Is(err, integrity.ErrNoFaceInReference):
			return Signal{
				Type:   integrity.VerificationFailed,
				Detail: integrity.Detail{"reason": "no_face_in_reference"},
			}, nil
		case errors.Is(err, integrity.ErrNoFaceInCandidate):
			return Signal{
				Type:   integrity.VerificationFailed,
				Detail: integrity.Detail{"reason": "no_face_in_candidate"},
			}, nil
		case err != nil:
			return Signal{
				Type:   integrity.AnalysisUnavailable,
				Detail: integrity.Detail{"error": err.Error()},
			}, nil
		}
		v.Comparison = &comparison
		detail["similarity"] = comparison.Similarity
		detail["threshold"] = comparison.Threshold
		if !comparison.Matched {
			return Signal{Type: integrity.FaceMismatch, Detail: detail}, nil
		}
	}

	if v.Assessment.Suspicious() {
		detail["eyesClosed"] = v.Assessment.EyesClosed
		detail["lookingAway"] = v.Assessment.LookingAway
		return Signal{Type: integrity.SuspiciousEyeMovement, Detail: detail}, nil
	}
	return Signal{Type: integrity.VerificationClean, Detail: detail}, nil
}

// referenceAnalysis returns the analyzed reference frame, or nil when
// the session has none. It is computed once per run.
func (c *Controller) referenceAnalysis(ctx context.Context, r *run, id string) (*biometric.Analysis, error) {
	r.referenceMu.Lock()
	defer r.referenceMu.Unlock()
	if r.reference != nil {
		return r.reference, nil
	}
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.ReferenceHandle == "" || c.evidence == nil {
		return nil, nil
	}
	frame, err := c.evidence.Get(s.ReferenceHandle)
	if err != nil {
		return nil, fmt.Errorf("session %s: load reference: %w", id, err)
	}
	analysis, err := c.adapter.Analyze(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	if analysis.FaceCount == 0 {
		return nil, integrity.ErrNoFaceInReference
	}
	r.reference = &analysis
	return r.reference, nil
}
