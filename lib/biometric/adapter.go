// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package biometric

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Detection is one raw face found by a [Detector].
type Detection struct {
	Box        Box
	Score      float64
	Landmarks  []Point
	Descriptor []float64
}

// Detector is the external detection capability.
type Detector interface {
	// Ready reports whether models are loaded. Detect must not be
	// called before Ready returns true.
	Ready() bool

	// Detect returns every face found in the frame, qualifying or not.
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}

// Thresholds tune sensitivity. All are fractions in [0, 1].
type Thresholds struct {
	// ConfidenceFloor excludes weaker detections before faces are
	// counted.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// MatchThreshold is the similarity above which a candidate
	// matches the reference, when Compare is called without one.
	MatchThreshold float64 `yaml:"match_threshold"`

	// EARThreshold: an eye aspect ratio below it reads as eyes closed
	// or looking down.
	EARThreshold float64 `yaml:"ear_threshold"`

	// GazeThreshold: a gaze offset above it reads as looking away.
	GazeThreshold float64 `yaml:"gaze_threshold"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ConfidenceFloor: 0.6,
		MatchThreshold:  0.6,
		EARThreshold:    0.2,
		GazeThreshold:   0.2,
	}
}

// Validate reports thresholds outside [0, 1].
func (t Thresholds) Validate() error {
	var errs []error
	check := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", name, v))
		}
	}
	check("confidence_floor", t.ConfidenceFloor)
	check("match_threshold", t.MatchThreshold)
	check("ear_threshold", t.EARThreshold)
	check("gaze_threshold", t.GazeThreshold)
	return errors.Join(errs...)
}

// Face is a qualifying detection.
type Face struct {
	Box       Box     `json:"box"`
	Score     float64 `json:"score"`
	Landmarks []Point `json:"landmarks,omitempty"`
}

// Analysis is the result of Analyze. EAR and Gaze describe the most
// confident face and are meaningful only when HasEyes is set.
type Analysis struct {
	FaceCount int     `json:"faceCount"`
	Faces     []Face  `json:"faces"`
	EAR       float64 `json:"earValue"`
	Gaze      float64 `json:"gazeOffset"`
	HasEyes   bool    `json:"hasEyes"`

	// Descriptor and Confidence belong to the most confident face.
	Descriptor []float64 `json:"-"`
	Confidence float64   `json:"-"`
}

// Assessment classifies an analysis against the thresholds.
type Assessment struct {
	EyesClosed  bool `json:"eyesClosed"`
	LookingAway bool `json:"lookingAway"`
}

// Suspicious reports whether either eye heuristic tripped.
func (a Assessment) Suspicious() bool { return a.EyesClosed || a.LookingAway }

// Comparison is the result of matching a candidate against a reference.
type Comparison struct {
	Matched    bool    `json:"matched"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Confidence float64 `json:"confidence"`
}

// Adapter applies thresholds and geometry to a Detector's output.
type Adapter struct {
	detector   Detector
	thresholds Thresholds
	logger     *slog.Logger
}

func NewAdapter(detector Detector, thresholds Thresholds, logger *slog.Logger) (*Adapter, error) {
	if detector == nil {
		return nil, errors.New("biometric: detector is required")
	}
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("biometric: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{detector: detector, thresholds: thresholds, logger: logger}, nil
}

// Thresholds returns the adapter's configuration.
func (a *Adapter) Thresholds() Thresholds { return a.thresholds }

// Analyze counts qualifying faces and derives the eye heuristics from
// the most confident one. A frame with no qualifying face is a valid
// result with FaceCount 0.
//
// Errors wrapping integrity.ErrAnalysisUnavailable are transient;
// callers retry and must never read them as "no face".
func (a *Adapter) Analyze(ctx context.Context, data []byte) (Analysis, error) {
	if !a.detector.Ready() {
		return Analysis{}, fmt.Errorf("%w: detector not ready", integrity.ErrAnalysisUnavailable)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		return Analysis{}, err
	}
	detections, err := a.detector.Detect(ctx, frame)
	if err != nil {
		if errors.Is(err, integrity.ErrAnalysisUnavailable) {
			return Analysis{}, err
		}
		return Analysis{}, fmt.Errorf("%w: %w", integrity.ErrAnalysisUnavailable, err)
	}

	qualifying := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Score >= a.thresholds.ConfidenceFloor {
			qualifying = append(qualifying, d)
		}
	}
	slices.SortStableFunc(qualifying, func(x, y Detection) int {
		return cmp.Compare(y.Score, x.Score)
	})

	analysis := Analysis{FaceCount: len(qualifying), Faces: make([]Face, len(qualifying))}
	for i, d := range qualifying {
		analysis.Faces[i] = Face{Box: d.Box, Score: d.Score, Landmarks: d.Landmarks}
	}
	if len(qualifying) == 0 {
		return analysis, nil
	}

	primary := qualifying[0]
	analysis.Descriptor = primary.Descriptor
	analysis.Confidence = primary.Score
	ear, earOK := EyeAspectRatio(primary.Landmarks)
	gaze, gazeOK := GazeOffset(primary.Landmarks, frame.Width, frame.Height)
	if earOK && gazeOK {
		analysis.EAR, analysis.Gaze, analysis.HasEyes = ear, gaze, true
	}
	if dropped := len(detections) - len(qualifying); dropped > 0 {
		a.logger.Debug("detections below confidence floor", "dropped", dropped, "kept", len(qualifying))
	}
	return analysis, nil
}

// Assess applies the EAR and gaze thresholds.
func (a *Adapter) Assess(analysis Analysis) Assessment {
	if !analysis.HasEyes {
		return Assessment{}
	}
	return Assessment{
		EyesClosed:  analysis.EAR < a.thresholds.EARThreshold,
		LookingAway: analysis.Gaze > a.thresholds.GazeThreshold,
	}
}

// Match compares two prior analyses. A missing face on either side is
// reported with its own error and is never a mismatch. A threshold
// of zero or less uses the configured MatchThreshold.
func (a *Adapter) Match(reference, candidate Analysis, threshold float64) (Comparison, error) {
	if reference.FaceCount == 0 {
		return Comparison{}, integrity.ErrNoFaceInReference
	}
	if candidate.FaceCount == 0 {
		return Comparison{}, integrity.ErrNoFaceInCandidate
	}
	if threshold <= 0 {
		threshold = a.thresholds.MatchThreshold
	}
	similarity, ok := Similarity(reference.Descriptor, candidate.Descriptor)
	if !ok {
		return Comparison{}, fmt.Errorf("%w: descriptor lengths %d and %d are not comparable",
			integrity.ErrAnalysisUnavailable, len(reference.Descriptor), len(candidate.Descriptor))
	}
	return Comparison{
		Matched:    similarity > threshold,
		Similarity: similarity,
		Threshold:  threshold,
		Confidence: min(reference.Confidence, candidate.Confidence),
	}, nil
}

// Compare analyzes both frames and matches them.
func (a *Adapter) Compare(ctx context.Context, reference, candidate []byte, threshold float64) (Comparison, error) {
	ref, err := a.Analyze(ctx, reference)
	if err != nil {
		return Comparison{}, fmt.Errorf("reference: %w", err)
	}
	cand, err := a.Analyze(ctx, candidate)
	if err != nil {
		return Comparison{}, fmt.Errorf("candidate: %w", err)
	}
	return a.Match(ref, cand, threshold)
}
