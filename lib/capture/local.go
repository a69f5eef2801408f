// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"

	"github.com/vigil-proctoring/vigil/lib/biometric"
)

// FaceChecker is a [LocalChecker] that runs the biometric adapter on
// the subject's own machine. Its result only drives the on-screen
// hint; the service re-analyzes every uploaded frame.
type FaceChecker struct {
	Adapter *biometric.Adapter
}

func (f FaceChecker) Check(ctx context.Context, frame []byte) (LocalStatus, error) {
	analysis, err := f.Adapter.Analyze(ctx, frame)
	if err != nil {
		return LocalStatus{}, err
	}
	status := LocalStatus{FaceCount: analysis.FaceCount}
	switch {
	case analysis.FaceCount == 0:
		status.Message = "no face visible"
	case analysis.FaceCount > 1:
		status.Message = "more than one face visible"
	default:
		if f.Adapter.Assess(analysis).Suspicious() {
			status.Message = "keep your eyes on the screen"
		} else {
			status.Message = "face detected"
		}
	}
	return status, nil
}
