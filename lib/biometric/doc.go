// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package biometric wraps an external face detection capability behind
// a stable contract: face counting with a confidence floor, eye aspect
// ratio, gaze offset, and descriptor comparison against a registered
// reference.
//
// The detector itself (landmarks, descriptors) is not implemented here.
// [Detector] is the boundary; [ProcessDetector] talks to a detector
// running as a separate worker process.
package biometric
