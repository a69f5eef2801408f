// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package biometric

import "math"

// Point is a landmark position in frame pixels.
type Point struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Box is a detection rectangle in frame pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Indices into the 68-point landmark layout.
const (
	leftEyeStart  = 36
	rightEyeStart = 42
	eyePoints     = 6
	landmarkCount = 68
)

func distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// eyeAspectRatio computes (|p2-p6| + |p3-p5|) / (2|p1-p4|) over the six
// points of one eye.
func eyeAspectRatio(eye []Point) float64 {
	horizontal := distance(eye[0], eye[3])
	if horizontal == 0 {
		return 0
	}
	return (distance(eye[1], eye[5]) + distance(eye[2], eye[4])) / (2 * horizontal)
}

func eyeCenter(eye []Point) Point {
	var c Point
	for _, p := range eye {
		c.X += p.X
		c.Y += p.Y
	}
	c.X /= float64(len(eye))
	c.Y /= float64(len(eye))
	return c
}

func eyes(landmarks []Point) (left, right []Point, ok bool) {
	if len(landmarks) < landmarkCount {
		return nil, nil, false
	}
	return landmarks[leftEyeStart : leftEyeStart+eyePoints],
		landmarks[rightEyeStart : rightEyeStart+eyePoints], true
}

// EyeAspectRatio averages the eye aspect ratio over both eyes of a
// 68-point landmark set. ok is false when the set is incomplete.
func EyeAspectRatio(landmarks []Point) (ear float64, ok bool) {
	left, right, ok := eyes(landmarks)
	if !ok {
		return 0, false
	}
	return (eyeAspectRatio(left) + eyeAspectRatio(right)) / 2, true
}

// GazeOffset is the larger of the horizontal and vertical displacement
// of the eye-center midpoint from the frame center, as a fraction of
// the frame's width and height.
func GazeOffset(landmarks []Point, width, height int) (offset float64, ok bool) {
	left, right, ok := eyes(landmarks)
	if !ok || width <= 0 || height <= 0 {
		return 0, false
	}
	l, r := eyeCenter(left), eyeCenter(right)
	x := (l.X + r.X) / 2 / float64(width)
	y := (l.Y + r.Y) / 2 / float64(height)
	return math.Max(math.Abs(x-0.5), math.Abs(y-0.5)), true
}

// Similarity maps the euclidean distance between two descriptors onto
// [0, 1]: identical descriptors score 1.
func Similarity(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return min(max(1-math.Sqrt(sum), 0), 1), true
}
