// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package biometric

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// ErrUndecodableFrame means the bytes are not a still image in a
// registered format. It is a caller error, not a transient one.
var ErrUndecodableFrame = errors.New("biometric: frame is not a decodable still image")

// Frame is a still image and its dimensions.
type Frame struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// DecodeFrame reads the image header of data. Pixels are left to the
// detector.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrUndecodableFrame
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUndecodableFrame, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return Frame{}, fmt.Errorf("%w: empty %s image", ErrUndecodableFrame, format)
	}
	return Frame{Data: data, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
