// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Camera yields one still frame per call. Failures wrap
// integrity.ErrCaptureUnavailable.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
}

// CommandCamera runs a grabber command that writes one encoded frame to
// stdout, for example:
//
//	ffmpeg -loglevel error -f v4l2 -i /dev/video0 -frames:v 1 -f mjpeg -
type CommandCamera struct {
	Command string
	Args    []string

	// Timeout bounds one capture. Zero means 10 seconds.
	Timeout time.Duration
}

func (c *CommandCamera) Capture(ctx context.Context) ([]byte, error) {
	if c.Command == "" {
		return nil, fmt.Errorf("%w: no capture command configured", integrity.ErrCaptureUnavailable)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stderr = &stderr
	frame, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		return nil, fmt.Errorf("%w: %s", integrity.ErrCaptureUnavailable, message)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: capture command produced no frame", integrity.ErrCaptureUnavailable)
	}
	return frame, nil
}
