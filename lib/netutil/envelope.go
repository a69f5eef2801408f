// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil reads vigil-service responses on the client side.
//
// Every JSON response from the service is an envelope:
// {"success": true, "data": ...} or {"success": false, "message": ...}.
// [DecodeEnvelope] unwraps the data field and [ErrorMessage] pulls the
// message out of a failed response. Both bound their reads at
// [MaxResponseSize]; binary downloads (evidence bundles) are streamed
// with io.Copy instead.
package netutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds envelope reads. A supervisor listing for a
// large exam is the biggest legitimate response.
const MaxResponseSize int64 = 64 << 20

// Envelope is the service's JSON response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// EnvelopeError is a response whose envelope reported failure.
type EnvelopeError struct {
	Message string
}

func (e *EnvelopeError) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeEnvelope reads an envelope from body and decodes its data
// field into out. A nil out only checks success. An envelope with
// success false returns *EnvelopeError.
func DecodeEnvelope(body io.Reader, out any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decoding response envelope: %w", err)
	}
	if !envelope.Success {
		return &EnvelopeError{Message: envelope.Message}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

// ErrorMessage reads a failed response body and returns the
// envelope's message, or the trimmed raw body when it is not an
// envelope (a proxy error page, say). Read errors are ignored; a
// partial body is still useful in an error.
func ErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var envelope Envelope
	if json.Unmarshal(data, &envelope) == nil && envelope.Message != "" {
		return envelope.Message
	}
	return string(bytes.TrimSpace(data))
}
