// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/netutil"
)

// HTTPSink delivers to the service's REST API as the subject of one
// session.
type HTTPSink struct {
	// BaseURL is the service root, e.g. http://proctor.local:8080.
	BaseURL   string
	SessionID string
	Subject   string

	// Client defaults to a client with a 30 second timeout.
	Client *http.Client
}

type logRequest struct {
	SessionID string              `json:"sessionId"`
	EventType integrity.EventType `json:"eventType"`
	Detail    integrity.Detail    `json:"detail,omitempty"`
	ClientAt  time.Time           `json:"clientTimestamp,omitzero"`
}

func (s *HTTPSink) Signal(ctx context.Context, signal Signal) error {
	body, err := json.Marshal(logRequest{
		SessionID: s.SessionID,
		EventType: signal.Type,
		Detail:    signal.Detail,
		ClientAt:  signal.ObservedAt,
	})
	if err != nil {
		return fmt.Errorf("capture: encode signal: %w", err)
	}
	return s.post(ctx, "/api/proctoring/log", "application/json", body)
}

func (s *HTTPSink) Frame(ctx context.Context, frame []byte) error {
	path := "/api/proctoring/sessions/" + url.PathEscape(s.SessionID) + "/frames"
	return s.post(ctx, path, http.DetectContentType(frame), frame)
}

func (s *HTTPSink) post(ctx context.Context, path, contentType string, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(s.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("X-Vigil-Role", "subject")
	if s.Subject != "" {
		request.Header.Set("X-Vigil-Subject", s.Subject)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("capture: POST %s: %w", path, err)
	}
	defer response.Body.Close()
	if response.StatusCode/100 != 2 {
		return fmt.Errorf("capture: POST %s: %s: %s", path, response.Status, netutil.ErrorMessage(response.Body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}
