// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"

	"github.com/vigil-proctoring/vigil/lib/httpapi"
	"github.com/vigil-proctoring/vigil/lib/netutil"
)

const defaultServer = "http://127.0.0.1:8080"

// connection holds the flags every remote command shares.
type connection struct {
	Server  string
	Role    string
	Subject string
	Timeout time.Duration
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	server := os.Getenv("VIGIL_SERVER")
	if server == "" {
		server = defaultServer
	}
	flagSet.StringVar(&c.Server, "server", server, "vigil-service URL ($VIGIL_SERVER)")
	flagSet.StringVar(&c.Role, "role", string(httpapi.RoleSupervisor), "role asserted to the service")
	flagSet.StringVar(&c.Subject, "subject", "", "subject name asserted with --role subject")
	flagSet.DurationVar(&c.Timeout, "timeout", 30*time.Second, "request timeout")
}

// apiClient speaks the service's REST envelope.
type apiClient struct {
	base    string
	role    string
	subject string
	http    *http.Client
}

func (c *connection) client() *apiClient {
	return &apiClient{
		base:    strings.TrimSuffix(c.Server, "/"),
		role:    c.Role,
		subject: c.Subject,
		http:    &http.Client{Timeout: c.Timeout},
	}
}

// apiError is a non-2xx answer from the service.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("service returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("service returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) headers() http.Header {
	header := http.Header{}
	header.Set(httpapi.HeaderRole, c.role)
	if c.subject != "" {
		header.Set(httpapi.HeaderSubject, c.subject)
	}
	return header
}

func (c *apiClient) do(ctx context.Context, path string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	request.Header = c.headers()
	response, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 300 {
		return response, nil
	}
	defer response.Body.Close()
	return nil, &apiError{Status: response.StatusCode, Message: netutil.ErrorMessage(response.Body)}
}

// get decodes the data field of a JSON envelope into out.
func (c *apiClient) get(ctx context.Context, path string, out any) error {
	response, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if err := netutil.DecodeEnvelope(response.Body, out); err != nil {
		var failure *netutil.EnvelopeError
		if errors.As(err, &failure) {
			return &apiError{Status: response.StatusCode, Message: failure.Message}
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// download returns the raw body of a non-JSON endpoint.
func (c *apiClient) download(ctx context.Context, path string) (io.ReadCloser, error) {
	response, err := c.do(ctx, path)
	if err != nil {
		return nil, err
	}
	return response.Body, nil
}

// dial opens the observer socket.
func (c *apiClient) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.base + "/ws")
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	default:
		return nil, errors.New("server URL must be http or https")
	}
	conn, _, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{HTTPHeader: c.headers()})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return conn, nil
}
