// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vigil-proctoring/vigil/lib/fanout"
)

const socketWriteTimeout = 5 * time.Second

// reply answers one subscription command.
type reply struct {
	Type    string         `json:"type"`
	Command fanout.Command `json:"command"`
	Message string         `json:"message,omitempty"`
}

// socket streams fan-out messages to an observer. The observer starts
// with no subscriptions and sends join/leave commands; each command
// gets an "ack" or "error" reply on the same stream.
func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	options := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		options.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, options)
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	caller := callerOf(r)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.hub.Subscribe(fmt.Sprintf("ws:%s:%s", caller.role, caller.subject))
	defer sub.Close()

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "ready"}); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
		return
	}

	replies := make(chan reply, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			var cmd fanout.Command
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				readErr <- err
				return
			}
			result := reply{Type: "ack", Command: cmd}
			if err := s.applyCommand(ctx, caller, sub, cmd); err != nil {
				result.Type, result.Message = "error", err.Error()
			}
			select {
			case replies <- result:
			case <-ctx.Done():
				return
			}
		}
	}()

	write := func(v any) bool {
		writeCtx, cancelWrite := context.WithTimeout(ctx, socketWriteTimeout)
		defer cancelWrite()
		if err := wsjson.Write(writeCtx, conn, v); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case err := <-readErr:
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case result := <-replies:
			if !write(result) {
				return
			}
		case msg, ok := <-sub.Messages():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if !write(msg) {
				return
			}
		}
	}
}

// applyCommand checks the caller may watch what it asks for. Exam-wide
// streams are for supervisors; a subject may follow only its own
// session.
func (s *Server) applyCommand(ctx context.Context, caller identity, sub *fanout.Subscriber, cmd fanout.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch cmd.Type {
	case fanout.JoinExam:
		if caller.role != RoleSupervisor {
			return errForbidden
		}
		if _, err := s.catalog.Get(cmd.ExamID); err != nil {
			return err
		}
	case fanout.JoinSession:
		sess, err := s.controller.Get(ctx, cmd.SessionID)
		if err != nil {
			return err
		}
		if err := authorize(caller, sess); err != nil {
			return err
		}
	}
	return sub.Apply(cmd)
}
