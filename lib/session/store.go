// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vigil-proctoring/vigil/lib/codec"
	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/risk"
	"github.com/vigil-proctoring/vigil/lib/sqlitepool"
)

// Schema creates the session and answer tables. Include it in the
// pool's schema next to eventlog.Schema.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT    PRIMARY KEY,
	exam_id          TEXT    NOT NULL,
	subject_name     TEXT    NOT NULL,
	subject_contact  TEXT,
	reference_handle TEXT,
	status           TEXT    NOT NULL,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	ended_at         INTEGER,
	end_reason       TEXT,
	result           BLOB,
	final_risk       BLOB,
	degraded         INTEGER NOT NULL DEFAULT 0,
	degraded_reason  TEXT
);
CREATE INDEX IF NOT EXISTS sessions_by_exam ON sessions (exam_id, created_at);
CREATE INDEX IF NOT EXISTS sessions_by_status ON sessions (status);
CREATE TABLE IF NOT EXISTS answers (
	session_id  TEXT    NOT NULL,
	question_id TEXT    NOT NULL,
	option_id   TEXT    NOT NULL,
	answered_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, question_id)
) WITHOUT ROWID;
`

// Store persists sessions and answers. Rows are never deleted.
type Store struct {
	pool *sqlitepool.Pool
}

func NewStore(pool *sqlitepool.Pool) *Store {
	return &Store{pool: pool}
}

const sessionColumns = `id, exam_id, subject_name, subject_contact, reference_handle,
	status, created_at, started_at, ended_at, end_reason, result, final_risk,
	degraded, degraded_reason`

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nullableBlob(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	encoded, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func columnTime(stmt *sqlite.Stmt, col int) time.Time {
	if stmt.ColumnIsNull(col) {
		return time.Time{}
	}
	return time.Unix(0, stmt.ColumnInt64(col)).UTC()
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	blob := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, blob)
	return blob
}

func scanSession(stmt *sqlite.Stmt) (Session, error) {
	s := Session{
		ID:              stmt.ColumnText(0),
		ExamID:          stmt.ColumnText(1),
		Subject:         Subject{Name: stmt.ColumnText(2), Contact: stmt.ColumnText(3)},
		ReferenceHandle: stmt.ColumnText(4),
		Status:          Status(stmt.ColumnText(5)),
		CreatedAt:       columnTime(stmt, 6),
		StartedAt:       columnTime(stmt, 7),
		EndedAt:         columnTime(stmt, 8),
		EndReason:       stmt.ColumnText(9),
		Degraded:        stmt.ColumnInt64(12) != 0,
		DegradedReason:  stmt.ColumnText(13),
	}
	if !s.Status.valid() {
		return s, fmt.Errorf("session %s: stored status %q is unknown", s.ID, s.Status)
	}
	if blob := columnBlob(stmt, 10); blob != nil {
		var result exam.Result
		if err := codec.Unmarshal(blob, &result); err != nil {
			return s, fmt.Errorf("session %s: decode result: %w", s.ID, err)
		}
		s.Result = &result
	}
	if blob := columnBlob(stmt, 11); blob != nil {
		var state risk.State
		if err := codec.Unmarshal(blob, &state); err != nil {
			return s, fmt.Errorf("session %s: decode final risk: %w", s.ID, err)
		}
		s.FinalRisk = &state
	}
	return s, nil
}

// Insert stores a new session.
func (st *Store) Insert(ctx context.Context, s Session) error {
	return st.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO sessions (id, exam_id, subject_name, subject_contact, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				s.ID, s.ExamID, s.Subject.Name, nullableText(s.Subject.Contact),
				string(s.Status), s.CreatedAt.UnixNano(),
			}})
		if err != nil {
			return fmt.Errorf("session: insert %s: %w", s.ID, err)
		}
		return nil
	})
}

// Update overwrites every mutable column of an existing session.
func (st *Store) Update(ctx context.Context, s Session) error {
	result, err := nullableBlob(s.Result, s.Result != nil)
	if err != nil {
		return fmt.Errorf("session: encode result of %s: %w", s.ID, err)
	}
	finalRisk, err := nullableBlob(s.FinalRisk, s.FinalRisk != nil)
	if err != nil {
		return fmt.Errorf("session: encode final risk of %s: %w", s.ID, err)
	}
	degraded := 0
	if s.Degraded {
		degraded = 1
	}
	return st.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE sessions SET reference_handle = ?, status = ?, started_at = ?,
			 ended_at = ?, end_reason = ?, result = ?, final_risk = ?,
			 degraded = ?, degraded_reason = ?
			 WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				nullableText(s.ReferenceHandle), string(s.Status),
				nullableTime(s.StartedAt), nullableTime(s.EndedAt),
				nullableText(s.EndReason), result, finalRisk,
				degraded, nullableText(s.DegradedReason), s.ID,
			}})
		if err != nil {
			return fmt.Errorf("session: update %s: %w", s.ID, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("session %s: %w", s.ID, integrity.ErrNotFound)
		}
		return nil
	})
}

// MarkDegraded flags a session without touching its other columns.
func (st *Store) MarkDegraded(ctx context.Context, id, reason string) error {
	return st.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`UPDATE sessions SET degraded = 1, degraded_reason = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{nullableText(reason), id}})
	})
}

func (st *Store) selectSessions(ctx context.Context, where string, args ...any) ([]Session, error) {
	conn, err := st.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer st.pool.Put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn,
		`SELECT `+sessionColumns+` FROM sessions `+where,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				s, err := scanSession(stmt)
				if err != nil {
					return err
				}
				sessions = append(sessions, s)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: query: %w", err)
	}
	return sessions, nil
}

// Get returns one session or an error wrapping integrity.ErrNotFound.
func (st *Store) Get(ctx context.Context, id string) (Session, error) {
	sessions, err := st.selectSessions(ctx, `WHERE id = ?`, id)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, fmt.Errorf("session %s: %w", id, integrity.ErrNotFound)
	}
	return sessions[0], nil
}

// ListByExam returns an exam's sessions in registration order.
func (st *Store) ListByExam(ctx context.Context, examID string) ([]Session, error) {
	return st.selectSessions(ctx, `WHERE exam_id = ? ORDER BY created_at, rowid`, examID)
}

// ListByStatus returns every session in the given state.
func (st *Store) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	return st.selectSessions(ctx, `WHERE status = ? ORDER BY created_at, rowid`, string(status))
}

// PutAnswer records the subject's selection, replacing any earlier one
// for the same question.
func (st *Store) PutAnswer(ctx context.Context, sessionID string, answer exam.Answer, at time.Time) error {
	return st.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO answers (session_id, question_id, option_id, answered_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (session_id, question_id)
			 DO UPDATE SET option_id = excluded.option_id, answered_at = excluded.answered_at`,
			&sqlitex.ExecOptions{Args: []any{sessionID, answer.QuestionID, answer.OptionID, at.UnixNano()}})
		if err != nil {
			return fmt.Errorf("session: answer %s/%s: %w", sessionID, answer.QuestionID, err)
		}
		return nil
	})
}

// Answers returns the session's current selections ordered by question.
func (st *Store) Answers(ctx context.Context, sessionID string) ([]exam.Answer, error) {
	conn, err := st.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer st.pool.Put(conn)

	var answers []exam.Answer
	err = sqlitex.Execute(conn,
		`SELECT question_id, option_id FROM answers WHERE session_id = ? ORDER BY question_id`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				answers = append(answers, exam.Answer{
					QuestionID: stmt.ColumnText(0),
					OptionID:   stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: answers of %s: %w", sessionID, err)
	}
	return answers, nil
}
