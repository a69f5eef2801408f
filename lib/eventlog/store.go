// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"encoding/hex"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vigil-proctoring/vigil/lib/codec"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/sqlitepool"
)

// Schema creates the event table. Include it in the pool's schema.
const Schema = `
CREATE TABLE IF NOT EXISTS integrity_events (
	session_id   TEXT    NOT NULL,
	sequence     INTEGER NOT NULL,
	id           TEXT    NOT NULL,
	event_type   TEXT    NOT NULL,
	detail       BLOB,
	evidence_ref TEXT,
	timestamp    INTEGER NOT NULL,
	prev_hash    TEXT    NOT NULL,
	hash         TEXT    NOT NULL,
	PRIMARY KEY (session_id, sequence)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS integrity_events_by_time
	ON integrity_events (session_id, timestamp);
`

// pageSize bounds how many rows Query holds a connection for.
const pageSize = 256

// Store is the append-only event log.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// NewStore wraps a pool whose schema includes Schema.
func NewStore(pool *sqlitepool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, logger: logger}
}

// chainInput is the canonical form hashed into the chain. Detail is the
// stored CBOR blob itself, so verification hashes exactly the bytes that
// were written.
type chainInput struct {
	ID          string           `cbor:"1,keyasint"`
	SessionID   string           `cbor:"2,keyasint"`
	Sequence    int64            `cbor:"3,keyasint"`
	Type        string           `cbor:"4,keyasint"`
	Detail      codec.RawMessage `cbor:"5,keyasint,omitempty"`
	EvidenceRef string           `cbor:"6,keyasint,omitempty"`
	Timestamp   int64            `cbor:"7,keyasint"`
}

func chainHash(prevHash string, input chainInput) (string, error) {
	encoded, err := codec.Marshal(input)
	if err != nil {
		return "", err
	}
	hasher := blake3.New()
	hasher.Write([]byte(prevHash))
	hasher.Write(encoded)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

type tail struct {
	sequence  int64
	timestamp int64
	hash      string
}

func readTail(conn *sqlite.Conn, sessionID string) (tail, error) {
	var last tail
	err := sqlitex.Execute(conn,
		`SELECT sequence, timestamp, hash FROM integrity_events
		 WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last.sequence = stmt.ColumnInt64(0)
				last.timestamp = stmt.ColumnInt64(1)
				last.hash = stmt.ColumnText(2)
				return nil
			},
		})
	return last, err
}

// Append stores event as the next entry of its session and returns it
// with Sequence, Timestamp, PrevHash, and Hash filled in. The stored
// timestamp is event.Timestamp raised, if needed, to the previous
// entry's timestamp.
func (s *Store) Append(ctx context.Context, event integrity.Event) (integrity.Event, error) {
	var detailBlob []byte
	if len(event.Detail) > 0 {
		var err error
		detailBlob, err = codec.Marshal(event.Detail)
		if err != nil {
			return integrity.Event{}, fmt.Errorf("eventlog: encode detail: %w", err)
		}
	}

	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		last, err := readTail(conn, event.SessionID)
		if err != nil {
			return fmt.Errorf("read tail: %w", err)
		}

		nanos := event.Timestamp.UnixNano()
		if nanos < last.timestamp {
			nanos = last.timestamp
		}
		event.Sequence = last.sequence + 1
		event.Timestamp = time.Unix(0, nanos).UTC()
		event.PrevHash = last.hash
		event.Hash, err = chainHash(last.hash, chainInput{
			ID:          event.ID,
			SessionID:   event.SessionID,
			Sequence:    event.Sequence,
			Type:        string(event.Type),
			Detail:      detailBlob,
			EvidenceRef: event.EvidenceRef,
			Timestamp:   nanos,
		})
		if err != nil {
			return fmt.Errorf("hash: %w", err)
		}

		var evidence any
		if event.EvidenceRef != "" {
			evidence = event.EvidenceRef
		}
		var detail any
		if detailBlob != nil {
			detail = detailBlob
		}
		return sqlitex.Execute(conn,
			`INSERT INTO integrity_events
			 (session_id, sequence, id, event_type, detail, evidence_ref, timestamp, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				event.SessionID, event.Sequence, event.ID, string(event.Type),
				detail, evidence, nanos, event.PrevHash, event.Hash,
			}})
	})
	if err != nil {
		return integrity.Event{}, fmt.Errorf("eventlog: append %s/%s: %w", event.SessionID, event.Type, err)
	}
	return event, nil
}

const selectColumns = `sequence, id, event_type, detail, evidence_ref, timestamp, prev_hash, hash`

type row struct {
	event      integrity.Event
	detailBlob []byte
}

func scanRow(sessionID string, stmt *sqlite.Stmt) (row, error) {
	r := row{event: integrity.Event{
		SessionID:   sessionID,
		Sequence:    stmt.ColumnInt64(0),
		ID:          stmt.ColumnText(1),
		Type:        integrity.EventType(stmt.ColumnText(2)),
		EvidenceRef: stmt.ColumnText(4),
		Timestamp:   time.Unix(0, stmt.ColumnInt64(5)).UTC(),
		PrevHash:    stmt.ColumnText(6),
		Hash:        stmt.ColumnText(7),
	}}
	if !stmt.ColumnIsNull(3) {
		r.detailBlob = make([]byte, stmt.ColumnLen(3))
		stmt.ColumnBytes(3, r.detailBlob)
		var detail integrity.Detail
		if err := codec.Unmarshal(r.detailBlob, &detail); err != nil {
			return r, fmt.Errorf("eventlog: decode detail of %s#%d: %w", sessionID, r.event.Sequence, err)
		}
		r.event.Detail = detail
	}
	return r, nil
}

// readPage returns up to pageSize rows after sequence afterSequence.
func (s *Store) readPage(ctx context.Context, sessionID string, afterSequence int64, since time.Time) ([]row, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = since.UnixNano()
	}
	var rows []row
	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM integrity_events
		 WHERE session_id = ? AND sequence > ? AND timestamp >= ?
		 ORDER BY sequence LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, afterSequence, sinceNanos, pageSize},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanRow(sessionID, stmt)
				if err != nil {
					return err
				}
				rows = append(rows, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventlog: query %s: %w", sessionID, err)
	}
	return rows, nil
}

func (s *Store) rows(ctx context.Context, sessionID string, since time.Time) iter.Seq2[row, error] {
	return func(yield func(row, error) bool) {
		var after int64
		for {
			page, err := s.readPage(ctx, sessionID, after, since)
			if err != nil {
				yield(row{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].event.Sequence
		}
	}
}

// Query returns the session's events with Timestamp at or after since
// (all events when since is zero), in arrival order. Nothing is read
// until the sequence is ranged over; each range starts from the
// beginning and sees events appended up to the moment it reaches them.
func (s *Store) Query(ctx context.Context, sessionID string, since time.Time) iter.Seq2[integrity.Event, error] {
	return func(yield func(integrity.Event, error) bool) {
		for r, err := range s.rows(ctx, sessionID, since) {
			if !yield(r.event, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains Query into a slice.
func (s *Store) Collect(ctx context.Context, sessionID string, since time.Time) ([]integrity.Event, error) {
	var events []integrity.Event
	for event, err := range s.Query(ctx, sessionID, since) {
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Count returns the number of events logged for the session.
func (s *Store) Count(ctx context.Context, sessionID string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM integrity_events WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("eventlog: count %s: %w", sessionID, err)
	}
	return count, nil
}

// Last returns the most recent event of the session. ok is false when
// the session has no events.
func (s *Store) Last(ctx context.Context, sessionID string) (event integrity.Event, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return integrity.Event{}, false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM integrity_events
		 WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanRow(sessionID, stmt)
				if err != nil {
					return err
				}
				event, ok = r.event, true
				return nil
			},
		})
	if err != nil {
		return integrity.Event{}, false, fmt.Errorf("eventlog: last %s: %w", sessionID, err)
	}
	return event, ok, nil
}
