// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog is the single path by which a signal becomes a
// durable integrity event.
//
// Store is the append-only SQLite log. Each append runs in one IMMEDIATE
// transaction that reads the session's tail, assigns the next sequence
// number, clamps the timestamp so it never goes below the tail's, links
// the event into a blake3 hash chain, and inserts it. There is no update
// or delete.
//
// Recorder sits in front of the store. It serializes appends per
// session, stamps events from the injected clock, and, before returning,
// hands each stored event to its Listener (risk escalation and fan-out).
// An append failure comes back as ErrPersistenceFailure and is reported
// to the Listener as a degraded-integrity condition; it is never
// swallowed.
//
// Query returns a lazy iterator over a session's events in arrival
// order. It reads in pages on short-lived connections, so it can run
// alongside appends and be ranged over more than once.
package eventlog
