// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the lifecycle of a test-taker's attempt:
// registered, then active, then completed or abandoned. Terminal states
// are final and sessions are never deleted.
//
// While a session is active the [Controller] keeps one run for it: an
// inbound channel of raw signals consumed by a single loop goroutine
// that appends to the event log, and an outbound channel of fan-out
// messages drained by a forwarder. The log append, the risk update,
// and the fan-out enqueue happen in that order on the loop, so every
// observer sees one causal order per session. Sessions never share a
// lock on this path.
//
// The exam countdown is a clock timer independent of the loop; when it
// fires the session completes regardless of capture or analysis
// latency.
package session
