// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture is the test-taker side of monitoring. A [Client]
// watches the local environment (focus, fullscreen, clipboard, context
// menu), samples camera frames on a fixed interval, and runs a faster
// non-authoritative presence check for the subject's own status
// display.
//
// Everything the client observes goes to a [Sink] through an in-memory
// outbox drained by one sender goroutine, so watchers and timers never
// wait on the network. The client only reports; it never decides
// escalation.
package capture
