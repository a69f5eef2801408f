// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the session controller over REST and the
// fan-out hub over a WebSocket.
//
// The API does not authenticate. An upstream auth collaborator sets
// X-Vigil-Role (subject or supervisor) and X-Vigil-Subject on every
// request; subjects may only touch their own sessions, and only
// supervisors may read exam-wide views, verify chains, export
// evidence, or subscribe to a whole exam.
//
// Every JSON response uses the envelope {"success": bool, "data": ...}
// or {"success": false, "message": ...}.
package httpapi
