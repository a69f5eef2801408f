// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package fanout pushes integrity events and risk changes to live
// observers. Delivery is at-most-once and best effort: a subscriber
// whose buffer is full loses the message, and the publisher never
// waits. Observers that connect late re-fetch a session snapshot; the
// event log, not this package, is the system of record.
//
// A [Hub] owns the session-keyed and exam-keyed subscriber maps and is
// injected where it is needed. Extra transports attach as [Sink]s; the
// [MQTTBridge] republishes every message to a broker.
package fanout
