// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds vigil's CBOR configuration.
//
// JSON is the format for everything a browser or operator sees: the
// REST API, the observer socket, CLI output. CBOR is the format for
// bytes vigil keeps for itself: event detail blobs in SQLite, the
// canonical event encoding that feeds the log's hash chain, and
// evidence export bundles.
//
// Encoding is RFC 8949 Core Deterministic (sorted map keys, shortest
// integers, definite lengths), so the same event always hashes to the
// same value. Times encode as RFC 3339 strings with nanoseconds.
//
//	blob, err := codec.Marshal(event.Detail)
//	err = codec.Unmarshal(blob, &detail)
package codec
