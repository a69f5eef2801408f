// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package evidence stores camera frames outside the event log and
// exports a session's record for review.
//
// Frames are content-addressed: a handle is "blake3:" followed by the
// hex digest of the frame bytes, so the log can reference a frame
// without holding it and a reviewer can check that the frame was not
// replaced. Frames are LZ4-compressed at rest when that saves space.
//
// An export bundle is CBOR, zstd-compressed, and optionally sealed with
// age to one or more X25519 recipients.
package evidence
