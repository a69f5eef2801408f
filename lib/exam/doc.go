// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package exam is the read-only exam definition consumed by the
// monitoring pipeline, and the scorer invoked once when a session
// completes. Definitions are JSON with comments (.jsonc) loaded from a
// directory.
package exam
