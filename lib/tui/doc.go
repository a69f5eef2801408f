// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package tui holds the colors and change highlighting shared by
// vigil's terminal dashboards.
package tui
