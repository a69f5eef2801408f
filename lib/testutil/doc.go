// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by vigil tests.
//
// RequireReceive, RequireSend, and RequireClosed wrap the select with a
// wall-clock fallback so a broken pipeline fails the test instead of
// hanging it. They are the only place tests touch real time; everything
// else runs on clock.Fake.
//
// All helpers fail through t.Fatalf.
package testutil
