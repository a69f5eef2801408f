// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint error handler shared by vigil
// binaries.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits 1. main calls it with
// the error returned by run, before or after the logger exists.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
