// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// vigilctl is the operator tool for vigil-service. It lists and
// summarizes an exam's sessions, follows them live, verifies session
// hash chains, and downloads and opens evidence bundles.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := root().Execute(os.Args[1:]); err != nil {
		var coded interface{ ExitCode() int }
		if errors.As(err, &coded) {
			os.Exit(coded.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
