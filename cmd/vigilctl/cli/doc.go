// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree behind vigilctl.
//
// A [Command] has a name, an optional [pflag.FlagSet] factory, and
// either nested subcommands or a Run function. [Command.Execute]
// parses flags, dispatches, and prints help. An unknown subcommand or
// flag gets a "did you mean" suggestion when one is within an edit
// distance of three.
package cli
