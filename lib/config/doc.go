// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for vigil's
// binaries.
//
// Configuration is loaded from a single file named by either the
// VIGIL_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no automatic file search.
//
// The file may carry development, staging, and production sections
// that override server, storage, sessions, and logging when
// [Config].Environment matches. Production logs as JSON unless told
// otherwise.
//
// Path fields expand ${HOME}, ${VIGIL_ROOT}, and ${VAR:-default} after
// loading. No other environment variables override config values.
package config
