// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package integrity defines the vocabulary shared by every stage of the
// monitoring pipeline: the event types a session can produce, the
// immutable Event record the log stores, and the error taxonomy.
//
// Nothing here has behavior beyond validation. The capture client
// produces EventTypes, the event log turns them into Events, the risk
// machine folds Events into a level, and the fan-out serializes them for
// observers.
package integrity
