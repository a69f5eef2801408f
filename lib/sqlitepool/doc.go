// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database shared by the event log
// and the session store.
//
// Every connection gets the same pragmas (WAL, synchronous=NORMAL, a
// five second busy timeout) and then the caller's schema script, so a
// store never has to remember which connection was initialized. Writes
// go through Pool.Write, which holds an IMMEDIATE transaction so the
// write lock is taken up front instead of on first write:
//
//	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, insertEvent, &sqlitex.ExecOptions{Args: args})
//	})
//
// Readers Take a connection and run plain queries; WAL lets them
// proceed while a writer holds the lock.
package sqlitepool
