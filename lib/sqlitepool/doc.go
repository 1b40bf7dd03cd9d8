// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite's connection pool
// with Keel's standard pragmas: WAL journaling, NORMAL synchronous
// mode, and a busy timeout sized for an edge node where the launcher
// is the only writer but diagnostics may read concurrently.
//
// Callers Take a connection, use it, and Put it back — usually via
// defer. Individual connections are not safe for concurrent use; the
// pool is.
package sqlitepool
