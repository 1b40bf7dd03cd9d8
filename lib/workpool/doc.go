// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workpool provides a fixed-size worker pool with a bounded
// task queue, used by the launcher to run per-instance start and stop
// jobs in parallel.
//
// The pool exposes exactly three operations: Submit (blocks when the
// queue is full), WaitDrain (blocks until every submitted job has
// completed), and Shutdown. Jobs must not touch shared mutable state
// except through values they capture; the pool gives no ordering
// guarantee between jobs.
package workpool
