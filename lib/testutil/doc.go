// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small helpers shared by Keel tests:
// channel operations with timeout safety valves so a buggy component
// fails a test instead of hanging the whole run.
//
// The helpers accept a minimal testing interface (Helper + Fatalf)
// rather than *testing.T so they work from helpers that wrap the
// testing type.
package testutil
