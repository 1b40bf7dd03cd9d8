// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package procrunner runs service instances as plain OS processes
// driven by the runtime specs the launcher's spec producer writes.
//
// Each started instance gets its own process group; Stop signals the
// whole group with SIGTERM and escalates to SIGKILL after a grace
// period. A reaper goroutine watches every process and pushes an
// asynchronous run-status delta to the registered receiver when an
// instance exits on its own.
//
// The runner applies the spec's UID via process credentials when
// running as root; a spec UID of 0 means inherit the runner's own
// credentials.
package procrunner
