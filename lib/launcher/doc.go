// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package launcher reconciles a declarative goal state — services,
// layers, and instances supplied by the control plane — against the
// set of service instances actually running on the node.
//
// The launcher is a long-lived component with a single dispatching
// path (public mutating operations are serialized, callers observe
// back-pressure rather than interleaving) and a fixed-size worker
// pool that performs per-instance start and stop work in parallel.
// Collaborators — the process runner, the service manager, the
// runtime-spec producer, storage, and the status receiver — are
// injected at construction as small capability interfaces.
//
// One call to RunInstances is one reconcile cycle: push the desired
// services to the service manager, diff desired against live, stop
// removed and restarted instances, start new ones in priority order,
// persist the new instance set, and publish a full status snapshot.
// Per-instance failures are statuses, not cycle failures; only
// infrastructure faults (storage, service manager) abort a cycle, and
// those roll the in-memory model back to the pre-cycle snapshot.
package launcher
