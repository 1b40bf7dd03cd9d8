// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package instance defines the data model shared by the Keel launcher
// and its collaborators: instance identity, desired-state records,
// service and layer descriptors, the per-instance lifecycle state
// machine, and the status types reported back to the control plane.
//
// All types are plain values. The launcher snapshots them per
// reconcile cycle and never mutates a caller's copy.
package instance
