// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ocispec produces the serialized runtime spec the runner
// consumes: an OCI-style config.json assembled from a service image's
// manifest, one instance's desired-state record, and the effective
// override env overlay.
//
// The spec is written atomically (temporary file, fsync, rename) into
// a per-instance runtime directory, so the runner never observes a
// partial spec.
package ocispec
