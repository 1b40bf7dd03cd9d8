// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// keel-launcher is the host binary for the Keel launcher core: it
// wires the reconciliation engine to its on-node collaborators — the
// SQLite state store, the service image directory, the runtime-spec
// producer, and the process runner — and runs until signaled.
//
// The control-plane transport is not part of this binary; an
// embedding integration calls the launcher's public operations and
// provides the status receiver. The reference receiver here logs
// every report, which is what you want on a bench node.
package main
