// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statestore persists the launcher's durable state in a local
// SQLite database: the instance set keyed by instance ident, the
// operation version, the override env-var set, and the node's last
// online time.
//
// Every write is a single-row statement, giving the launcher the
// atomic single-record semantics it requires without explicit
// transactions. The override set is stored as one deterministic CBOR
// blob — it is always replaced wholesale, never patched.
package statestore
