// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package envoverride manages control-plane-supplied environment
// variable overrides. An override targets instances through a
// selector (any subset of the instance ident fields, unset meaning
// wildcard) and carries a list of variables, each with an optional
// expiry.
//
// At instance launch the launcher asks for the instance's overlay:
// the merged set of matching, unexpired variables. More specific
// selectors win over less specific ones; among equally specific
// matches the later entry in the override set wins. Insertion order
// is the deterministic tiebreak — the serialized form carries no
// other stable ordering.
package envoverride
