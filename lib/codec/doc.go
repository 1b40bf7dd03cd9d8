// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Keel's standard binary serialization: CBOR
// with Core Deterministic Encoding (RFC 8949 §4.2).
//
// Deterministic encoding matters for persisted state: the same logical
// value always produces identical bytes, so stored blobs (override
// env-var sets, resource-limit records) can be compared byte-for-byte
// to detect changes without decoding.
//
// Consumers import only this package, never fxamacker/cbor directly,
// so encoder options stay consistent across the tree.
package codec
