// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package servicedir materializes service images on local disk and
// resolves service IDs to image paths for the launcher.
//
// Layout under the configured root:
//
//	artifacts/<hex>.tar.zst   content-addressed artifacts, placed by
//	                          an external transfer agent
//	images/<service>/<ver>/   unpacked service images
//
// An artifact is a zstd-compressed tar whose digest (BLAKE3 over the
// compressed bytes) must match the digest the control plane supplied
// for the service. A missing artifact or a digest mismatch marks the
// service broken: the launcher fails referencing instances without
// invoking the runner. Each image carries a manifest.json naming the
// entrypoint and default environment.
package servicedir
