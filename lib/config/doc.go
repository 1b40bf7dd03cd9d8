// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Keel.
//
// Configuration is loaded from a single YAML file specified by:
//   - the KEEL_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery; environment
// variables do not override file values. This keeps node
// configuration deterministic and auditable. The only expansion
// performed is ${VAR} substitution in paths for portability.
package config
