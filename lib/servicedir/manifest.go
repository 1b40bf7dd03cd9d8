// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicedir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestName is the manifest file every service image must carry at
// its root.
const ManifestName = "manifest.json"

// Manifest describes how to run a service image.
type Manifest struct {
	// Entrypoint is the command line, relative to the image root or
	// absolute. Must be non-empty.
	Entrypoint []string `json:"entrypoint"`

	// WorkingDir is the process working directory inside the image.
	// Empty means the image root.
	WorkingDir string `json:"working_dir,omitempty"`

	// Env is the image's default environment, as KEY=VALUE entries.
	// Override env vars from the control plane replace colliding
	// keys.
	Env []string `json:"env,omitempty"`
}

// ReadManifest loads and validates the manifest of an unpacked image.
func ReadManifest(imageDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(imageDir, ManifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest in %s: %w", imageDir, err)
	}
	if len(manifest.Entrypoint) == 0 {
		return Manifest{}, fmt.Errorf("manifest in %s has no entrypoint", imageDir)
	}
	return manifest, nil
}
