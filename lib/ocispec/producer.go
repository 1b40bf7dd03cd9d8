// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ocispec

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bureau-foundation/keel/lib/instance"
	"github.com/bureau-foundation/keel/lib/servicedir"
)

// cpuPeriodMicros is the CFS period the CPU quota is expressed
// against. 100ms is the kernel default.
const cpuPeriodMicros = 100_000

// Producer writes per-instance runtime specs under a run root.
type Producer struct {
	runRoot string
	logger  *slog.Logger
}

// New creates a producer writing under runRoot, creating the
// directory if needed.
func New(runRoot string, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(runRoot, 0o755); err != nil {
		return nil, fmt.Errorf("ocispec: creating run root %s: %w", runRoot, err)
	}
	return &Producer{runRoot: runRoot, logger: logger}, nil
}

// Produce builds the runtime spec for one instance and writes it to
// the instance's runtime directory, returning that directory. The env
// overlay replaces colliding keys from the image's default
// environment.
func (p *Producer) Produce(servicePath string, info instance.Info, env map[string]string) (string, error) {
	manifest, err := servicedir.ReadManifest(servicePath)
	if err != nil {
		return "", fmt.Errorf("ocispec: %w", err)
	}

	spec := Spec{
		Version: SpecVersion,
		Process: Process{
			Args: manifest.Entrypoint,
			Cwd:  workingDir(manifest),
			Env:  mergeEnv(manifest.Env, info, env),
			User: User{UID: info.UID},
		},
		Root: Root{Path: servicePath, Readonly: true},
	}

	if info.StoragePath != "" {
		spec.Mounts = append(spec.Mounts, Mount{
			Destination: "/storage",
			Source:      info.StoragePath,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}
	if info.StatePath != "" {
		spec.Mounts = append(spec.Mounts, Mount{
			Destination: "/state",
			Source:      info.StatePath,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}

	if resources := resourcesFor(info.Limits); resources != nil {
		spec.Linux = &Linux{Resources: resources}
	}

	runtimeDir := filepath.Join(p.runRoot, runtimeDirName(info.Ident))
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return "", fmt.Errorf("ocispec: creating runtime dir %s: %w", runtimeDir, err)
	}
	if err := writeSpec(filepath.Join(runtimeDir, SpecName), spec); err != nil {
		return "", fmt.Errorf("ocispec: %w", err)
	}

	p.logger.Debug("runtime spec written", "instance", info.Ident, "dir", runtimeDir)
	return runtimeDir, nil
}

// workingDir resolves the process cwd: the manifest's working dir, or
// the image root.
func workingDir(manifest servicedir.Manifest) string {
	if manifest.WorkingDir != "" {
		return manifest.WorkingDir
	}
	return "/"
}

// mergeEnv combines the image's default environment, the instance
// identity variables, and the override overlay. Overlay values
// replace colliding keys; the result is sorted for deterministic
// specs.
func mergeEnv(defaults []string, info instance.Info, overlay map[string]string) []string {
	merged := make(map[string]string, len(defaults)+len(overlay)+3)
	for _, entry := range defaults {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			continue
		}
		merged[name] = value
	}

	merged["KEEL_SERVICE_ID"] = info.Ident.ServiceID
	merged["KEEL_SUBJECT_ID"] = info.Ident.SubjectID
	merged["KEEL_INSTANCE_INDEX"] = fmt.Sprintf("%d", info.Ident.Instance)

	for name, value := range overlay {
		merged[name] = value
	}

	entries := make([]string, 0, len(merged))
	for name, value := range merged {
		entries = append(entries, name+"="+value)
	}
	sort.Strings(entries)
	return entries
}

// resourcesFor converts the limits block, returning nil when every
// limit is unset.
func resourcesFor(limits instance.ResourceLimits) *Resources {
	var resources Resources
	if limits.RAMBytes > 0 {
		resources.Memory = &Memory{Limit: int64(limits.RAMBytes)}
	}
	if limits.CPUQuotaPercent > 0 {
		resources.CPU = &CPU{
			Quota:  int64(limits.CPUQuotaPercent) * cpuPeriodMicros / 100,
			Period: cpuPeriodMicros,
		}
	}
	if resources.Memory == nil && resources.CPU == nil {
		return nil
	}
	return &resources
}

// runtimeDirName renders an ident as a single path component.
func runtimeDirName(id instance.Ident) string {
	name := fmt.Sprintf("%s-%s-%d", id.ServiceID, id.SubjectID, id.Instance)
	return strings.ReplaceAll(name, string(os.PathSeparator), "_")
}

// writeSpec writes the spec atomically: temporary file in the same
// directory, fsync, rename.
func writeSpec(path string, spec Spec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling spec: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary spec file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary spec file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary spec file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary spec file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming spec file into place: %w", err)
	}
	return nil
}

// ReadSpec loads a spec previously written by Produce. Used by the
// process runner.
func ReadSpec(runtimeDir string) (Spec, error) {
	data, err := os.ReadFile(filepath.Join(runtimeDir, SpecName))
	if err != nil {
		return Spec{}, fmt.Errorf("ocispec: reading spec: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("ocispec: parsing spec in %s: %w", runtimeDir, err)
	}
	return spec, nil
}
