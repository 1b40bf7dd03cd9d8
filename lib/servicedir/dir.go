// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicedir

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/keel/lib/instance"
)

// ErrNotFound is returned when a service ID has never been installed.
var ErrNotFound = errors.New("servicedir: service not installed")

// ErrBroken is returned when a service's artifact is missing or
// failed verification. The resolution error wraps it with detail.
var ErrBroken = errors.New("servicedir: service artifact unusable")

// installed tracks one service's materialization state.
type installed struct {
	version string
	path    string

	// broken records why the most recent install attempt failed.
	// Cleared on the next successful install.
	broken error
}

// Dir materializes service images under a root directory and resolves
// service IDs to image paths. Safe for concurrent use.
type Dir struct {
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	services map[string]*installed
}

// New opens (creating if needed) a service directory rooted at root
// and indexes images already unpacked by a previous run.
func New(root string, logger *slog.Logger) (*Dir, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for _, dir := range []string{root, filepath.Join(root, "artifacts"), filepath.Join(root, "images")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("servicedir: creating %s: %w", dir, err)
		}
	}

	d := &Dir{
		root:     root,
		logger:   logger,
		services: make(map[string]*installed),
	}
	if err := d.scan(); err != nil {
		return nil, err
	}
	return d, nil
}

// scan indexes previously unpacked images so replay after a restart
// can resolve services before the first goal state arrives.
func (d *Dir) scan() error {
	imagesDir := filepath.Join(d.root, "images")
	serviceEntries, err := os.ReadDir(imagesDir)
	if err != nil {
		return fmt.Errorf("servicedir: scanning %s: %w", imagesDir, err)
	}

	for _, serviceEntry := range serviceEntries {
		if !serviceEntry.IsDir() {
			continue
		}
		serviceID := serviceEntry.Name()
		versionEntries, err := os.ReadDir(filepath.Join(imagesDir, serviceID))
		if err != nil {
			return fmt.Errorf("servicedir: scanning %s: %w", serviceID, err)
		}
		for _, versionEntry := range versionEntries {
			if !versionEntry.IsDir() {
				continue
			}
			version := versionEntry.Name()
			d.services[serviceID] = &installed{
				version: version,
				path:    filepath.Join(imagesDir, serviceID, version),
			}
			d.logger.Debug("indexed installed service", "service", serviceID, "version", version)
		}
	}
	return nil
}

// ProcessDesiredServices brings the installed set in line with the
// desired one: services whose version is already materialized are
// kept, everything else is unpacked from its artifact. A missing or
// corrupt artifact marks the service broken — a per-service outcome,
// not an error. Layers are opaque to Keel and only logged.
func (d *Dir) ProcessDesiredServices(services []instance.ServiceInfo, layers []instance.LayerInfo) error {
	if len(layers) > 0 {
		d.logger.Debug("ignoring opaque layers", "layers", len(layers))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, svc := range services {
		current, ok := d.services[svc.ServiceID]
		if ok && current.broken == nil && current.version == svc.Version {
			continue
		}

		if err := d.installLocked(svc); err != nil {
			d.logger.Error("service install failed, marking broken",
				"service", svc.ServiceID,
				"version", svc.Version,
				"error", err,
			)
			d.services[svc.ServiceID] = &installed{
				version: svc.Version,
				broken:  fmt.Errorf("%w: %w", ErrBroken, err),
			}
			continue
		}

		d.logger.Info("service installed", "service", svc.ServiceID, "version", svc.Version)
	}

	return nil
}

// installLocked unpacks one service's artifact into its image
// directory, verifying the artifact digest first. Replaces any
// previously installed version of the service.
func (d *Dir) installLocked(svc instance.ServiceInfo) error {
	hexPart, err := digestHex(svc.Digest)
	if err != nil {
		return err
	}

	artifactPath := filepath.Join(d.root, "artifacts", hexPart+".tar.zst")
	actual, err := SumFile(artifactPath)
	if err != nil {
		return fmt.Errorf("artifact unavailable: %w", err)
	}
	if actual != svc.Digest {
		return fmt.Errorf("artifact digest mismatch: have %s, want %s", actual, svc.Digest)
	}

	serviceDir := filepath.Join(d.root, "images", svc.ServiceID)
	imageDir := filepath.Join(serviceDir, svc.Version)

	// Old versions of the service go away with the replacement; the
	// launcher has already stopped instances still using them.
	if err := os.RemoveAll(serviceDir); err != nil {
		return fmt.Errorf("removing previous versions: %w", err)
	}
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return fmt.Errorf("creating image directory: %w", err)
	}

	if err := unpackArtifact(artifactPath, imageDir); err != nil {
		os.RemoveAll(serviceDir)
		return err
	}

	if _, err := ReadManifest(imageDir); err != nil {
		os.RemoveAll(serviceDir)
		return fmt.Errorf("image rejected: %w", err)
	}

	d.services[svc.ServiceID] = &installed{version: svc.Version, path: imageDir}
	return nil
}

// ServicePath returns the image directory of an installed service.
func (d *Dir) ServicePath(serviceID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	svc, ok := d.services[serviceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, serviceID)
	}
	if svc.broken != nil {
		return "", fmt.Errorf("service %s: %w", serviceID, svc.broken)
	}
	return svc.path, nil
}

// ServiceVersion returns the installed version of a service.
func (d *Dir) ServiceVersion(serviceID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	svc, ok := d.services[serviceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, serviceID)
	}
	if svc.broken != nil {
		return "", fmt.Errorf("service %s: %w", serviceID, svc.broken)
	}
	return svc.version, nil
}

// unpackArtifact extracts a zstd-compressed tar into destDir. Only
// regular files and directories are materialized; entries that would
// escape destDir are rejected.
func unpackArtifact(artifactPath, destDir string) error {
	file, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("opening zstd stream: %w", err)
	}
	defer decoder.Close()

	reader := tar.NewReader(decoder)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading artifact tar: %w", err)
		}

		name := filepath.Clean(header.Name)
		if name == "." {
			continue
		}
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return fmt.Errorf("artifact entry %q escapes the image directory", header.Name)
		}
		target := filepath.Join(destDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
			}
			if err := writeFile(target, reader, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("artifact entry %q has unsupported type %d", header.Name, header.Typeflag)
		}
	}
}

// writeFile copies one tar entry to disk with the given permissions.
func writeFile(target string, r io.Reader, perm os.FileMode) error {
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", target, err)
	}
	return nil
}
