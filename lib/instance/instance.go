// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"cmp"
	"fmt"
	"strings"
)

// Ident uniquely identifies one runnable unit on the node: the service
// it instantiates, the subject (owner) it runs for, and the instance
// index within that (service, subject) pair.
//
// Idents are totally ordered (ServiceID, then SubjectID, then Instance)
// so that maps keyed by Ident can be walked deterministically and
// status reports are stable across runs.
type Ident struct {
	ServiceID string `cbor:"service_id" json:"service_id"`
	SubjectID string `cbor:"subject_id" json:"subject_id"`
	Instance  uint64 `cbor:"instance" json:"instance"`
}

// Compare orders idents by ServiceID, SubjectID, Instance. Returns
// -1, 0, or +1 in the manner of cmp.Compare.
func (i Ident) Compare(other Ident) int {
	if c := strings.Compare(i.ServiceID, other.ServiceID); c != 0 {
		return c
	}
	if c := strings.Compare(i.SubjectID, other.SubjectID); c != 0 {
		return c
	}
	return cmp.Compare(i.Instance, other.Instance)
}

// Less reports whether i orders before other.
func (i Ident) Less(other Ident) bool { return i.Compare(other) < 0 }

// Valid reports whether the ident is well-formed: both string fields
// non-empty and free of NUL bytes (which would corrupt env-var and
// path construction downstream).
func (i Ident) Valid() bool {
	if i.ServiceID == "" || i.SubjectID == "" {
		return false
	}
	if strings.ContainsRune(i.ServiceID, 0) || strings.ContainsRune(i.SubjectID, 0) {
		return false
	}
	return true
}

// String renders the ident as "service:subject:index".
func (i Ident) String() string {
	return fmt.Sprintf("%s:%s:%d", i.ServiceID, i.SubjectID, i.Instance)
}

// ResourceLimits bounds an instance's resource use. Zero means
// unlimited for the corresponding resource.
type ResourceLimits struct {
	// CPUQuotaPercent caps CPU use as a percentage of one core.
	// 200 means two full cores.
	CPUQuotaPercent uint32 `cbor:"cpu_quota_percent" json:"cpu_quota_percent"`

	// RAMBytes caps resident memory.
	RAMBytes uint64 `cbor:"ram_bytes" json:"ram_bytes"`

	// StorageBytes caps the persistent storage directory.
	StorageBytes uint64 `cbor:"storage_bytes" json:"storage_bytes"`

	// StateBytes caps the instance state directory.
	StateBytes uint64 `cbor:"state_bytes" json:"state_bytes"`
}

// Info is the desired-state record for one instance, supplied by the
// control plane and persisted across restarts. Immutable within a
// reconcile cycle; replaced wholesale across cycles.
type Info struct {
	Ident Ident `cbor:"ident" json:"ident"`

	// UID is the OS user the instance runs as.
	UID uint32 `cbor:"uid" json:"uid"`

	// Priority orders instance starts within a cycle. Higher starts
	// earlier.
	Priority uint64 `cbor:"priority" json:"priority"`

	// StoragePath is the instance's persistent storage directory.
	StoragePath string `cbor:"storage_path" json:"storage_path"`

	// StatePath is the instance's state directory.
	StatePath string `cbor:"state_path" json:"state_path"`

	// Limits bounds the instance's resource use.
	Limits ResourceLimits `cbor:"limits" json:"limits"`
}

// Equal reports whether two desired-state records are identical in
// every field.
func (i Info) Equal(other Info) bool { return i == other }

// ServiceInfo describes one desired service version, as supplied by
// the control plane in a goal state.
type ServiceInfo struct {
	ServiceID  string `cbor:"service_id" json:"service_id"`
	ProviderID string `cbor:"provider_id" json:"provider_id"`
	Version    string `cbor:"version" json:"version"`

	// GID is the OS group that owns the materialized service files.
	GID uint32 `cbor:"gid" json:"gid"`

	// URL is where the service artifact can be fetched from. Keel
	// never fetches it; the field is carried for the transfer agent.
	URL string `cbor:"url" json:"url"`

	// Digest is the content digest of the service artifact, in
	// "blake3:<hex>" form.
	Digest string `cbor:"digest" json:"digest"`

	// Size is the artifact size in bytes.
	Size uint64 `cbor:"size" json:"size"`
}

// ServiceData is a service version resolved to a local path by the
// service manager.
type ServiceData struct {
	ServiceID string `cbor:"service_id" json:"service_id"`
	Version   string `cbor:"version" json:"version"`
	Path      string `cbor:"path" json:"path"`
}

// LayerInfo describes an auxiliary artifact referenced by services.
// Opaque to the launcher: forwarded to the service manager on cycle
// start, never interpreted.
type LayerInfo struct {
	LayerID string `cbor:"layer_id" json:"layer_id"`
	Version string `cbor:"version" json:"version"`
	Digest  string `cbor:"digest" json:"digest"`
	URL     string `cbor:"url" json:"url"`
	Size    uint64 `cbor:"size" json:"size"`
}

// RunStatus is a runner-reported status for one instance.
type RunStatus struct {
	Ident Ident
	State State

	// Err describes the failure when State is Failed, nil otherwise.
	Err error
}

// Status is one entry of a status report published to the control
// plane: either a full snapshot at the end of a reconcile cycle or a
// delta for an asynchronous change.
type Status struct {
	Ident Ident

	// ServiceVersion is the version of the service the instance was
	// launched from.
	ServiceVersion string

	State State

	// Err describes the failure when State is Failed, nil otherwise.
	Err error
}
