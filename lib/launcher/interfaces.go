// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"errors"
	"time"

	"github.com/bureau-foundation/keel/lib/envoverride"
	"github.com/bureau-foundation/keel/lib/instance"
)

// ErrAlreadyStopped is returned by Runner.StopInstance when the
// instance was not running. The launcher treats it as success.
var ErrAlreadyStopped = errors.New("launcher: instance already stopped")

// Runner drives the node's process or container runtime. The launcher
// calls StartInstance and StopInstance from worker goroutines; the
// runner pushes asynchronous state changes back through
// Launcher.UpdateRunStatus.
type Runner interface {
	// StartInstance starts an instance from the runtime spec in
	// runtimeDir and returns its initial run status. A failure to
	// start is reported in the returned status, not as a separate
	// error.
	StartInstance(info instance.Info, runtimeDir string) instance.RunStatus

	// StopInstance stops a running instance. Returns
	// ErrAlreadyStopped (possibly wrapped) when the instance was not
	// running; the launcher treats that as success.
	StopInstance(id instance.Ident) error
}

// ServiceManager materializes service images on local disk and
// resolves service IDs to paths. Keel never fetches artifacts itself.
type ServiceManager interface {
	// ProcessDesiredServices informs the service manager of the
	// desired service and layer set for the coming cycle. An error
	// is an infrastructure fault and aborts the cycle; per-service
	// problems (missing or corrupt artifacts) surface later through
	// ServicePath.
	ProcessDesiredServices(services []instance.ServiceInfo, layers []instance.LayerInfo) error

	// ServicePath returns the local directory of the service's
	// materialized image. An error marks the service broken for the
	// cycle: instances referencing it fail without the runner ever
	// being invoked.
	ServicePath(serviceID string) (string, error)

	// ServiceVersion returns the installed version of the service.
	ServiceVersion(serviceID string) (string, error)
}

// SpecProducer generates the serialized runtime spec the runner
// consumes.
type SpecProducer interface {
	// Produce writes the runtime spec for one instance — built from
	// the service image at servicePath, the instance record, and the
	// effective env overlay — and returns the runtime directory
	// containing it.
	Produce(servicePath string, info instance.Info, env map[string]string) (runtimeDir string, err error)
}

// StatusReceiver consumes status reports bound for the control plane.
type StatusReceiver interface {
	// InstancesRunStatus delivers a full snapshot at the end of every
	// reconcile cycle.
	InstancesRunStatus(statuses []instance.Status) error

	// InstancesUpdateStatus delivers deltas for asynchronous state
	// changes outside any cycle.
	InstancesUpdateStatus(statuses []instance.Status) error
}

// Storage persists the launcher's durable state: the instance set,
// the operation version, the override env-var set, and the node's
// last-online time. Implementations must provide atomic single-record
// writes; Keel requires nothing stronger.
type Storage interface {
	AddInstance(info instance.Info) error
	UpdateInstance(info instance.Info) error
	RemoveInstance(id instance.Ident) error

	// Instances returns all stored instance records.
	Instances() ([]instance.Info, error)

	// OperationVersion returns the persisted operation version, or 0
	// when none has been stored yet.
	OperationVersion() (uint64, error)
	SetOperationVersion(version uint64) error

	// OverrideEnvVars returns the persisted override set, or an
	// empty set when none has been stored yet.
	OverrideEnvVars() ([]envoverride.Override, error)
	SetOverrideEnvVars(overrides []envoverride.Override) error

	// OnlineTime returns the node's last recorded online time, or
	// the zero time when none has been stored yet.
	OnlineTime() (time.Time, error)
	SetOnlineTime(t time.Time) error
}

// ConnectionSubscriber receives cloud connectivity transitions. The
// launcher implements it and registers itself with the publisher at
// Start.
type ConnectionSubscriber interface {
	OnConnect()
	OnDisconnect()
}

// ConnectionPublisher delivers cloud connect/disconnect events to
// subscribers.
type ConnectionPublisher interface {
	Subscribe(s ConnectionSubscriber) error
	Unsubscribe(s ConnectionSubscriber)
}
