// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/keel/lib/clock"
	"github.com/bureau-foundation/keel/lib/envoverride"
	"github.com/bureau-foundation/keel/lib/instance"
	"github.com/bureau-foundation/keel/lib/workpool"
)

// OperationVersion gates forward compatibility of persisted state.
// Bump it whenever the on-disk layout of dependent state changes in a
// way existing instances cannot survive: on startup, a persisted
// value lower than this constant purges all stored instance records
// before the first reconcile.
const OperationVersion = 9

// Defaults for Config fields left zero.
const (
	defaultPoolSize     = 5
	defaultMaxInstances = 64
	defaultMaxServices  = 64
	defaultMaxLayers    = 64
)

// Config carries the launcher's per-process configuration. The zero
// value is usable; all fields have defaults.
type Config struct {
	// PoolSize is the number of parallel start/stop workers.
	PoolSize int

	// QueueCapacity bounds the worker pool's task queue. Defaults to
	// the largest of the three maxima, which guarantees a full phase
	// can always be submitted without deadlocking the dispatcher.
	QueueCapacity int

	// MaxInstances, MaxServices, and MaxLayers bound goal-state
	// inputs. Larger inputs are rejected with an invalid-argument
	// error — a safety guarantee against runaway resource use on
	// embedded targets, not an optimization.
	MaxInstances int
	MaxServices  int
	MaxLayers    int

	// Logger receives operational messages. Nil discards output.
	Logger *slog.Logger

	// Clock supplies the current time for override expiry and
	// online-time records. Nil uses the real clock.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = defaultMaxInstances
	}
	if c.MaxServices <= 0 {
		c.MaxServices = defaultMaxServices
	}
	if c.MaxLayers <= 0 {
		c.MaxLayers = defaultMaxLayers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = max(c.MaxInstances, c.MaxServices, c.MaxLayers)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// Deps are the launcher's collaborators, injected at construction.
// All are required except Connections.
type Deps struct {
	Runner   Runner
	Services ServiceManager
	Specs    SpecProducer
	Status   StatusReceiver
	Storage  Storage

	// Connections, when non-nil, delivers cloud connectivity events.
	// The launcher subscribes at Start and unsubscribes at Stop.
	Connections ConnectionPublisher
}

// Launcher reconciles goal state against running instances. Create
// with New, then call Start before the first operation and Stop on
// the way down.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock

	runner      Runner
	services    ServiceManager
	specs       SpecProducer
	status      StatusReceiver
	storage     Storage
	connections ConnectionPublisher

	overrides *envoverride.Manager
	pool      *workpool.Pool

	// dispatch serializes public mutating operations. A caller whose
	// reconcile is in progress blocks the next caller — back-pressure,
	// never interleaving.
	dispatch sync.Mutex

	// publishMu serializes messages to the status receiver so delta
	// publications never interleave with a cycle's snapshot.
	publishMu sync.Mutex

	// mu guards the fields below. Held only for map and flag
	// mutation, never across runner, spec-producer, or storage calls.
	mu            sync.Mutex
	live          map[instance.Ident]*record
	cache         *serviceCache
	cycleActive   bool
	cycleStops    map[instance.Ident]bool
	pendingDeltas []instance.Status
	connected     bool
	connectedOnce bool
	closed        bool

	// replay tracks the goroutines spawned for connect handling so
	// Stop can wait them out.
	replay sync.WaitGroup
}

// New creates a launcher. Returns an error when a required
// collaborator is missing.
func New(cfg Config, deps Deps) (*Launcher, error) {
	switch {
	case deps.Runner == nil:
		return nil, fmt.Errorf("launcher: Runner is required")
	case deps.Services == nil:
		return nil, fmt.Errorf("launcher: ServiceManager is required")
	case deps.Specs == nil:
		return nil, fmt.Errorf("launcher: SpecProducer is required")
	case deps.Status == nil:
		return nil, fmt.Errorf("launcher: StatusReceiver is required")
	case deps.Storage == nil:
		return nil, fmt.Errorf("launcher: Storage is required")
	}

	cfg.applyDefaults()

	return &Launcher{
		cfg:         cfg,
		logger:      cfg.Logger,
		clk:         cfg.Clock,
		runner:      deps.Runner,
		services:    deps.Services,
		specs:       deps.Specs,
		status:      deps.Status,
		storage:     deps.Storage,
		connections: deps.Connections,
		overrides:   envoverride.NewManager(cfg.Clock, cfg.Logger),
		pool:        workpool.New(cfg.PoolSize, cfg.QueueCapacity, cfg.Logger),
		live:        make(map[instance.Ident]*record),
		cache:       newServiceCache(),
	}, nil
}

// Start brings the launcher up: applies the operation-version gate,
// loads the persisted override set, subscribes to connectivity
// events, and replays the persisted instance set through the start
// phase.
func (l *Launcher) Start() error {
	l.dispatch.Lock()
	defer l.dispatch.Unlock()

	if l.isClosed() {
		return Errorf(KindShutdown, "launcher is stopped")
	}

	if err := l.applyOperationVersion(); err != nil {
		return err
	}

	overrides, err := l.storage.OverrideEnvVars()
	if err != nil {
		return fmt.Errorf("loading override env vars: %w", err)
	}
	l.overrides.Load(overrides)

	if l.connections != nil {
		if err := l.connections.Subscribe(l); err != nil {
			return fmt.Errorf("subscribing to connection events: %w", err)
		}
	}

	return l.runLastInstancesLocked()
}

// Stop shuts the launcher down: marks it closed, waits for any
// in-flight cycle and connect replay to finish, and drains the worker
// pool. In-flight jobs run to completion; subsequent public calls
// fail with a shutdown error. Idempotent.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.connections != nil {
		l.connections.Unsubscribe(l)
	}

	// Wait for connect-replay goroutines, then for any in-flight
	// cycle to release the dispatcher, before draining workers.
	l.replay.Wait()
	l.dispatch.Lock()
	l.dispatch.Unlock() //nolint:staticcheck // empty critical section is the barrier

	l.pool.Shutdown()

	l.logger.Info("launcher stopped")
	return nil
}

// RunInstances atomically replaces the goal state and runs one
// reconcile cycle. Fails fast with an invalid-argument error when the
// input is malformed or exceeds the configured maxima. Per-instance
// launch failures are reported through status channels, not through
// the returned error; only infrastructure faults fail the cycle.
func (l *Launcher) RunInstances(services []instance.ServiceInfo, layers []instance.LayerInfo, instances []instance.Info, forceRestart bool) error {
	if err := l.validateGoalState(services, layers, instances); err != nil {
		return err
	}

	l.dispatch.Lock()
	defer l.dispatch.Unlock()

	if l.isClosed() {
		return Errorf(KindShutdown, "launcher is stopped")
	}

	if forceRestart {
		l.logger.Info("restart instances", "instances", len(instances))
	} else {
		l.logger.Info("run instances", "instances", len(instances))
	}

	return l.runCycle(services, layers, instances, forceRestart)
}

// OverrideEnvVars replaces the override env-var set. Each entry is
// validated and answered individually; the accepted subset is
// persisted and instances whose effective overlay changed are
// restarted so the new variables take effect.
func (l *Launcher) OverrideEnvVars(overrides []envoverride.Override) ([]envoverride.Status, error) {
	l.dispatch.Lock()
	defer l.dispatch.Unlock()

	if l.isClosed() {
		return nil, Errorf(KindShutdown, "launcher is stopped")
	}

	l.logger.Info("override env vars", "entries", len(overrides))

	l.mu.Lock()
	idents := make([]instance.Ident, 0, len(l.live))
	for ident := range l.live {
		idents = append(idents, ident)
	}
	l.mu.Unlock()

	known := func(s envoverride.Selector) bool {
		for _, ident := range idents {
			if s.Matches(ident) {
				return true
			}
		}
		return false
	}

	// Capture the pre-change overlays so only instances whose
	// effective environment actually changed get restarted.
	before := make(map[instance.Ident]map[string]string, len(idents))
	for _, ident := range idents {
		before[ident] = l.overrides.Overlay(ident)
	}

	previous := l.overrides.Snapshot()
	statuses := l.overrides.Replace(overrides, known)

	if err := l.storage.SetOverrideEnvVars(l.overrides.Snapshot()); err != nil {
		// Keep memory and disk consistent: revert to the set that is
		// still persisted.
		l.overrides.Load(previous)
		return nil, fmt.Errorf("persisting override env vars: %w", err)
	}

	var affected []instance.Ident
	for _, ident := range idents {
		if !equalOverlay(before[ident], l.overrides.Overlay(ident)) {
			affected = append(affected, ident)
		}
	}

	if len(affected) > 0 {
		l.restartInstances(affected)
	}

	return statuses, nil
}

// SetCloudConnection records the cloud connectivity flag. The first
// transition to connected after boot replays the persisted instance
// set; the call itself never blocks on that work.
func (l *Launcher) SetCloudConnection(connected bool) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Errorf(KindShutdown, "launcher is stopped")
	}

	first := false
	if connected {
		l.connected = true
		if !l.connectedOnce {
			l.connectedOnce = true
			first = true
		}
	} else {
		l.connected = false
	}
	l.mu.Unlock()

	l.logger.Info("cloud connection changed", "connected", connected, "first", first)

	if !connected {
		return nil
	}

	l.replay.Add(1)
	go func(first bool) {
		defer l.replay.Done()

		l.dispatch.Lock()
		defer l.dispatch.Unlock()

		if l.isClosed() {
			return
		}
		if err := l.storage.SetOnlineTime(l.clk.Now()); err != nil {
			l.logger.Error("recording online time", "error", err)
		}
		if first {
			if err := l.runLastInstancesLocked(); err != nil {
				l.logger.Error("running last instances on first connect", "error", err)
			}
		}
	}(first)

	return nil
}

// OnConnect implements ConnectionSubscriber.
func (l *Launcher) OnConnect() {
	if err := l.SetCloudConnection(true); err != nil {
		l.logger.Error("handling connect event", "error", err)
	}
}

// OnDisconnect implements ConnectionSubscriber.
func (l *Launcher) OnDisconnect() {
	if err := l.SetCloudConnection(false); err != nil {
		l.logger.Error("handling disconnect event", "error", err)
	}
}

// isClosed reads the closed flag under the state mutex.
func (l *Launcher) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// applyOperationVersion enforces the operation-version gate: a
// persisted version lower than OperationVersion purges all stored
// instance records before the first reconcile.
func (l *Launcher) applyOperationVersion() error {
	stored, err := l.storage.OperationVersion()
	if err != nil {
		return fmt.Errorf("reading operation version: %w", err)
	}

	if stored < OperationVersion {
		l.logger.Info("operation version behind, purging stored instances",
			"stored", stored,
			"current", OperationVersion,
		)
		infos, err := l.storage.Instances()
		if err != nil {
			return fmt.Errorf("reading stored instances for purge: %w", err)
		}
		for _, info := range infos {
			if err := l.storage.RemoveInstance(info.Ident); err != nil {
				return fmt.Errorf("purging instance %s: %w", info.Ident, err)
			}
		}
		if err := l.storage.SetOperationVersion(OperationVersion); err != nil {
			return fmt.Errorf("recording operation version: %w", err)
		}
	}

	return nil
}

// validateGoalState rejects malformed or oversized goal states before
// any work is scheduled.
func (l *Launcher) validateGoalState(services []instance.ServiceInfo, layers []instance.LayerInfo, instances []instance.Info) error {
	if len(instances) > l.cfg.MaxInstances {
		return Errorf(KindInvalidArgument, "%d instances exceed the configured maximum %d", len(instances), l.cfg.MaxInstances)
	}
	if len(services) > l.cfg.MaxServices {
		return Errorf(KindInvalidArgument, "%d services exceed the configured maximum %d", len(services), l.cfg.MaxServices)
	}
	if len(layers) > l.cfg.MaxLayers {
		return Errorf(KindInvalidArgument, "%d layers exceed the configured maximum %d", len(layers), l.cfg.MaxLayers)
	}

	known := make(map[string]bool, len(services))
	for _, s := range services {
		if s.ServiceID == "" {
			return Errorf(KindInvalidArgument, "service with empty ID")
		}
		known[s.ServiceID] = true
	}

	seen := make(map[instance.Ident]bool, len(instances))
	for _, info := range instances {
		if !info.Ident.Valid() {
			return Errorf(KindInvalidArgument, "malformed instance ident %q", info.Ident)
		}
		if seen[info.Ident] {
			return Errorf(KindInvalidArgument, "duplicate instance %s", info.Ident)
		}
		seen[info.Ident] = true
		if !known[info.Ident.ServiceID] {
			return Errorf(KindInvalidArgument, "instance %s references service %q absent from the goal state", info.Ident, info.Ident.ServiceID)
		}
	}

	return nil
}

// equalOverlay compares two env overlays for equality.
func equalOverlay(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for name, value := range a {
		if other, ok := b[name]; !ok || other != value {
			return false
		}
	}
	return true
}
