// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/keel/lib/envoverride"
	"github.com/bureau-foundation/keel/lib/instance"
)

// eventLog records runner invocations in arrival order, shared by the
// fakes so tests can assert cross-phase ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) append(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// fakeRunner implements Runner. Instances start as Running unless a
// failure is injected. An optional gate blocks StartInstance until
// released, for serialization and deferred-publication tests.
type fakeRunner struct {
	log *eventLog

	mu        sync.Mutex
	started   []instance.Ident
	stopped   []instance.Ident
	failStart map[instance.Ident]error
	failStop  map[instance.Ident]error
	gate      chan struct{}

	// gateWaiters counts StartInstance calls currently blocked on the
	// gate, so tests can wait for a cycle to reach the runner.
	gateWaiters int
}

func (r *fakeRunner) StartInstance(info instance.Info, runtimeDir string) instance.RunStatus {
	r.mu.Lock()
	gate := r.gate
	if gate != nil {
		r.gateWaiters++
	}
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	r.started = append(r.started, info.Ident)
	err := r.failStart[info.Ident]
	r.mu.Unlock()

	r.log.append("start " + info.Ident.String())

	if err != nil {
		return instance.RunStatus{Ident: info.Ident, State: instance.Failed, Err: err}
	}
	return instance.RunStatus{Ident: info.Ident, State: instance.Running}
}

func (r *fakeRunner) StopInstance(id instance.Ident) error {
	r.mu.Lock()
	r.stopped = append(r.stopped, id)
	err := r.failStop[id]
	r.mu.Unlock()

	r.log.append("stop " + id.String())
	return err
}

func (r *fakeRunner) startedIdents() []instance.Ident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]instance.Ident(nil), r.started...)
}

func (r *fakeRunner) stoppedIdents() []instance.Ident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]instance.Ident(nil), r.stopped...)
}

// setGate installs a gate channel; StartInstance blocks until the
// channel is closed.
func (r *fakeRunner) setGate(gate chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = gate
}

// fakeServices implements ServiceManager. ProcessDesiredServices
// materializes every listed service under a synthetic path unless the
// service is marked broken.
type fakeServices struct {
	mu         sync.Mutex
	paths      map[string]string
	versions   map[string]string
	broken     map[string]error
	processErr error
	processed  int
}

func newFakeServices() *fakeServices {
	return &fakeServices{
		paths:    make(map[string]string),
		versions: make(map[string]string),
		broken:   make(map[string]error),
	}
}

func (s *fakeServices) ProcessDesiredServices(services []instance.ServiceInfo, layers []instance.LayerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	if s.processErr != nil {
		return s.processErr
	}
	for _, svc := range services {
		if _, bad := s.broken[svc.ServiceID]; bad {
			continue
		}
		s.paths[svc.ServiceID] = filepath.Join("/var/keel/services", svc.ServiceID, svc.Version)
		s.versions[svc.ServiceID] = svc.Version
	}
	return nil
}

func (s *fakeServices) ServicePath(serviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, bad := s.broken[serviceID]; bad {
		return "", err
	}
	path, ok := s.paths[serviceID]
	if !ok {
		return "", fmt.Errorf("service %s not installed", serviceID)
	}
	return path, nil
}

func (s *fakeServices) ServiceVersion(serviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, bad := s.broken[serviceID]; bad {
		return "", err
	}
	version, ok := s.versions[serviceID]
	if !ok {
		return "", fmt.Errorf("service %s not installed", serviceID)
	}
	return version, nil
}

// install registers a materialized service without going through
// ProcessDesiredServices, for replay tests.
func (s *fakeServices) install(serviceID, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[serviceID] = filepath.Join("/var/keel/services", serviceID, version)
	s.versions[serviceID] = version
}

func (s *fakeServices) markBroken(serviceID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken[serviceID] = err
	delete(s.paths, serviceID)
	delete(s.versions, serviceID)
}

// fakeSpecs implements SpecProducer and captures the env overlay each
// instance was launched with.
type fakeSpecs struct {
	mu       sync.Mutex
	envs     map[instance.Ident]map[string]string
	failWith map[instance.Ident]error
}

func newFakeSpecs() *fakeSpecs {
	return &fakeSpecs{
		envs:     make(map[instance.Ident]map[string]string),
		failWith: make(map[instance.Ident]error),
	}
}

func (p *fakeSpecs) Produce(servicePath string, info instance.Info, env map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failWith[info.Ident]; err != nil {
		return "", err
	}

	captured := make(map[string]string, len(env))
	for name, value := range env {
		captured[name] = value
	}
	p.envs[info.Ident] = captured

	return filepath.Join("/run/keel", info.Ident.String()), nil
}

func (p *fakeSpecs) envFor(id instance.Ident) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.envs[id]
}

// fakeStatus implements StatusReceiver, collecting snapshots and
// deltas.
type fakeStatus struct {
	mu        sync.Mutex
	snapshots [][]instance.Status
	updates   [][]instance.Status
}

func (s *fakeStatus) InstancesRunStatus(statuses []instance.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, append([]instance.Status(nil), statuses...))
	return nil
}

func (s *fakeStatus) InstancesUpdateStatus(statuses []instance.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, append([]instance.Status(nil), statuses...))
	return nil
}

func (s *fakeStatus) snapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *fakeStatus) lastSnapshot() []instance.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return nil
	}
	return s.snapshots[len(s.snapshots)-1]
}

func (s *fakeStatus) allUpdates() [][]instance.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]instance.Status(nil), s.updates...)
}

// fakeStorage implements Storage in memory, with per-operation
// failure injection.
type fakeStorage struct {
	mu         sync.Mutex
	instances  map[instance.Ident]instance.Info
	opver      uint64
	overrides  []envoverride.Override
	onlineTime time.Time

	failAdd    error
	failRemove error
	failUpdate error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{instances: make(map[instance.Ident]instance.Info)}
}

func (s *fakeStorage) AddInstance(info instance.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdd != nil {
		return s.failAdd
	}
	s.instances[info.Ident] = info
	return nil
}

func (s *fakeStorage) UpdateInstance(info instance.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate != nil {
		return s.failUpdate
	}
	s.instances[info.Ident] = info
	return nil
}

func (s *fakeStorage) RemoveInstance(id instance.Ident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRemove != nil {
		return s.failRemove
	}
	delete(s.instances, id)
	return nil
}

func (s *fakeStorage) Instances() ([]instance.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]instance.Info, 0, len(s.instances))
	for _, info := range s.instances {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Ident.Less(infos[j].Ident) })
	return infos, nil
}

func (s *fakeStorage) OperationVersion() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opver, nil
}

func (s *fakeStorage) SetOperationVersion(version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opver = version
	return nil
}

func (s *fakeStorage) OverrideEnvVars() ([]envoverride.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envoverride.Override(nil), s.overrides...), nil
}

func (s *fakeStorage) SetOverrideEnvVars(overrides []envoverride.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = append([]envoverride.Override(nil), overrides...)
	return nil
}

func (s *fakeStorage) OnlineTime() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineTime, nil
}

func (s *fakeStorage) SetOnlineTime(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlineTime = t
	return nil
}

func (s *fakeStorage) storedIdents() []instance.Ident {
	s.mu.Lock()
	defer s.mu.Unlock()
	idents := make([]instance.Ident, 0, len(s.instances))
	for id := range s.instances {
		idents = append(idents, id)
	}
	sort.Slice(idents, func(i, j int) bool { return idents[i].Less(idents[j]) })
	return idents
}

func (s *fakeStorage) setFailAdd(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAdd = err
}

func (s *fakeStorage) storedOverrides() []envoverride.Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envoverride.Override(nil), s.overrides...)
}
