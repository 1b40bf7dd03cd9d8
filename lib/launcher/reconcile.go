// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bureau-foundation/keel/lib/instance"
)

// stopRequest is one unit of the stop phase. remove distinguishes an
// instance leaving the goal state (record destroyed after the stop)
// from one being restarted (record replaced by the start phase).
type stopRequest struct {
	ident  instance.Ident
	remove bool
}

// runCycle executes one reconcile cycle under the dispatcher lock:
// service push, cache update, diff, stop phase, start phase, persist,
// publish. Per-instance failures are recorded on the instance; only
// infrastructure faults abort the cycle, rolling the in-memory model
// back to the pre-cycle snapshot.
func (l *Launcher) runCycle(services []instance.ServiceInfo, layers []instance.LayerInfo, desired []instance.Info, forceRestart bool) error {
	liveSnap, cacheSnap := l.snapshotState()

	// Expired override variables are dropped now and the pruned set
	// persisted after the cycle's instance writes succeed.
	overridesPruned := l.overrides.DropExpired()

	if err := l.services.ProcessDesiredServices(services, layers); err != nil {
		return fmt.Errorf("processing desired services: %w", err)
	}

	l.updateServiceCache(services, desired)

	toStop, toStart := l.computeDiff(desired, forceRestart)

	l.beginCycle(toStop)

	l.stopPhase(toStop)
	l.startPhase(toStart)

	l.mu.Lock()
	l.cache.purgeUnreferenced(l.live)
	l.mu.Unlock()

	if err := l.persistInstances(desired); err != nil {
		l.restoreState(liveSnap, cacheSnap)
		l.abortCycle()
		return err
	}

	if overridesPruned {
		if err := l.storage.SetOverrideEnvVars(l.overrides.Snapshot()); err != nil {
			// Stale expired variables on disk are harmless — they are
			// skipped at evaluation — so this is not a cycle fault.
			l.logger.Error("persisting pruned override env vars", "error", err)
		}
	}

	l.publishRunStatus()
	return nil
}

// runLastInstancesLocked replays the persisted instance set through
// the start phase: no stop phase, no diff, no persist. Called at
// Start and on the first cloud connect, under the dispatcher lock.
func (l *Launcher) runLastInstancesLocked() error {
	l.logger.Info("run last instances")

	infos, err := l.storage.Instances()
	if err != nil {
		return fmt.Errorf("reading stored instances: %w", err)
	}

	l.cacheStoredServices(infos)

	// Skip idents that are already live; replay must not double-start.
	l.mu.Lock()
	toStart := make([]instance.Info, 0, len(infos))
	for _, info := range infos {
		if _, ok := l.live[info.Ident]; !ok {
			toStart = append(toStart, info)
		}
	}
	l.mu.Unlock()

	l.beginCycle(nil)
	l.startPhase(toStart)

	l.mu.Lock()
	l.cache.purgeUnreferenced(l.live)
	l.mu.Unlock()

	l.publishRunStatus()
	return nil
}

// restartInstances stops and restarts the given live instances with
// their existing desired specs. Used for override re-evaluation; the
// persisted set is unchanged and no snapshot is published, only the
// deltas that accumulate while the restart runs.
func (l *Launcher) restartInstances(idents []instance.Ident) {
	l.mu.Lock()
	stops := make([]stopRequest, 0, len(idents))
	starts := make([]instance.Info, 0, len(idents))
	for _, ident := range idents {
		rec, ok := l.live[ident]
		if !ok {
			continue
		}
		stops = append(stops, stopRequest{ident: ident})
		starts = append(starts, rec.info)
	}
	l.mu.Unlock()

	if len(stops) == 0 {
		return
	}

	l.logger.Info("restarting instances for env override change", "instances", len(stops))

	l.beginCycle(stops)
	l.stopPhase(stops)
	l.startPhase(starts)
	l.finishSilentCycle()
}

// snapshotState copies the live map and service cache for rollback.
func (l *Launcher) snapshotState() (map[instance.Ident]record, map[string]serviceEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	liveSnap := make(map[instance.Ident]record, len(l.live))
	for ident, rec := range l.live {
		liveSnap[ident] = *rec
	}
	return liveSnap, l.cache.snapshot()
}

// restoreState rolls the in-memory model back to a snapshot taken by
// snapshotState.
func (l *Launcher) restoreState(liveSnap map[instance.Ident]record, cacheSnap map[string]serviceEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.live = make(map[instance.Ident]*record, len(liveSnap))
	for ident, rec := range liveSnap {
		copied := rec
		l.live[ident] = &copied
	}
	l.cache.restore(cacheSnap)
}

// updateServiceCache records (version, path) for every service the
// desired instance set references. Resolution failures mark the
// service broken for the cycle.
func (l *Launcher) updateServiceCache(services []instance.ServiceInfo, desired []instance.Info) {
	referenced := make(map[string]bool, len(desired))
	for _, info := range desired {
		referenced[info.Ident.ServiceID] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range services {
		if !referenced[s.ServiceID] {
			continue
		}
		path, err := l.services.ServicePath(s.ServiceID)
		if err != nil {
			l.logger.Error("service unusable, marking broken",
				"service", s.ServiceID,
				"version", s.Version,
				"error", err,
			)
			l.cache.put(serviceEntry{
				serviceID: s.ServiceID,
				version:   s.Version,
				broken:    true,
				brokenErr: err,
			})
			continue
		}
		l.cache.put(serviceEntry{serviceID: s.ServiceID, version: s.Version, path: path})
	}
}

// cacheStoredServices resolves services for a replayed instance set,
// where no goal-state service list is available and versions come
// from the service manager itself.
func (l *Launcher) cacheStoredServices(infos []instance.Info) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, info := range infos {
		serviceID := info.Ident.ServiceID
		if _, ok := l.cache.get(serviceID); ok {
			continue
		}

		version, err := l.services.ServiceVersion(serviceID)
		if err == nil {
			var path string
			if path, err = l.services.ServicePath(serviceID); err == nil {
				l.cache.put(serviceEntry{serviceID: serviceID, version: version, path: path})
				continue
			}
		}

		l.logger.Error("stored service unusable, marking broken",
			"service", serviceID,
			"error", err,
		)
		l.cache.put(serviceEntry{serviceID: serviceID, broken: true, brokenErr: err})
	}
}

// computeDiff splits the desired set against the live map into the
// stop and start work lists. An instance is stopped when it left the
// goal state, when a restart is forced, or when its service version
// or resource limits changed; it is started when new or stopped for
// restart.
func (l *Launcher) computeDiff(desired []instance.Info, forceRestart bool) ([]stopRequest, []instance.Info) {
	desiredByIdent := make(map[instance.Ident]instance.Info, len(desired))
	for _, info := range desired {
		desiredByIdent[info.Ident] = info
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var toStop []stopRequest
	restarting := make(map[instance.Ident]bool)

	for ident, rec := range l.live {
		want, inDesired := desiredByIdent[ident]
		if !inDesired {
			toStop = append(toStop, stopRequest{ident: ident, remove: true})
			continue
		}

		restart := forceRestart || rec.info.Limits != want.Limits
		if entry, ok := l.cache.get(ident.ServiceID); ok && entry.version != rec.serviceVersion {
			restart = true
		}

		if restart {
			toStop = append(toStop, stopRequest{ident: ident})
			restarting[ident] = true
			continue
		}

		// Unchanged instance: adopt the latest desired spec so the
		// persisted set reflects the goal state.
		rec.info = want
	}

	var toStart []instance.Info
	for _, info := range desired {
		if _, live := l.live[info.Ident]; !live || restarting[info.Ident] {
			toStart = append(toStart, info)
		}
	}

	return toStop, toStart
}

// stopPhase submits one stop job per request and waits for the pool
// to drain. Ordering within the phase is unspecified.
func (l *Launcher) stopPhase(stops []stopRequest) {
	if len(stops) == 0 {
		return
	}

	for _, s := range stops {
		s := s
		if err := l.pool.Submit(func() { l.stopJob(s) }); err != nil {
			l.logger.Error("submitting stop job", "instance", s.ident, "error", err)
		}
	}
	l.pool.WaitDrain()
}

// startPhase sorts the work by descending priority (ident as the
// deterministic tie-break), submits in that order, and waits for the
// pool to drain. With one worker this yields strict priority order;
// with more, the first pool-size submissions are the highest-priority
// instances.
func (l *Launcher) startPhase(starts []instance.Info) {
	if len(starts) == 0 {
		return
	}

	sort.Slice(starts, func(i, j int) bool {
		if starts[i].Priority != starts[j].Priority {
			return starts[i].Priority > starts[j].Priority
		}
		return starts[i].Ident.Less(starts[j].Ident)
	})

	for _, info := range starts {
		info := info
		if err := l.pool.Submit(func() { l.startJob(info) }); err != nil {
			l.logger.Error("submitting start job", "instance", info.Ident, "error", err)
		}
	}
	l.pool.WaitDrain()
}

// startJob runs on a pool worker: resolve the service, produce the
// runtime spec, ask the runner to start the instance, and record the
// outcome. Every failure path records a per-instance status; nothing
// escapes the job.
func (l *Launcher) startJob(info instance.Info) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("start job panic", "instance", info.Ident, "panic", r)
			l.mu.Lock()
			rec, ok := l.live[info.Ident]
			if !ok {
				rec = &record{info: info, state: instance.Created}
				l.live[info.Ident] = rec
			}
			rec.transition(instance.Failed, Errorf(KindInternal, "start job fault: %v", r), l.logger)
			l.mu.Unlock()
		}
	}()

	l.mu.Lock()
	entry, ok := l.cache.get(info.Ident.ServiceID)
	rec := &record{info: info, state: instance.Created, serviceVersion: entry.version}
	l.live[info.Ident] = rec
	if !ok || entry.broken {
		cause := entry.brokenErr
		if cause == nil {
			cause = errors.New("service not in cache")
		}
		rec.transition(instance.Failed, Errorf(KindBrokenService, "service %s: %w", info.Ident.ServiceID, cause), l.logger)
		l.mu.Unlock()
		return
	}
	servicePath := entry.path
	l.mu.Unlock()

	overlay := l.overrides.Overlay(info.Ident)

	runtimeDir, err := l.specs.Produce(servicePath, info, overlay)
	if err != nil {
		l.mu.Lock()
		rec.transition(instance.Failed, Errorf(KindInvalidSpec, "producing runtime spec: %w", err), l.logger)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	rec.overlay = overlay
	rec.transition(instance.Starting, nil, l.logger)
	l.mu.Unlock()

	runStatus := l.runner.StartInstance(info, runtimeDir)

	l.mu.Lock()
	defer l.mu.Unlock()
	switch runStatus.State {
	case instance.Running:
		rec.transition(instance.Running, nil, l.logger)
		l.logger.Info("instance started", "instance", info.Ident)
	case instance.Stopped:
		rec.transition(instance.Stopped, nil, l.logger)
	case instance.Failed:
		cause := runStatus.Err
		if cause == nil {
			cause = errors.New("runner reported failure without detail")
		}
		rec.transition(instance.Failed, Errorf(KindRunnerFault, "starting instance: %w", cause), l.logger)
		l.logger.Error("instance start failed", "instance", info.Ident, "error", cause)
	default:
		rec.transition(instance.Failed, Errorf(KindRunnerFault, "runner returned unexpected initial state %s", runStatus.State), l.logger)
	}
}

// stopJob runs on a pool worker: ask the runner to stop the instance
// and settle the record. An already-stopped report from the runner is
// success; a genuine stop failure is recorded but — since nothing is
// retried inside a cycle — the instance is still considered settled
// and, when leaving the goal state, removed.
func (l *Launcher) stopJob(s stopRequest) {
	l.mu.Lock()
	rec, ok := l.live[s.ident]
	if !ok {
		l.mu.Unlock()
		return
	}
	if rec.state != instance.Stopping && rec.state != instance.Stopped {
		rec.transition(instance.Stopping, nil, l.logger)
	}
	l.mu.Unlock()

	err := l.runner.StopInstance(s.ident)
	if err != nil && !errors.Is(err, ErrAlreadyStopped) {
		l.logger.Error("instance stop failed", "instance", s.ident, "error", err)
		l.mu.Lock()
		rec.transition(instance.Failed, Errorf(KindRunnerFault, "stopping instance: %w", err), l.logger)
		if s.remove {
			delete(l.live, s.ident)
		}
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	if rec.state != instance.Stopped {
		rec.transition(instance.Stopped, nil, l.logger)
	}
	if s.remove {
		delete(l.live, s.ident)
	}
	l.mu.Unlock()

	l.logger.Info("instance stopped", "instance", s.ident)
}

// persistInstances writes the desired set as the new stored instance
// set: removals first, then adds and updates. Any storage error
// aborts the cycle.
func (l *Launcher) persistInstances(desired []instance.Info) error {
	stored, err := l.storage.Instances()
	if err != nil {
		return fmt.Errorf("reading stored instances: %w", err)
	}

	desiredByIdent := make(map[instance.Ident]instance.Info, len(desired))
	for _, info := range desired {
		desiredByIdent[info.Ident] = info
	}
	storedByIdent := make(map[instance.Ident]instance.Info, len(stored))
	for _, info := range stored {
		storedByIdent[info.Ident] = info
	}

	for _, info := range stored {
		if _, ok := desiredByIdent[info.Ident]; !ok {
			if err := l.storage.RemoveInstance(info.Ident); err != nil {
				return fmt.Errorf("removing stored instance %s: %w", info.Ident, err)
			}
		}
	}

	for _, info := range desired {
		existing, ok := storedByIdent[info.Ident]
		switch {
		case !ok:
			if err := l.storage.AddInstance(info); err != nil {
				return fmt.Errorf("storing instance %s: %w", info.Ident, err)
			}
		case !existing.Equal(info):
			if err := l.storage.UpdateInstance(info); err != nil {
				return fmt.Errorf("updating stored instance %s: %w", info.Ident, err)
			}
		}
	}

	return nil
}
