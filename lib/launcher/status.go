// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"sort"

	"github.com/bureau-foundation/keel/lib/instance"
)

// UpdateRunStatus is the runner-facing callback: asynchronous
// per-instance state reports, possibly concurrent with a reconcile.
// Unknown idents are dropped. Terminal transitions outside a cycle
// publish a delta immediately; during a cycle they are applied but
// held back so observers never see transient states — expected stop
// notifications (instances in the cycle's stop set) are not published
// at all, everything else rides along until the cycle's own snapshot
// or, for a silent restart, is flushed as a delta afterward.
func (l *Launcher) UpdateRunStatus(statuses []instance.RunStatus) error {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Errorf(KindShutdown, "launcher is stopped")
	}

	var deltas []instance.Status
	for _, rs := range statuses {
		rec, ok := l.live[rs.Ident]
		if !ok {
			l.logger.Debug("dropping run status for unknown instance", "instance", rs.Ident)
			continue
		}

		var cause error
		if rs.Err != nil {
			cause = Errorf(KindRunnerFault, "%w", rs.Err)
		}
		if !rec.transition(rs.State, cause, l.logger) {
			continue
		}

		if !rs.State.Terminal() {
			continue
		}
		if l.cycleActive {
			if !l.cycleStops[rs.Ident] {
				l.pendingDeltas = append(l.pendingDeltas, rec.status())
			}
			continue
		}
		deltas = append(deltas, rec.status())
	}
	l.mu.Unlock()

	if len(deltas) > 0 {
		if err := l.status.InstancesUpdateStatus(deltas); err != nil {
			l.logger.Error("sending update status", "error", err)
		}
	}

	return nil
}

// beginCycle marks a reconcile as active. stops is the cycle's stop
// set; runner reports for those idents are expected and not
// published.
func (l *Launcher) beginCycle(stops []stopRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cycleActive = true
	l.cycleStops = make(map[instance.Ident]bool, len(stops))
	for _, s := range stops {
		l.cycleStops[s.ident] = true
	}
}

// abortCycle clears cycle state after an infrastructure failure. The
// in-memory model has been rolled back, so deltas collected during
// the cycle refer to discarded records and are dropped with it.
func (l *Launcher) abortCycle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cycleActive = false
	l.cycleStops = nil
	l.pendingDeltas = nil
}

// finishSilentCycle ends a cycle that publishes no snapshot (override
// re-evaluation restarts). Deltas deferred during the cycle are
// flushed as an update so terminal transitions are not lost.
func (l *Launcher) finishSilentCycle() {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	l.mu.Lock()
	deltas := l.pendingDeltas
	l.cycleActive = false
	l.cycleStops = nil
	l.pendingDeltas = nil
	l.mu.Unlock()

	if len(deltas) > 0 {
		if err := l.status.InstancesUpdateStatus(deltas); err != nil {
			l.logger.Error("sending deferred update status", "error", err)
		}
	}
}

// publishRunStatus ends the cycle and publishes the full status
// snapshot, ordered by ident. Deltas deferred during the cycle are
// subsumed by the snapshot and discarded. The publish mutex keeps the
// snapshot from interleaving with concurrent delta publications.
func (l *Launcher) publishRunStatus() {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	l.mu.Lock()
	statuses := make([]instance.Status, 0, len(l.live))
	for _, rec := range l.live {
		statuses = append(statuses, rec.status())
	}
	l.cycleActive = false
	l.cycleStops = nil
	l.pendingDeltas = nil
	l.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Ident.Less(statuses[j].Ident)
	})

	for _, s := range statuses {
		l.logger.Debug("instance status",
			"instance", s.Ident,
			"service_version", s.ServiceVersion,
			"state", s.State,
			"error", s.Err,
		)
	}

	if err := l.status.InstancesRunStatus(statuses); err != nil {
		l.logger.Error("sending run status", "error", err)
	}
}
