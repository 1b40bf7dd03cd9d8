// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"log/slog"

	"github.com/bureau-foundation/keel/lib/instance"
)

// record is the launcher's runtime view of one instance: the desired
// spec it was launched from, its lifecycle state, the last runner
// error, and the env overlay applied at launch. Records are owned by
// the launcher and mutated only under the launcher's state mutex.
type record struct {
	info           instance.Info
	serviceVersion string
	state          instance.State
	runErr         error

	// overlay is the env overlay applied at the most recent launch.
	overlay map[string]string

	// generation increments at every state transition. Used by tests
	// and diagnostics to detect missed updates.
	generation uint64
}

// transition moves the record to the next lifecycle state, recording
// the cause. Invalid transitions are rejected: logged, state
// unchanged, and false returned.
func (r *record) transition(next instance.State, cause error, logger *slog.Logger) bool {
	if !r.state.CanTransition(next) {
		logger.Warn("rejecting invalid instance state transition",
			"instance", r.info.Ident,
			"from", r.state,
			"to", next,
		)
		return false
	}
	r.state = next
	r.runErr = cause
	r.generation++
	return true
}

// status renders the record as one status report entry.
func (r *record) status() instance.Status {
	return instance.Status{
		Ident:          r.info.Ident,
		ServiceVersion: r.serviceVersion,
		State:          r.state,
		Err:            r.runErr,
	}
}
