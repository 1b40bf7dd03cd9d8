// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envoverride

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/keel/lib/clock"
	"github.com/bureau-foundation/keel/lib/instance"
)

// Manager holds the current override set and evaluates per-instance
// overlays. Safe for concurrent use: the launcher reads overlays from
// worker goroutines while the dispatcher replaces the set.
type Manager struct {
	clk    clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	overrides []Override
}

// NewManager creates an empty manager. A nil clock defaults to the
// real clock; a nil logger discards output.
func NewManager(clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{clk: clk, logger: logger}
}

// Load installs an override set read from storage, replacing the
// current one without validation — entries were validated before they
// were persisted.
func (m *Manager) Load(overrides []Override) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append([]Override(nil), overrides...)
}

// Replace validates the incoming override set and installs the
// accepted subset, replacing the current set entirely. known reports
// whether a selector matches at least one currently-known instance.
// Returns one status per input entry, in input order.
func (m *Manager) Replace(overrides []Override, known func(Selector) bool) []Status {
	statuses := make([]Status, 0, len(overrides))
	accepted := make([]Override, 0, len(overrides))

	for _, o := range overrides {
		if err := o.Validate(); err != nil {
			m.logger.Warn("rejecting invalid env override",
				"selector", o.Selector.String(),
				"error", err,
			)
			statuses = append(statuses, Status{Selector: o.Selector, Result: Invalid, Err: err})
			continue
		}
		if known != nil && !known(o.Selector) {
			statuses = append(statuses, Status{Selector: o.Selector, Result: NotFound})
			continue
		}
		statuses = append(statuses, Status{Selector: o.Selector, Result: Applied})
		accepted = append(accepted, o)
	}

	m.mu.Lock()
	m.overrides = accepted
	m.mu.Unlock()

	return statuses
}

// Snapshot returns a copy of the current override set, for
// persistence.
func (m *Manager) Snapshot() []Override {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Override(nil), m.overrides...)
}

// Overlay evaluates the override set against one instance ident and
// returns the resulting environment overlay. Expired variables are
// skipped. For each variable name the most specific matching selector
// wins; among equal specificity the later entry in the set wins.
func (m *Manager) Overlay(id instance.Ident) map[string]string {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		value       string
		specificity int
	}
	candidates := make(map[string]candidate)

	for _, o := range m.overrides {
		if !o.Selector.Matches(id) {
			continue
		}
		specificity := o.Selector.Specificity()
		for _, v := range o.Variables {
			if v.Expired(now) {
				continue
			}
			// >= keeps iteration order as the tiebreak: a later
			// entry of equal specificity replaces an earlier one.
			if cur, ok := candidates[v.Name]; !ok || specificity >= cur.specificity {
				candidates[v.Name] = candidate{value: v.Value, specificity: specificity}
			}
		}
	}

	overlay := make(map[string]string, len(candidates))
	for name, c := range candidates {
		overlay[name] = c.value
	}
	return overlay
}

// DropExpired removes variables whose expiry has passed, and override
// entries left with no variables. Returns true when anything was
// removed, signaling the launcher to persist the pruned set.
func (m *Manager) DropExpired() bool {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	pruned := m.overrides[:0]
	for _, o := range m.overrides {
		kept := make([]Variable, 0, len(o.Variables))
		for _, v := range o.Variables {
			if v.Expired(now) {
				m.logger.Debug("dropping expired env override variable",
					"selector", o.Selector.String(),
					"name", v.Name,
					"expired_at", v.ExpiresAt.Format(time.RFC3339),
				)
				changed = true
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			changed = true
			continue
		}
		o.Variables = kept
		pruned = append(pruned, o)
	}
	m.overrides = pruned
	return changed
}
