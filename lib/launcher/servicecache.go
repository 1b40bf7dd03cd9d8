// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"github.com/bureau-foundation/keel/lib/instance"
)

// serviceEntry is the cached resolution of one service ID for the
// current cycle: the version in use and the local image path, or the
// reason the service is unusable.
type serviceEntry struct {
	serviceID string
	version   string
	path      string

	// broken marks a service whose artifact is missing or corrupt.
	// Instances referencing a broken service fail without the runner
	// ever being invoked.
	broken bool

	// brokenErr is the resolution failure when broken is set.
	brokenErr error
}

// serviceCache holds at most one entry per service ID: the version
// currently needed by at least one instance. Guarded by the
// launcher's state mutex.
type serviceCache struct {
	entries map[string]serviceEntry
}

func newServiceCache() *serviceCache {
	return &serviceCache{entries: make(map[string]serviceEntry)}
}

func (c *serviceCache) get(serviceID string) (serviceEntry, bool) {
	e, ok := c.entries[serviceID]
	return e, ok
}

func (c *serviceCache) put(e serviceEntry) {
	c.entries[e.serviceID] = e
}

// purgeUnreferenced drops entries for services no live instance
// references. Called at the end of each cycle so the cache never
// outlives its last referencing instance.
func (c *serviceCache) purgeUnreferenced(live map[instance.Ident]*record) {
	referenced := make(map[string]bool, len(live))
	for ident := range live {
		referenced[ident.ServiceID] = true
	}
	for id := range c.entries {
		if !referenced[id] {
			delete(c.entries, id)
		}
	}
}

// snapshot returns a copy of the cache contents for rollback.
func (c *serviceCache) snapshot() map[string]serviceEntry {
	copied := make(map[string]serviceEntry, len(c.entries))
	for id, e := range c.entries {
		copied[id] = e
	}
	return copied
}

// restore replaces the cache contents from a snapshot.
func (c *serviceCache) restore(snap map[string]serviceEntry) {
	c.entries = make(map[string]serviceEntry, len(snap))
	for id, e := range snap {
		c.entries[id] = e
	}
}
