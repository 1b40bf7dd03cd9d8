// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/keel/lib/envoverride"
	"github.com/bureau-foundation/keel/lib/instance"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "keel.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleInfo(index uint64) instance.Info {
	return instance.Info{
		Ident:       instance.Ident{ServiceID: "vision", SubjectID: "driver", Instance: index},
		UID:         5000,
		Priority:    42,
		StoragePath: "/var/keel/storage/vision",
		StatePath:   "/var/keel/state/vision",
		Limits: instance.ResourceLimits{
			CPUQuotaPercent: 150,
			RAMBytes:        1 << 28,
		},
	}
}

func TestAddAndReadInstances(t *testing.T) {
	store := openStore(t)

	first := sampleInfo(1)
	second := sampleInfo(0)
	if err := store.AddInstance(first); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if err := store.AddInstance(second); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}

	infos, err := store.Instances()
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Instances = %d records, want 2", len(infos))
	}
	// Ordered by ident: index 0 before index 1.
	if infos[0].Ident.Instance != 0 || infos[1].Ident.Instance != 1 {
		t.Errorf("order = %v, %v; want index 0 then 1", infos[0].Ident, infos[1].Ident)
	}
	if !infos[1].Equal(first) {
		t.Errorf("round trip = %+v, want %+v", infos[1], first)
	}
}

func TestAddDuplicateFails(t *testing.T) {
	store := openStore(t)

	if err := store.AddInstance(sampleInfo(0)); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if err := store.AddInstance(sampleInfo(0)); err == nil {
		t.Fatal("AddInstance duplicate succeeded, want error")
	}
}

func TestUpdateInstance(t *testing.T) {
	store := openStore(t)

	info := sampleInfo(0)
	if err := store.AddInstance(info); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}

	info.Priority = 99
	info.Limits.RAMBytes = 1 << 30
	if err := store.UpdateInstance(info); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	infos, err := store.Instances()
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(infos) != 1 || !infos[0].Equal(info) {
		t.Errorf("after update = %+v, want %+v", infos, info)
	}
}

func TestUpdateMissingInstanceFails(t *testing.T) {
	store := openStore(t)

	err := store.UpdateInstance(sampleInfo(0))
	if err == nil || !strings.Contains(err.Error(), "no such record") {
		t.Fatalf("UpdateInstance on empty store = %v, want no-such-record error", err)
	}
}

func TestRemoveInstance(t *testing.T) {
	store := openStore(t)

	info := sampleInfo(0)
	if err := store.AddInstance(info); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if err := store.RemoveInstance(info.Ident); err != nil {
		t.Fatalf("RemoveInstance: %v", err)
	}
	// Removing again is a no-op.
	if err := store.RemoveInstance(info.Ident); err != nil {
		t.Fatalf("second RemoveInstance: %v", err)
	}

	infos, err := store.Instances()
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Instances after remove = %v, want empty", infos)
	}
}

func TestOperationVersion(t *testing.T) {
	store := openStore(t)

	version, err := store.OperationVersion()
	if err != nil {
		t.Fatalf("OperationVersion: %v", err)
	}
	if version != 0 {
		t.Errorf("initial operation version = %d, want 0", version)
	}

	if err := store.SetOperationVersion(9); err != nil {
		t.Fatalf("SetOperationVersion: %v", err)
	}
	version, err = store.OperationVersion()
	if err != nil {
		t.Fatalf("OperationVersion: %v", err)
	}
	if version != 9 {
		t.Errorf("operation version = %d, want 9", version)
	}
}

func TestOverrideEnvVarsRoundTrip(t *testing.T) {
	store := openStore(t)

	initial, err := store.OverrideEnvVars()
	if err != nil {
		t.Fatalf("OverrideEnvVars: %v", err)
	}
	if len(initial) != 0 {
		t.Errorf("initial overrides = %v, want empty", initial)
	}

	serviceID := "vision"
	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	overrides := []envoverride.Override{
		{
			Selector: envoverride.Selector{ServiceID: &serviceID},
			Variables: []envoverride.Variable{
				{Name: "LOG_LEVEL", Value: "debug", ExpiresAt: &expiry},
				{Name: "FEATURE_FLAG", Value: "on"},
			},
		},
	}
	if err := store.SetOverrideEnvVars(overrides); err != nil {
		t.Fatalf("SetOverrideEnvVars: %v", err)
	}

	got, err := store.OverrideEnvVars()
	if err != nil {
		t.Fatalf("OverrideEnvVars: %v", err)
	}
	if len(got) != 1 || len(got[0].Variables) != 2 {
		t.Fatalf("round trip = %+v, want one override with two variables", got)
	}
	if got[0].Selector.ServiceID == nil || *got[0].Selector.ServiceID != serviceID {
		t.Errorf("selector = %v, want service %q", got[0].Selector, serviceID)
	}
	if got[0].Variables[0].ExpiresAt == nil || !got[0].Variables[0].ExpiresAt.Equal(expiry) {
		t.Errorf("ExpiresAt = %v, want %v", got[0].Variables[0].ExpiresAt, expiry)
	}

	// Replacement is wholesale.
	if err := store.SetOverrideEnvVars(nil); err != nil {
		t.Fatalf("SetOverrideEnvVars(nil): %v", err)
	}
	got, err = store.OverrideEnvVars()
	if err != nil {
		t.Fatalf("OverrideEnvVars: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("overrides after clearing = %v, want empty", got)
	}
}

func TestOnlineTime(t *testing.T) {
	store := openStore(t)

	initial, err := store.OnlineTime()
	if err != nil {
		t.Fatalf("OnlineTime: %v", err)
	}
	if !initial.IsZero() {
		t.Errorf("initial online time = %v, want zero", initial)
	}

	online := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	if err := store.SetOnlineTime(online); err != nil {
		t.Fatalf("SetOnlineTime: %v", err)
	}
	got, err := store.OnlineTime()
	if err != nil {
		t.Fatalf("OnlineTime: %v", err)
	}
	if !got.Equal(online) {
		t.Errorf("online time = %v, want %v", got, online)
	}
}

func TestReopenPreservesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.AddInstance(sampleInfo(0)); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if err := store.SetOperationVersion(9); err != nil {
		t.Fatalf("SetOperationVersion: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	infos, err := reopened.Instances()
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(infos) != 1 {
		t.Errorf("Instances after reopen = %d, want 1", len(infos))
	}
	version, err := reopened.OperationVersion()
	if err != nil {
		t.Fatalf("OperationVersion: %v", err)
	}
	if version != 9 {
		t.Errorf("operation version after reopen = %d, want 9", version)
	}
}
