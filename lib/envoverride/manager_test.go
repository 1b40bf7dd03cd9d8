// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envoverride

import (
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/keel/lib/clock"
	"github.com/bureau-foundation/keel/lib/instance"
)

func stringPtr(s string) *string { return &s }
func uint64Ptr(v uint64) *uint64 { return &v }

var testIdent = instance.Ident{ServiceID: "vision", SubjectID: "driver", Instance: 0}

func TestSelectorMatches(t *testing.T) {
	tests := []struct {
		name     string
		selector Selector
		want     bool
	}{
		{"wildcard", Selector{}, true},
		{"service match", Selector{ServiceID: stringPtr("vision")}, true},
		{"service mismatch", Selector{ServiceID: stringPtr("audio")}, false},
		{"exact match", Selector{
			ServiceID: stringPtr("vision"),
			SubjectID: stringPtr("driver"),
			Instance:  uint64Ptr(0),
		}, true},
		{"index mismatch", Selector{
			ServiceID: stringPtr("vision"),
			Instance:  uint64Ptr(1),
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.selector.Matches(testIdent); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", testIdent, got, tt.want)
			}
		})
	}
}

func TestSelectorSpecificity(t *testing.T) {
	if got := (Selector{}).Specificity(); got != 0 {
		t.Errorf("wildcard specificity = %d, want 0", got)
	}
	exact := Selector{
		ServiceID: stringPtr("vision"),
		SubjectID: stringPtr("driver"),
		Instance:  uint64Ptr(0),
	}
	if got := exact.Specificity(); got != 3 {
		t.Errorf("exact specificity = %d, want 3", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		override Override
		wantErr  string
	}{
		{
			"acceptable",
			Override{Variables: []Variable{{Name: "LOG_LEVEL", Value: "debug"}}},
			"",
		},
		{
			"empty name",
			Override{Variables: []Variable{{Name: "", Value: "x"}}},
			"empty name",
		},
		{
			"NUL in name",
			Override{Variables: []Variable{{Name: "BAD\x00NAME", Value: "x"}}},
			"NUL byte in name",
		},
		{
			"NUL in value",
			Override{Variables: []Variable{{Name: "GOOD", Value: "ba\x00d"}}},
			"NUL byte in value",
		},
		{
			"name too long",
			Override{Variables: []Variable{{Name: strings.Repeat("A", MaxNameLength+1), Value: "x"}}},
			"exceeds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.override.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReplaceStatuses(t *testing.T) {
	m := NewManager(clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), nil)

	known := func(s Selector) bool { return s.Matches(testIdent) }

	statuses := m.Replace([]Override{
		{Selector: Selector{}, Variables: []Variable{{Name: "X", Value: "1"}}},
		{Selector: Selector{}, Variables: []Variable{{Name: "", Value: "1"}}},
		{Selector: Selector{ServiceID: stringPtr("absent")}, Variables: []Variable{{Name: "Y", Value: "2"}}},
	}, known)

	want := []Result{Applied, Invalid, NotFound}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %d entries, want %d", len(statuses), len(want))
	}
	for i, s := range statuses {
		if s.Result != want[i] {
			t.Errorf("status[%d] = %v, want %v", i, s.Result, want[i])
		}
	}

	// Only the accepted entry is retained.
	if got := len(m.Snapshot()); got != 1 {
		t.Errorf("retained overrides = %d, want 1", got)
	}
}

func TestOverlaySpecificityWins(t *testing.T) {
	m := NewManager(clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), nil)
	m.Load([]Override{
		{
			Selector:  Selector{ServiceID: stringPtr("vision"), SubjectID: stringPtr("driver"), Instance: uint64Ptr(0)},
			Variables: []Variable{{Name: "X", Value: "exact"}},
		},
		{
			Selector:  Selector{},
			Variables: []Variable{{Name: "X", Value: "wildcard"}, {Name: "Y", Value: "only-wildcard"}},
		},
	})

	overlay := m.Overlay(testIdent)
	if overlay["X"] != "exact" {
		t.Errorf("X = %q, want %q (exact selector wins over wildcard)", overlay["X"], "exact")
	}
	if overlay["Y"] != "only-wildcard" {
		t.Errorf("Y = %q, want %q", overlay["Y"], "only-wildcard")
	}
}

func TestOverlayLaterEntryWinsAtEqualSpecificity(t *testing.T) {
	m := NewManager(clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), nil)
	m.Load([]Override{
		{Selector: Selector{ServiceID: stringPtr("vision")}, Variables: []Variable{{Name: "X", Value: "first"}}},
		{Selector: Selector{SubjectID: stringPtr("driver")}, Variables: []Variable{{Name: "X", Value: "second"}}},
	})

	overlay := m.Overlay(testIdent)
	if overlay["X"] != "second" {
		t.Errorf("X = %q, want %q (later entry wins)", overlay["X"], "second")
	}
}

func TestOverlaySkipsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(now)
	m := NewManager(clk, nil)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	m.Load([]Override{
		{Selector: Selector{}, Variables: []Variable{
			{Name: "EXPIRED", Value: "gone", ExpiresAt: &past},
			{Name: "LIVE", Value: "here", ExpiresAt: &future},
			{Name: "FOREVER", Value: "always"},
		}},
	})

	overlay := m.Overlay(testIdent)
	if _, ok := overlay["EXPIRED"]; ok {
		t.Error("expired variable present in overlay")
	}
	if overlay["LIVE"] != "here" {
		t.Errorf("LIVE = %q, want %q", overlay["LIVE"], "here")
	}
	if overlay["FOREVER"] != "always" {
		t.Errorf("FOREVER = %q, want %q", overlay["FOREVER"], "always")
	}

	// Once the future expiry passes, the variable disappears too.
	clk.Advance(2 * time.Hour)
	overlay = m.Overlay(testIdent)
	if _, ok := overlay["LIVE"]; ok {
		t.Error("variable still applied after its expiry passed")
	}
}

func TestDropExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(now)
	m := NewManager(clk, nil)

	past := now.Add(-time.Minute)
	m.Load([]Override{
		{Selector: Selector{}, Variables: []Variable{
			{Name: "EXPIRED", Value: "gone", ExpiresAt: &past},
		}},
		{Selector: Selector{ServiceID: stringPtr("vision")}, Variables: []Variable{
			{Name: "KEEP", Value: "v"},
			{Name: "ALSO_EXPIRED", Value: "gone", ExpiresAt: &past},
		}},
	})

	if !m.DropExpired() {
		t.Fatal("DropExpired = false, want true")
	}

	snapshot := m.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("overrides after prune = %d, want 1", len(snapshot))
	}
	if len(snapshot[0].Variables) != 1 || snapshot[0].Variables[0].Name != "KEEP" {
		t.Errorf("surviving variables = %+v, want only KEEP", snapshot[0].Variables)
	}

	// Second prune with nothing left to drop reports no change.
	if m.DropExpired() {
		t.Error("second DropExpired = true, want false")
	}
}
