// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

func TestMarshalDeterministic(t *testing.T) {
	// Maps are the classic source of nondeterminism: Go iteration
	// order varies run to run. Deterministic encoding must sort keys.
	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal attempt %d: %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("Marshal attempt %d produced different bytes", i)
		}
	}
}

func TestRoundTripStruct(t *testing.T) {
	type record struct {
		Name    string     `cbor:"name"`
		Count   uint64     `cbor:"count"`
		Expires *time.Time `cbor:"expires,omitempty"`
	}

	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	in := record{Name: "vision-service", Count: 3, Expires: &expiry}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out record
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
	if out.Expires == nil || !out.Expires.Equal(expiry) {
		t.Errorf("Expires = %v, want %v", out.Expires, expiry)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	// A newer writer may add fields. Decoding into an older struct
	// must not fail.
	data, err := Marshal(map[string]any{"known": "yes", "future_field": 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out struct {
		Known string `cbor:"known"`
	}
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if out.Known != "yes" {
		t.Errorf("Known = %q, want %q", out.Known, "yes")
	}
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": 1}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	top, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", out)
	}
	if _, ok := top["outer"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", top["outer"])
	}
}
