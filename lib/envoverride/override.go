// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envoverride

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/keel/lib/instance"
)

// MaxNameLength bounds environment variable names. Longer names are
// rejected as invalid.
const MaxNameLength = 512

// Variable is one override environment variable. A nil ExpiresAt
// means the variable never expires; an ExpiresAt in the past means
// the variable is skipped at evaluation and dropped from persistence
// at the next reconcile.
type Variable struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`

	ExpiresAt *time.Time `cbor:"expires_at,omitempty"`
}

// Expired reports whether the variable's expiry has passed at now.
func (v Variable) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && !v.ExpiresAt.After(now)
}

// Selector matches instances on any subset of the ident fields. A nil
// field matches everything; a fully unset selector is a wildcard.
type Selector struct {
	ServiceID *string `cbor:"service_id,omitempty"`
	SubjectID *string `cbor:"subject_id,omitempty"`
	Instance  *uint64 `cbor:"instance,omitempty"`
}

// Matches reports whether the selector matches the given ident.
func (s Selector) Matches(id instance.Ident) bool {
	if s.ServiceID != nil && *s.ServiceID != id.ServiceID {
		return false
	}
	if s.SubjectID != nil && *s.SubjectID != id.SubjectID {
		return false
	}
	if s.Instance != nil && *s.Instance != id.Instance {
		return false
	}
	return true
}

// Specificity counts the bound selector fields: 3 for an exact ident,
// 0 for a full wildcard. More specific overrides win at evaluation.
func (s Selector) Specificity() int {
	n := 0
	if s.ServiceID != nil {
		n++
	}
	if s.SubjectID != nil {
		n++
	}
	if s.Instance != nil {
		n++
	}
	return n
}

// String renders the selector with "*" for unbound fields, matching
// the ident's "service:subject:index" layout.
func (s Selector) String() string {
	service, subject, index := "*", "*", "*"
	if s.ServiceID != nil {
		service = *s.ServiceID
	}
	if s.SubjectID != nil {
		subject = *s.SubjectID
	}
	if s.Instance != nil {
		index = fmt.Sprintf("%d", *s.Instance)
	}
	return service + ":" + subject + ":" + index
}

// Override is one entry of the override set: a selector and the
// variables applied to instances it matches.
type Override struct {
	Selector  Selector   `cbor:"selector"`
	Variables []Variable `cbor:"variables"`
}

// Validate checks every variable of the override. Returns nil when
// all variables are acceptable, or a joined error naming each
// offending variable.
func (o Override) Validate() error {
	var errs []error
	for _, v := range o.Variables {
		if v.Name == "" {
			errs = append(errs, errors.New("variable with empty name"))
			continue
		}
		if len(v.Name) > MaxNameLength {
			errs = append(errs, fmt.Errorf("variable name %.32q... exceeds %d bytes", v.Name, MaxNameLength))
		}
		if strings.ContainsRune(v.Name, 0) {
			errs = append(errs, fmt.Errorf("variable %q: NUL byte in name", v.Name))
		}
		if strings.ContainsRune(v.Value, 0) {
			errs = append(errs, fmt.Errorf("variable %q: NUL byte in value", v.Name))
		}
	}
	return errors.Join(errs...)
}

// Result classifies the outcome of applying one override entry.
type Result int

const (
	// Applied means the entry was accepted and persisted.
	Applied Result = iota

	// Invalid means a variable failed validation; the entry was
	// discarded.
	Invalid

	// NotFound means the selector matched no currently-known
	// instance; the entry was discarded.
	NotFound
)

var resultNames = [...]string{
	Applied:  "applied",
	Invalid:  "invalid",
	NotFound: "not found",
}

// String returns the lowercase result name.
func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return "unknown"
	}
	return resultNames[r]
}

// Status is the per-entry outcome returned to the control plane.
type Status struct {
	Selector Selector
	Result   Result

	// Err carries the validation detail when Result is Invalid.
	Err error
}
