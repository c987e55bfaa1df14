// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package closure implements the name-based retain list used to
// decide which package store entries survive into the final image.
//
// A closure here is a set of store entry names (basenames, never full
// paths). Two closures exist per pipeline run: the installer's (what
// the build tool itself needs) and the build's (what the build output
// needs). They are always unioned, never intersected, when filtering
// the store: dropping an entry that either side needs breaks the
// image, while keeping one extra entry only wastes bytes.
package closure

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Set is a closure: a set of store entry names.
type Set map[string]struct{}

// New returns a Set containing the given names.
func New(names ...string) Set {
	set := make(Set, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Add inserts name into the set.
func (s Set) Add(name string) {
	s[name] = struct{}{}
}

// Union returns a new set containing every name present in either
// operand. Neither operand is modified.
func (s Set) Union(other Set) Set {
	result := make(Set, len(s)+len(other))
	for name := range s {
		result[name] = struct{}{}
	}
	for name := range other {
		result[name] = struct{}{}
	}
	return result
}

// Names returns the members sorted ascending. Sorting makes the
// persisted cache file and log output deterministic.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadFile loads a closure from a cache file: one entry name per
// line, blank lines ignored. The format is shared with WriteFile and
// re-read verbatim on idempotent installer runs.
func ReadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read closure cache %s: %w", path, err)
	}
	set := make(Set)
	for _, line := range strings.Split(string(data), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		set.Add(name)
	}
	return set, nil
}

// WriteFile persists the closure to path, one name per line in
// sorted order, with a trailing newline.
func WriteFile(path string, s Set) error {
	content := strings.Join(s.Names(), "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write closure cache %s: %w", path, err)
	}
	return nil
}
