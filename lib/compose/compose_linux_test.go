// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package compose

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPlanExcludesReservedName(t *testing.T) {
	t.Parallel()

	hostRoot := t.TempDir()
	for _, dir := range []string{"usr", "etc", "nix", "home"} {
		if err := os.Mkdir(filepath.Join(hostRoot, dir), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	if err := os.Symlink("usr/bin", filepath.Join(hostRoot, "bin")); err != nil {
		t.Fatalf("symlink bin: %v", err)
	}

	steps, err := Plan(hostRoot, "nix")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var names []string
	for _, step := range steps {
		names = append(names, step.Name)
		if step.Name == "nix" {
			t.Error("plan contains the reserved excluded entry")
		}
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"bin", "etc", "home", "usr"}, names); diff != "" {
		t.Errorf("planned names mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanClassifiesEntries(t *testing.T) {
	t.Parallel()

	hostRoot := t.TempDir()
	if err := os.Mkdir(filepath.Join(hostRoot, "usr"), 0o755); err != nil {
		t.Fatalf("mkdir usr: %v", err)
	}
	if err := os.Symlink("usr/bin", filepath.Join(hostRoot, "bin")); err != nil {
		t.Fatalf("symlink bin: %v", err)
	}
	// Regular files at the root (e.g. /initrd.img) have no place in
	// the jail and must be dropped, not mounted.
	if err := os.WriteFile(filepath.Join(hostRoot, "vmlinuz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write vmlinuz: %v", err)
	}

	steps, err := Plan(hostRoot, "nix")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	byName := map[string]Step{}
	for _, step := range steps {
		byName[step.Name] = step
	}

	if step, ok := byName["usr"]; !ok || step.Kind != StepBindMount {
		t.Errorf("usr step = %+v, want bind mount", step)
	}
	if step, ok := byName["bin"]; !ok || step.Kind != StepSymlink || step.LinkTarget != "usr/bin" {
		t.Errorf("bin step = %+v, want symlink to usr/bin", step)
	}
	if _, ok := byName["vmlinuz"]; ok {
		t.Error("plan contains a regular file entry")
	}
}

func TestStageRequiresToken(t *testing.T) {
	t.Parallel()

	err := Stage(nil, Config{
		HostRoot:   t.TempDir(),
		MountPoint: "nix",
		StoreBase:  t.TempDir(),
		StagingDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("Stage accepted a nil isolation token")
	}
}
