// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package isolate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseIDMap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []idMapEntry
		wantErr bool
	}{
		{
			name:    "identity entry",
			content: "      1000       1000          1\n",
			want:    []idMapEntry{{inside: 1000, outside: 1000, count: 1}},
		},
		{
			name:    "host root full-range map",
			content: "         0          0 4294967295\n",
			want:    []idMapEntry{{inside: 0, outside: 0, count: 4294967295}},
		},
		{
			name:    "multiple entries",
			content: "0 1000 1\n1 100000 65536\n",
			want: []idMapEntry{
				{inside: 0, outside: 1000, count: 1},
				{inside: 1, outside: 100000, count: 65536},
			},
		},
		{
			name:    "empty map of a fresh namespace",
			content: "",
			want:    nil,
		},
		{
			name:    "wrong column count",
			content: "1000 1000\n",
			wantErr: true,
		},
		{
			name:    "non-numeric column",
			content: "1000 abc 1\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseIDMap(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseIDMap: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(idMapEntry{})); diff != "" {
				t.Errorf("entries mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfirmOutsideNamespace(t *testing.T) {
	t.Parallel()

	// The test process runs in an ordinary namespace (full-range or
	// multi-entry map), so Confirm must refuse to issue a token.
	// Inside a CI user namespace with a genuine identity mapping the
	// premise does not hold, so detect that and skip.
	data, err := os.ReadFile("/proc/self/uid_map")
	if err != nil {
		t.Fatalf("read uid_map: %v", err)
	}
	entries, err := parseIDMap(string(data))
	if err != nil {
		t.Fatalf("parse uid_map: %v", err)
	}
	uid := os.Getuid()
	if len(entries) == 1 && entries[0].inside == uid && entries[0].outside == uid && entries[0].count == 1 {
		t.Skip("test process already has an identity mapping")
	}

	if _, err := Confirm(); err == nil {
		t.Fatal("Confirm succeeded outside an identity-mapped namespace")
	}
}

func TestEnterFailsInMultithreadedProcess(t *testing.T) {
	// The Go runtime spawns threads before main, and the kernel
	// rejects unshare(CLONE_NEWUSER) from multi-threaded processes.
	// This is the enforcement of Enter's documented precondition, and
	// also covers the single-use property: once a process cannot (or
	// already did) unshare, the next attempt fails at the same step.
	_, err := Enter()
	if err == nil {
		t.Fatal("Enter succeeded in a multi-threaded process")
	}
	if !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.EPERM) {
		t.Errorf("Enter error = %v, want EINVAL (multi-threaded) or EPERM (policy)", err)
	}
}

func TestSpawnAttr(t *testing.T) {
	t.Parallel()

	attr := SpawnAttr()

	if attr.Cloneflags&syscall.CLONE_NEWUSER == 0 || attr.Cloneflags&syscall.CLONE_NEWNS == 0 {
		t.Errorf("Cloneflags = %#x, want CLONE_NEWUSER|CLONE_NEWNS set", attr.Cloneflags)
	}
	if attr.GidMappingsEnableSetgroups {
		t.Error("GidMappingsEnableSetgroups = true; setgroups must be denied before the GID map is written")
	}

	uid := os.Getuid()
	wantUID := []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
	if diff := cmp.Diff(wantUID, attr.UidMappings); diff != "" {
		t.Errorf("UidMappings mismatch (-want +got):\n%s", diff)
	}

	gid := os.Getgid()
	wantGID := []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	if diff := cmp.Diff(wantGID, attr.GidMappings); diff != "" {
		t.Errorf("GidMappings mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckPolicy(t *testing.T) {
	t.Parallel()

	writePolicy := func(t *testing.T, values map[string]string) string {
		t.Helper()
		dir := t.TempDir()
		for name, value := range values {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644); err != nil {
				t.Fatalf("write fixture %s: %v", name, err)
			}
		}
		return dir
	}

	t.Run("no switches present", func(t *testing.T) {
		t.Parallel()
		dir := writePolicy(t, nil)
		if err := checkPolicyAt(dir); err != nil {
			t.Errorf("checkPolicyAt = %v, want nil on a mainline kernel", err)
		}
	})

	t.Run("both switches permissive", func(t *testing.T) {
		t.Parallel()
		dir := writePolicy(t, map[string]string{
			"unprivileged_userns_clone":             "1\n",
			"apparmor_restrict_unprivileged_userns": "0\n",
		})
		if err := checkPolicyAt(dir); err != nil {
			t.Errorf("checkPolicyAt = %v, want nil", err)
		}
	})

	t.Run("clone restricted", func(t *testing.T) {
		t.Parallel()
		dir := writePolicy(t, map[string]string{"unprivileged_userns_clone": "0\n"})
		err := checkPolicyAt(dir)
		var policyErr *PolicyError
		if !errors.As(err, &policyErr) {
			t.Fatalf("error = %v, want *PolicyError", err)
		}
		if policyErr.Switch != "unprivileged_userns_clone" {
			t.Errorf("Switch = %q, want unprivileged_userns_clone", policyErr.Switch)
		}
		if !strings.Contains(policyErr.Error(), "unprivileged_userns_clone") {
			t.Errorf("message %q does not name the restriction", policyErr.Error())
		}
	})

	t.Run("apparmor restricted", func(t *testing.T) {
		t.Parallel()
		dir := writePolicy(t, map[string]string{
			"unprivileged_userns_clone":             "1\n",
			"apparmor_restrict_unprivileged_userns": "1\n",
		})
		err := checkPolicyAt(dir)
		var policyErr *PolicyError
		if !errors.As(err, &policyErr) {
			t.Fatalf("error = %v, want *PolicyError", err)
		}
		if policyErr.Switch != "apparmor_restrict_unprivileged_userns" {
			t.Errorf("Switch = %q, want apparmor_restrict_unprivileged_userns", policyErr.Switch)
		}
	})
}
