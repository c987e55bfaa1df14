// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package isolate

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Token proves that the holding process is confined to a user+mount
// namespace with identity UID/GID mappings. It is produced only by
// Confirm and Enter, and is required by every later pipeline stage
// that mutates the mount table or changes root.
type Token struct {
	uid int
	gid int
}

// UID returns the mapped user ID (identical inside and outside the
// namespace by construction).
func (t *Token) UID() int { return t.uid }

// GID returns the mapped group ID.
func (t *Token) GID() int { return t.gid }

// SpawnAttr builds the SysProcAttr that clones a child directly into
// a fresh user+mount namespace pair with identity mappings for the
// current UID and GID. Creating both namespaces in one clone is
// deliberate: unsharing them separately leaves an intermediate state
// with a new mount namespace still owned by the original, more
// privileged user namespace.
//
// GidMappingsEnableSetgroups is false so that the runtime writes
// "deny" to the child's setgroups file before the GID map. The kernel
// refuses a GID map from an unprivileged writer while setgroups is
// still allowed, so this ordering is mandatory, not stylistic.
func SpawnAttr() *syscall.SysProcAttr {
	uid := os.Getuid()
	gid := os.Getgid()
	return &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: uid, HostID: uid, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: gid, HostID: gid, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
}

// Confirm verifies that the current process runs inside a user
// namespace with single-entry identity UID and GID mappings, and
// returns the capability token on success. The worker process calls
// this immediately after being spawned with SpawnAttr; a failure
// means the process is still in the host namespace and must not
// proceed to mount or chroot operations.
func Confirm() (*Token, error) {
	uid := os.Getuid()
	gid := os.Getgid()

	if err := confirmIdentityMap("/proc/self/uid_map", uid); err != nil {
		return nil, err
	}
	if err := confirmIdentityMap("/proc/self/gid_map", gid); err != nil {
		return nil, err
	}
	return &Token{uid: uid, gid: gid}, nil
}

// Enter unshares a new user+mount namespace pair for the current
// process and writes the identity mappings itself, in the mandatory
// order: atomic unshare of both namespaces, uid_map, "deny" to
// setgroups, gid_map.
//
// The kernel rejects unshare(CLONE_NEWUSER) from any multi-threaded
// process with EINVAL, and a Go runtime is multi-threaded before main
// runs. Enter therefore only succeeds in single-threaded contexts
// (for example a process re-executed under a constrained init), and
// the namespace transition is single-use: a second call from the same
// process fails at the unshare step. The supervisor/worker pipeline
// uses SpawnAttr instead.
func Enter() (*Token, error) {
	uid := os.Getuid()
	gid := os.Getgid()

	if err := unix.Unshare(unix.CLONE_NEWUSER | unix.CLONE_NEWNS); err != nil {
		return nil, fmt.Errorf("unshare user+mount namespace: %w", err)
	}

	uidMap := fmt.Sprintf("%d %d 1\n", uid, uid)
	if err := os.WriteFile("/proc/self/uid_map", []byte(uidMap), 0); err != nil {
		return nil, fmt.Errorf("write uid_map: %w", err)
	}
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0); err != nil {
		return nil, fmt.Errorf("deny setgroups: %w", err)
	}
	gidMap := fmt.Sprintf("%d %d 1\n", gid, gid)
	if err := os.WriteFile("/proc/self/gid_map", []byte(gidMap), 0); err != nil {
		return nil, fmt.Errorf("write gid_map: %w", err)
	}

	return &Token{uid: uid, gid: gid}, nil
}

// idMapEntry is one line of a /proc/<pid>/uid_map or gid_map file:
// the ID inside the namespace, the ID it maps to in the parent
// namespace, and the length of the mapped range.
type idMapEntry struct {
	inside  int
	outside int
	count   int
}

// parseIDMap parses the three-column ID map format. An empty file is
// valid (a freshly created user namespace before its map is written)
// and yields no entries.
func parseIDMap(content string) ([]idMapEntry, error) {
	var entries []idMapEntry
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ID map line %q", line)
		}
		var entry idMapEntry
		var err error
		if entry.inside, err = strconv.Atoi(fields[0]); err != nil {
			return nil, fmt.Errorf("malformed ID map line %q: %w", line, err)
		}
		if entry.outside, err = strconv.Atoi(fields[1]); err != nil {
			return nil, fmt.Errorf("malformed ID map line %q: %w", line, err)
		}
		if entry.count, err = strconv.Atoi(fields[2]); err != nil {
			return nil, fmt.Errorf("malformed ID map line %q: %w", line, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// confirmIdentityMap reads an ID map file and checks that it holds
// exactly one entry mapping id to itself with a range of one. The
// host's root user namespace has a full-range map (0 0 4294967295),
// so this check distinguishes "inside the build namespace" from
// "still on the host".
func confirmIdentityMap(path string, id int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	entries, err := parseIDMap(string(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(entries) != 1 {
		return fmt.Errorf("%s has %d entries, want exactly one identity entry", path, len(entries))
	}
	entry := entries[0]
	if entry.inside != id || entry.outside != id || entry.count != 1 {
		return fmt.Errorf("%s maps %d->%d (count %d), want identity mapping %d->%d (count 1)",
			path, entry.inside, entry.outside, entry.count, id, id)
	}
	return nil
}
