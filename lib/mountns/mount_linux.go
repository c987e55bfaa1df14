// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package mountns

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MountError is a failed mount(2) invocation. Errno preserves the raw
// kernel error code so callers can branch on it (errors.Is works via
// the Unwrap method, since unix.Errno implements the syscall error
// comparisons).
type MountError struct {
	Source string
	Target string
	Errno  unix.Errno
}

func (e *MountError) Error() string {
	name := unix.ErrnoName(e.Errno)
	if name == "" {
		name = fmt.Sprintf("errno %d", int(e.Errno))
	}
	return fmt.Sprintf("bind mount %s onto %s: %s (%s)",
		e.Source, e.Target, e.Errno.Error(), name)
}

func (e *MountError) Unwrap() error {
	return e.Errno
}

// BindMount makes the directory tree at source visible at target via
// mount(2) with MS_BIND. When recursive is true, MS_REC is added so
// that mounts nested under source are carried along; this is required
// when source is itself a composite (the managed package store), and
// unnecessary for mirroring plain top-level host directories.
//
// The target must already exist. Bind-mounting the same pair twice is
// not an error at the syscall level: the kernel stacks a second mount
// entry. Callers that need idempotency must track what they mounted.
func BindMount(source, target string, recursive bool) error {
	flags := uintptr(unix.MS_BIND)
	if recursive {
		flags |= unix.MS_REC
	}

	if err := unix.Mount(source, target, "", flags, ""); err != nil {
		var errno unix.Errno
		if !errors.As(err, &errno) {
			// unix.Mount only returns Errno values, but guard the
			// conversion rather than panic on a future change.
			return fmt.Errorf("bind mount %s onto %s: %w", source, target, err)
		}
		return &MountError{Source: source, Target: target, Errno: errno}
	}
	return nil
}
