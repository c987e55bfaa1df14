// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package isolate creates and verifies the user+mount namespace pair
// that confines a base image build.
//
// The namespace transition is one-way for the lifetime of a process,
// so it is represented as a typed capability: [Confirm] returns a
// [*Token] only when the calling process is inside a user namespace
// with a single-entry identity UID/GID mapping, and the composition
// and chroot stages require that token as their first argument.
// Nothing in this package models "leaving" a namespace because the
// kernel offers no such operation.
//
// A Go process is multi-threaded from the first instruction of the
// runtime, and unshare(CLONE_NEWUSER) fails with EINVAL for any
// multi-threaded caller. The supervisor therefore creates both
// namespaces atomically at clone time, using the SysProcAttr from
// [SpawnAttr] when it re-executes itself as the worker process. The
// Go runtime writes the identity mappings in the kernel-required
// order (uid_map, then "deny" to setgroups, then gid_map). [Enter]
// performs the same sequence in-process for callers that can
// guarantee a single-threaded context; under a normal Go runtime it
// reliably fails, which doubles as the enforcement of its
// precondition.
//
// [CheckPolicy] is the read-only pre-flight check: it inspects the
// kernel switches that distributions use to disable unprivileged user
// namespaces, so the pipeline can abort with a specific restriction
// name before mutating anything.
package isolate
