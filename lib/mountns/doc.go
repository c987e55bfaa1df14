// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mountns wraps the raw mount(2) syscall for bind-mounting
// directories inside an isolated mount namespace.
//
// [BindMount] is the only mutation this package performs. It must be
// called from a process that has already unshared (or been cloned
// into) its own mount namespace: a bind mount created in the host's
// root mount namespace mutates the host's real mount table, which is
// a correctness hazard for the base image pipeline, not merely a
// privilege one. The lib/isolate package produces the capability
// token that callers use to prove the namespace transition happened.
//
// Failures surface as [*MountError] carrying the raw errno alongside
// its symbolic name, so callers can distinguish policy restrictions
// (EPERM) from precondition violations (EBUSY, ENOENT) without string
// matching.
package mountns
