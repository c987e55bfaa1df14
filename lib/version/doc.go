// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the
// baseimage binary.
//
// Four package-level variables are injected at build time via
// -ldflags -X; they default to "unknown" / "0.1.0-dev" in
// development builds and test runs. [Info] formats them for
// --version output.
package version
