// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// baseimage builds a minimal, reproducible root-filesystem archive
// for a sandboxed build environment.
//
// One invocation performs exactly one isolated build-and-package run:
// it installs (or reuses) an immutable package store, re-executes
// itself as a worker confined to a fresh user+mount namespace,
// composes a staging root that mirrors the host with the store
// mounted at /nix, chroots into it, runs the configured build, and
// packages the store entries reachable from the union of the
// installer and build closures into a compressed archive.
//
// Usage:
//
//	baseimage [flags]
//	baseimage --version
//
// The installer script and build description are supplied via flags
// or a YAML config file (--config or BASEIMAGE_CONFIG). Set
// BASEIMAGE_DEBUG=1 for debug logging.
package main
