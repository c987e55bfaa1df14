// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store installs and describes the immutable package store
// that seeds the base image build.
//
// The store lives under a single base directory (by convention
// ./nix, bind-mounted to /nix inside the build jail) with a fixed
// layout:
//
//	<base>/store        the package store itself (append-only)
//	<base>/.cache       installer bookkeeping (closure cache file)
//	<base>/etc          tool configuration (never overwritten)
//	<base>/var/nix      state directory the build tool requires
//	<base>/.bin         symlink to the tool's bin directory
//
// [Layout] computes these paths; [Installer.Install] populates them
// idempotently. Once populated, every top-level store entry has its
// write bits stripped and the store is only ever extended, never
// rewritten or deleted, by this module.
package store

import "path/filepath"

// Layout addresses the fixed directory structure under a store base
// directory.
type Layout struct {
	// Base is the absolute or caller-relative base directory.
	Base string
}

// StoreDir is the package store subdirectory.
func (l Layout) StoreDir() string { return filepath.Join(l.Base, "store") }

// CacheDir holds installer bookkeeping.
func (l Layout) CacheDir() string { return filepath.Join(l.Base, ".cache") }

// ConfigDir holds the tool configuration.
func (l Layout) ConfigDir() string { return filepath.Join(l.Base, "etc") }

// VarDir is the state directory the build tool expects to exist.
func (l Layout) VarDir() string { return filepath.Join(l.Base, "var", "nix") }

// BinLink is the convenience symlink to the tool's bin directory.
func (l Layout) BinLink() string { return filepath.Join(l.Base, ".bin") }

// ClosureFile is the persisted installer closure: one store entry
// name per line, written once per completed installation and re-read
// verbatim on idempotent runs.
func (l Layout) ClosureFile() string {
	return filepath.Join(l.CacheDir(), "base_paths")
}

// ConfigFile is the tool configuration file inside ConfigDir.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.ConfigDir(), "nix.conf")
}
