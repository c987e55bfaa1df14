// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package compose assembles the staging directory that becomes the
// build jail's root filesystem.
//
// The staging tree mirrors the host root: symlinked top-level entries
// (like /bin on merged-usr systems) are recreated as symlinks,
// directories are bind-mounted, and the one reserved entry (the
// managed store mount point, conventionally "nix") is skipped during
// mirroring and then bind-mounted from the installed store base
// instead. Mirror planning ([Plan]) is pure and separated from mount
// execution ([Stage]) so the exclusion logic is testable without
// privileges.
//
// Stage requires the capability token from lib/isolate: every mount
// it creates is scoped to the caller's mount namespace, and running
// it in the host namespace would mutate the host's real mount table.
package compose

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/baseimage/lib/isolate"
	"github.com/bureau-foundation/baseimage/lib/mountns"
)

// StepKind distinguishes mirror steps.
type StepKind int

const (
	// StepSymlink recreates a host symlink inside the staging tree.
	// Bind-mounting a symlinked entry would be both unnecessary and
	// wrong: the mount would target the link's destination and lose
	// the link itself.
	StepSymlink StepKind = iota

	// StepBindMount creates an empty directory and bind-mounts the
	// host directory onto it (non-recursive: top-level mirroring does
	// not carry nested host mounts).
	StepBindMount
)

// Step is one planned mirror operation for a top-level host entry.
type Step struct {
	// Name is the entry's basename under the host root.
	Name string

	// Kind selects symlink recreation or bind mounting.
	Kind StepKind

	// LinkTarget is the symlink destination, set only for StepSymlink.
	LinkTarget string
}

// Plan lists the mirror steps for every entry directly under
// hostRoot except the one named exclude (the reserved store mount
// point) and except non-directory, non-symlink entries, which have
// no meaning at the root of a jail.
func Plan(hostRoot, exclude string) ([]Step, error) {
	entries, err := os.ReadDir(hostRoot)
	if err != nil {
		return nil, fmt.Errorf("read host root %s: %w", hostRoot, err)
	}

	var steps []Step
	for _, entry := range entries {
		if entry.Name() == exclude {
			continue
		}

		entryPath := filepath.Join(hostRoot, entry.Name())
		info, err := os.Lstat(entryPath)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entryPath, err)
		}

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(entryPath)
			if err != nil {
				return nil, fmt.Errorf("read symlink %s: %w", entryPath, err)
			}
			steps = append(steps, Step{Name: entry.Name(), Kind: StepSymlink, LinkTarget: target})

		case info.IsDir():
			steps = append(steps, Step{Name: entry.Name(), Kind: StepBindMount})
		}
	}
	return steps, nil
}

// Config holds the inputs for staging a build jail.
type Config struct {
	// HostRoot is the filesystem root to mirror, normally "/".
	HostRoot string

	// MountPoint is the reserved top-level name, excluded from
	// mirroring and used as the store's mount point, normally "nix".
	MountPoint string

	// StoreBase is the installed store base directory, bind-mounted
	// recursively onto MountPoint. Recursive because the store base
	// is caller-provided and need not be a single host directory.
	StoreBase string

	// StagingDir is the empty directory to assemble the jail in.
	StagingDir string

	// Logger for composition progress. Defaults to slog.Default.
	Logger *slog.Logger
}

// Stage assembles the staging tree. The token proves the caller has
// entered its own mount namespace; Stage must run after namespace
// isolation and before the chroot transition. Mounts created here
// are reclaimed by the kernel when the namespace's last process
// exits, so there is no unwind path.
func Stage(token *isolate.Token, config Config) error {
	if token == nil {
		return fmt.Errorf("staging requires an isolation token")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	steps, err := Plan(config.HostRoot, config.MountPoint)
	if err != nil {
		return err
	}

	for _, step := range steps {
		stagingPath := filepath.Join(config.StagingDir, step.Name)
		hostPath := filepath.Join(config.HostRoot, step.Name)

		switch step.Kind {
		case StepSymlink:
			logger.Debug("recreating symlink", "name", step.Name, "target", step.LinkTarget)
			if err := os.Symlink(step.LinkTarget, stagingPath); err != nil {
				return fmt.Errorf("recreate symlink %s: %w", stagingPath, err)
			}

		case StepBindMount:
			logger.Debug("bind mounting", "name", step.Name)
			if err := os.Mkdir(stagingPath, 0o755); err != nil {
				return fmt.Errorf("create mount point %s: %w", stagingPath, err)
			}
			if err := mountns.BindMount(hostPath, stagingPath, false); err != nil {
				return err
			}
		}
	}

	storeMount := filepath.Join(config.StagingDir, config.MountPoint)
	logger.Debug("mounting store", "base", config.StoreBase, "at", storeMount)
	if err := os.Mkdir(storeMount, 0o755); err != nil {
		return fmt.Errorf("create store mount point %s: %w", storeMount, err)
	}
	if err := mountns.BindMount(config.StoreBase, storeMount, true); err != nil {
		return err
	}
	return nil
}
