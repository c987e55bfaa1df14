// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package realize runs the external build tool inside the composed
// jail and captures the build output path and its dependency closure.
//
// [Run] performs the privilege transition (chroot into the staging
// tree) and therefore requires the isolation token: chrooting the
// process outside its own namespace would jail the caller for real.
// The transition is one-way; Run is the last thing a worker process
// does before packaging and exiting.
package realize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/baseimage/lib/closure"
	"github.com/bureau-foundation/baseimage/lib/isolate"
	"github.com/bureau-foundation/baseimage/lib/nix"
)

// buildEnv is the complete environment of the build tool inside the
// jail. Exactly two variables: a deterministic PATH rooted at the
// store's bin symlink, and the pinned configuration directory. The
// build must not see ambient host configuration, which is what makes
// two runs of the pipeline comparable.
func buildEnv() []string {
	return []string{
		"PATH=/nix/.bin:/usr/local/bin:/usr/bin:/bin",
		"NIX_CONF_DIR=/nix/etc",
	}
}

// Config holds the inputs for an isolated build.
type Config struct {
	// StagingDir is the composed staging tree to chroot into.
	StagingDir string

	// FlakeDir is the build description directory, resolved inside
	// the jail (its path must be valid post-chroot, which holds for
	// any host path because the staging tree mirrors the host root).
	FlakeDir string

	// Logger for build progress. Defaults to slog.Default.
	Logger *slog.Logger
}

// Run chroots into the staging tree, invokes the build tool against
// the configured build description, and returns the build output
// path (the target of the result symlink the tool leaves behind)
// together with the output's dependency closure as store entry
// names.
//
// Any non-zero exit from the build tool or the closure query is
// fatal; no partial result is returned.
func Run(ctx context.Context, token *isolate.Token, config Config) (string, closure.Set, error) {
	if token == nil {
		return "", nil, fmt.Errorf("isolated build requires an isolation token")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// The working directory's path means something different after
	// chroot; re-resolve it by path so relative operations stay
	// anchored to the same directory name (which the staging tree
	// mirrors from the host).
	workingDirectory, err := os.Getwd()
	if err != nil {
		return "", nil, fmt.Errorf("resolve working directory: %w", err)
	}
	if err := unix.Chroot(config.StagingDir); err != nil {
		return "", nil, fmt.Errorf("chroot into %s: %w", config.StagingDir, err)
	}
	if err := os.Chdir(workingDirectory); err != nil {
		return "", nil, fmt.Errorf("restore working directory %s after chroot: %w", workingDirectory, err)
	}

	buildDir, err := os.MkdirTemp("", "baseimage-build-*")
	if err != nil {
		return "", nil, fmt.Errorf("create build directory: %w", err)
	}
	defer os.RemoveAll(buildDir)

	runner := &nix.Runner{Env: buildEnv(), Dir: buildDir}

	logger.Info("building", "flake", config.FlakeDir)
	if _, err := runner.Build(ctx, config.FlakeDir); err != nil {
		return "", nil, err
	}

	resultLink := filepath.Join(buildDir, "result")
	resultPath, err := os.Readlink(resultLink)
	if err != nil {
		return "", nil, fmt.Errorf("build tool left no result symlink in %s: %w", buildDir, err)
	}

	logger.Info("querying build closure", "result", resultPath)
	paths, err := runner.QueryRequisites(ctx, resultLink)
	if err != nil {
		return "", nil, err
	}

	buildClosure, err := closureFromPaths(paths)
	if err != nil {
		return "", nil, err
	}

	logger.Info("build complete", "result", resultPath, "closure", len(buildClosure))
	return resultPath, buildClosure, nil
}

// closureFromPaths converts absolute store paths (one per dependency
// query output line) into the bare entry names the retain list
// operates on.
func closureFromPaths(paths []string) (closure.Set, error) {
	set := make(closure.Set, len(paths))
	for _, path := range paths {
		name, err := nix.EntryName(path)
		if err != nil {
			return nil, fmt.Errorf("dependency query returned unexpected path: %w", err)
		}
		set.Add(name)
	}
	return set, nil
}
