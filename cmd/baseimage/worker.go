// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/bureau-foundation/baseimage/lib/closure"
	"github.com/bureau-foundation/baseimage/lib/compose"
	"github.com/bureau-foundation/baseimage/lib/image"
	"github.com/bureau-foundation/baseimage/lib/isolate"
	"github.com/bureau-foundation/baseimage/lib/realize"
	"github.com/bureau-foundation/baseimage/lib/store"
)

// reservedMountPoint is the top-level name where the store is made
// visible inside the jail, and the only host root entry excluded
// from mirroring.
const reservedMountPoint = "nix"

// jailStoreBase is the managed tree as seen from inside the jail.
const jailStoreBase = "/" + reservedMountPoint

// runWorker is the namespace-confined side of the pipeline. Its
// argument vector is internal: base, staging, flake, output,
// compression, in that order, as assembled by superviseWorker.
//
// The sequence is fixed and may not be reordered: confirm namespace
// membership, compose the staging tree, chroot and build, package.
// Composing before isolation would mutate the host mount table;
// chrooting before composition would jail the process into an
// incomplete tree; packaging before the build would capture a
// nonexistent output.
func runWorker(args []string) error {
	if len(args) != 5 {
		return fmt.Errorf("worker invoked with %d arguments, want 5 (internal interface)", len(args))
	}
	base, stagingDir, flakeDir, outputFile := args[0], args[1], args[2], args[3]
	compression, err := image.ParseCompression(args[4])
	if err != nil {
		return err
	}

	logger := newLogger(false)

	token, err := isolate.Confirm()
	if err != nil {
		return fmt.Errorf("worker not inside an identity-mapped namespace: %w", err)
	}
	logger.Debug("namespace confirmed", "uid", token.UID(), "gid", token.GID())

	layout := store.Layout{Base: base}
	installerClosure, err := closure.ReadFile(layout.ClosureFile())
	if err != nil {
		return err
	}

	err = compose.Stage(token, compose.Config{
		HostRoot:   "/",
		MountPoint: reservedMountPoint,
		StoreBase:  base,
		StagingDir: stagingDir,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// SIGINT is watched narrowly around the build-and-package step:
	// an interrupt there must still produce a clean zero exit so the
	// namespace (and with it every staged mount) is torn down by
	// normal process death rather than left to a killed child. No
	// mount rollback exists or is needed.
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	defer signal.Stop(interrupted)

	if err := buildAndPackage(logger, token, installerClosure, stagingDir, flakeDir, outputFile, compression); err != nil {
		select {
		case <-interrupted:
			logger.Warn("interrupted, exiting cleanly")
			return nil
		default:
			return err
		}
	}
	return nil
}

// buildAndPackage runs the chroot'd build and packages the result.
// Everything in here executes with the staging tree as the process
// root once realize.Run has performed the transition.
func buildAndPackage(logger *slog.Logger, token *isolate.Token, installerClosure closure.Set,
	stagingDir, flakeDir, outputFile string, compression image.Compression) error {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	resultPath, buildClosure, err := realize.Run(ctx, token, realize.Config{
		StagingDir: stagingDir,
		FlakeDir:   flakeDir,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	return image.Build(image.Config{
		Keep:        installerClosure.Union(buildClosure),
		StoreSource: jailStoreBase,
		BuildOutput: resultPath,
		OutputFile:  outputFile,
		Compression: compression,
		Logger:      logger,
	})
}
