// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package image produces the final distributable artifact: the
// closure-filtered package store plus a .base symlink to the build
// output, serialized as a compressed tar archive.
//
// The exclusion predicate is the crux of image minimality. The store
// accumulates every entry ever materialized; without the filter the
// image would ship all of them instead of the union of the two
// closures the current build actually needs.
package image

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/baseimage/lib/closure"
	"github.com/bureau-foundation/baseimage/lib/fscopy"
)

// baseLinkName is the image's entry point: a symlink at the top of
// the managed tree pointing at the build output inside the store.
const baseLinkName = ".base"

// storeDirName is the store subdirectory under the managed tree.
const storeDirName = "store"

// topLevelKeep are the managed tree's top-level entries that belong
// in the image. Everything else at that level (the installer's cache
// directory, stray artifacts) is a host/bootstrap detail and is
// dropped. The .base entry is recreated fresh by Assemble, so a
// stale one copied here is harmless and immediately replaced.
var topLevelKeep = map[string]bool{
	baseLinkName: true,
	".bin":       true,
	"etc":        true,
	"var":        true,
	storeDirName: true,
}

// Filter builds the per-directory exclusion predicate for copying
// the managed tree rooted at sourceRoot:
//
//   - at sourceRoot itself, drop everything but the known top-level
//     entries;
//   - at sourceRoot/store, drop entries not in keep;
//   - anywhere else, drop nothing; by construction the walk only
//     descends into retained directories, whose contents are kept
//     whole.
func Filter(keep closure.Set, sourceRoot string) fscopy.IgnoreFunc {
	storeDir := filepath.Join(sourceRoot, storeDirName)
	return func(directory string, names []string) []string {
		switch directory {
		case sourceRoot:
			var skip []string
			for _, name := range names {
				if !topLevelKeep[name] {
					skip = append(skip, name)
				}
			}
			return skip

		case storeDir:
			var skip []string
			for _, name := range names {
				if !keep.Has(name) {
					skip = append(skip, name)
				}
			}
			return skip

		default:
			return nil
		}
	}
}

// Assemble copies the managed tree at storeSource into outDir
// through the closure filter, then replaces any pre-existing .base
// entry with a symlink to buildOutput. Symlinks are preserved
// throughout, never dereferenced.
func Assemble(keep closure.Set, storeSource, buildOutput, outDir string) error {
	if err := fscopy.CopyTree(storeSource, outDir, Filter(keep, storeSource)); err != nil {
		return fmt.Errorf("copy filtered store: %w", err)
	}

	// The store subtree must exist even when the filter kept nothing:
	// an image with an empty store and a dangling .base is still a
	// well-formed (if useless) artifact, and downstream unpacking
	// relies on the directory being present.
	if err := os.MkdirAll(filepath.Join(outDir, storeDirName), 0o755); err != nil {
		return fmt.Errorf("ensure store directory: %w", err)
	}

	baseLink := filepath.Join(outDir, baseLinkName)
	if err := os.Remove(baseLink); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale base link: %w", err)
	}
	if err := os.Symlink(buildOutput, baseLink); err != nil {
		return fmt.Errorf("create base link: %w", err)
	}
	return nil
}

// Config holds the inputs for producing the final image archive.
type Config struct {
	// Keep is the union of the installer and build closures.
	Keep closure.Set

	// StoreSource is the managed tree to package, "/nix" when called
	// from inside the jail.
	StoreSource string

	// BuildOutput is the build result path the .base link points at.
	BuildOutput string

	// OutputFile is the archive file to write.
	OutputFile string

	// Compression selects the archive compression algorithm.
	Compression Compression

	// Logger for packaging progress. Defaults to slog.Default.
	Logger *slog.Logger
}

// Build assembles the filtered image tree in a scratch directory and
// serializes it to the configured archive file.
func Build(config Config) error {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	outDir, err := os.MkdirTemp("", "baseimage-image-*")
	if err != nil {
		return fmt.Errorf("create image scratch directory: %w", err)
	}
	// The assembled tree replicates the store's read-only directory
	// modes; plain RemoveAll would leave residue.
	defer fscopy.RemoveAll(outDir)

	logger.Info("assembling image", "store", config.StoreSource,
		"keep", len(config.Keep), "scratch", outDir)
	if err := Assemble(config.Keep, config.StoreSource, config.BuildOutput, outDir); err != nil {
		return err
	}

	logger.Info("compressing image", "output", config.OutputFile,
		"compression", string(config.Compression))
	if err := Archive(outDir, config.OutputFile, config.Compression); err != nil {
		return err
	}

	logger.Info("image complete", "output", config.OutputFile)
	return nil
}
