// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bureau-foundation/baseimage/lib/closure"
	"github.com/bureau-foundation/baseimage/lib/fscopy"
)

// defaultConfig is written to <base>/etc/nix.conf on first
// installation, and only then: a user-supplied config is never
// overwritten. Sandboxing is off because the build already runs
// inside this pipeline's own namespace jail, and a build-users-group
// cannot exist for an unprivileged single-user store.
const defaultConfig = `experimental-features = nix-command flakes
sandbox = false
build-users-group =
`

// storePathPattern extracts the canonical store path of the installed
// tool binaries from the downloaded install script. The grammar is
// exact (a line starting with nix=" followed by a /nix/store path)
// and a mismatch is fatal: silently guessing the tool location would
// produce a jail with a broken .bin symlink, which fails much later
// and much more confusingly.
var storePathPattern = regexp.MustCompile(`(?m)^nix="(/nix/store/[^"]*)"`)

// Installer populates a store base directory using an external
// installer program (a download script that unpacks the package
// manager's self-contained artifact into a given directory).
type Installer struct {
	// Script is the path of the installer program. It is invoked with
	// a single argument: the scratch directory to populate.
	Script string

	// Logger for installation progress. Defaults to slog.Default.
	Logger *slog.Logger
}

// Install populates the store layout under base and returns the
// installer closure: the set of top-level store entry names the
// build tool needs to bootstrap.
//
// Install is idempotent: when the store, cache, and config
// directories all exist, the previously recorded closure is returned
// from the cache file with no external invocation and no filesystem
// mutation. Re-running after a mid-install failure is safe for the
// same reason the check exists: a partial tree fails the triple
// check and is rebuilt.
func (i *Installer) Install(ctx context.Context, base string) (closure.Set, error) {
	logger := i.Logger
	if logger == nil {
		logger = slog.Default()
	}
	layout := Layout{Base: base}

	if allExist(layout.StoreDir(), layout.CacheDir(), layout.ConfigDir()) {
		logger.Debug("store already installed, reading cached closure",
			"base", base, "cache", layout.ClosureFile())
		return closure.ReadFile(layout.ClosureFile())
	}

	scratch, err := os.MkdirTemp("", "baseimage-install-*")
	if err != nil {
		return nil, fmt.Errorf("create install scratch directory: %w", err)
	}
	// The unpacked artifact contains read-only store directories;
	// plain RemoveAll would leave residue.
	defer fscopy.RemoveAll(scratch)

	logger.Info("running store installer", "script", i.Script, "scratch", scratch)
	if err := i.runScript(ctx, scratch); err != nil {
		return nil, err
	}

	scratchStore, err := findStoreDir(scratch)
	if err != nil {
		return nil, err
	}

	toolStorePath, err := parseInstallScript(filepath.Join(filepath.Dir(scratchStore), "install"))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create store base %s: %w", base, err)
	}

	logger.Info("copying store", "from", scratchStore, "to", layout.StoreDir())
	if err := fscopy.CopyTree(scratchStore, layout.StoreDir(), nil); err != nil {
		return nil, fmt.Errorf("copy store tree: %w", err)
	}

	if err := os.Symlink(filepath.Join(toolStorePath, "bin"), layout.BinLink()); err != nil {
		return nil, fmt.Errorf("create bin symlink: %w", err)
	}

	// The store is immutable from here on. Plain permission bits, not
	// a mount-level read-only: see the threat model note in DESIGN.md.
	entries, err := os.ReadDir(layout.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("enumerate store entries: %w", err)
	}
	for _, entry := range entries {
		if err := fscopy.ClearWriteBits(filepath.Join(layout.StoreDir(), entry.Name())); err != nil {
			return nil, fmt.Errorf("lock down store entry %s: %w", entry.Name(), err)
		}
	}

	if err := i.writeDefaultConfig(layout, logger); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(layout.VarDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create var directory: %w", err)
	}

	installed := make(closure.Set, len(entries))
	for _, entry := range entries {
		installed.Add(entry.Name())
	}

	if err := os.MkdirAll(layout.CacheDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := closure.WriteFile(layout.ClosureFile(), installed); err != nil {
		return nil, err
	}

	logger.Info("store installed", "entries", len(installed), "base", base)
	return installed, nil
}

// runScript invokes the installer program with the scratch directory
// as its argument, capturing stderr for the error message.
func (i *Installer) runScript(ctx context.Context, scratch string) error {
	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, i.Script, scratch)
	command.Stdout = os.Stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		stderrText := strings.TrimSpace(stderr.String())
		if stderrText != "" {
			return fmt.Errorf("installer %s: %s", i.Script, stderrText)
		}
		return fmt.Errorf("installer %s: %w", i.Script, err)
	}
	return nil
}

// writeDefaultConfig creates the config directory and writes the
// default configuration, unless a config file is already present.
func (i *Installer) writeDefaultConfig(layout Layout, logger *slog.Logger) error {
	if err := os.MkdirAll(layout.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Lstat(layout.ConfigFile()); err == nil {
		logger.Debug("config file already present, leaving it alone",
			"path", layout.ConfigFile())
		return nil
	}
	if err := os.WriteFile(layout.ConfigFile(), []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// errFoundStore is the sentinel that stops the store scan early.
var errFoundStore = errors.New("store directory located")

// findStoreDir locates the directory literally named "store"
// anywhere under root, first match in walk order. The downloaded
// artifact nests the store at an unversioned depth, so the scan is
// structural rather than a fixed path.
func findStoreDir(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() && entry.Name() == "store" {
			found = path
			return errFoundStore
		}
		return nil
	})
	if errors.Is(err, errFoundStore) {
		return found, nil
	}
	if err != nil {
		return "", fmt.Errorf("scan for store directory: %w", err)
	}
	return "", fmt.Errorf("downloaded artifact under %s did not contain a store", root)
}

// parseInstallScript extracts the canonical tool store path from the
// install script that accompanies the downloaded store.
func parseInstallScript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read install script: %w", err)
	}
	match := storePathPattern.FindSubmatch(data)
	if match == nil {
		return "", fmt.Errorf("could not detect store path in install script %s", path)
	}
	return string(match[1]), nil
}

// allExist reports whether every path exists.
func allExist(paths ...string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}
