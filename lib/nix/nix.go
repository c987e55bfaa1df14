// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nix provides typed access to the Nix CLI binaries (nix,
// nix-store) as invoked from inside the composed build jail.
//
// Inside the jail the binaries live behind the store's convenience
// symlink (/nix/.bin), which is not on the host PATH; resolution
// checks that location first and falls back to PATH so the package
// also works on machines with a native Nix installation (tests,
// debugging outside the jail).
//
// All invocations capture stderr separately and prefer it in error
// messages, because nix writes its actual diagnostics to stderr and
// the generic exec error ("exit status 1") is useless on its own.
package nix

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// jailBinDir is the convenience symlink the store installer creates,
// pointing at the bin directory of the canonical tool store path.
// Inside the jail this is the authoritative location of the nix
// binaries.
const jailBinDir = "/nix/.bin"

// FindBinary resolves a Nix binary by name (e.g. "nix", "nix-store"),
// checking the jail's .bin symlink first and then PATH. Returns the
// absolute path to the binary.
func FindBinary(name string) (string, error) {
	jailPath := filepath.Join(jailBinDir, name)
	if _, err := os.Stat(jailPath); err == nil {
		return jailPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%s not found at %s or on PATH (run the store installer first)",
		name, jailBinDir)
}

// Runner invokes nix binaries with a pinned environment and working
// directory. The zero value inherits the process environment and
// working directory; the build pipeline always sets Env explicitly
// so that the build cannot see ambient host configuration.
type Runner struct {
	// Env is the exact environment for the invoked tool. Nil means
	// inherit the process environment.
	Env []string

	// Dir is the working directory for the invoked tool. Empty means
	// the current directory.
	Dir string
}

// Build runs "nix build <installable>" and returns its stdout.
func (r *Runner) Build(ctx context.Context, installable string) (string, error) {
	return r.run(ctx, "nix", []string{"build", installable})
}

// QueryRequisites runs "nix-store -qR <path>" and returns the
// transitive dependency closure as one absolute store path per line.
func (r *Runner) QueryRequisites(ctx context.Context, path string) ([]string, error) {
	output, err := r.run(ctx, "nix-store", []string{"-qR", path})
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// run resolves the named binary, executes it with the runner's
// environment and working directory, and returns stdout. Stderr is
// captured separately and included in error messages.
func (r *Runner) run(ctx context.Context, binaryName string, args []string) (string, error) {
	binaryPath, err := FindBinary(binaryName)
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, binaryPath, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.Env = r.Env
	command.Dir = r.Dir

	if err := command.Run(); err != nil {
		return "", formatError(binaryName, args, &stderr, err)
	}
	return stdout.String(), nil
}

// storePrefix is the canonical Nix store root directory.
const storePrefix = "/nix/store/"

// StoreDirectory extracts the store directory from a path within it.
// A store directory is the first path component after /nix/store/:
//
//	"/nix/store/abc-coreutils/bin/ls" → "/nix/store/abc-coreutils"
//	"/nix/store/abc-coreutils"        → "/nix/store/abc-coreutils"
//
// Returns an error for paths not under /nix/store/ or paths that are
// exactly /nix/store/ with no entry name.
func StoreDirectory(path string) (string, error) {
	if !strings.HasPrefix(path, storePrefix) {
		return "", fmt.Errorf("path %q is not under /nix/store/", path)
	}

	remainder := path[len(storePrefix):]
	if remainder == "" {
		return "", fmt.Errorf("path %q has no store entry name", path)
	}

	slashIndex := strings.IndexByte(remainder, '/')
	if slashIndex == -1 {
		return path, nil
	}
	return path[:len(storePrefix)+slashIndex], nil
}

// EntryName extracts the bare store entry name from a path within
// the store. This is the unit the closure retain-list operates on.
//
//	"/nix/store/abc-coreutils/bin/ls" → "abc-coreutils"
func EntryName(path string) (string, error) {
	directory, err := StoreDirectory(path)
	if err != nil {
		return "", err
	}
	return filepath.Base(directory), nil
}

// formatError produces an error message for a failed nix command,
// preferring stderr output (which contains the actual nix error) over
// the generic exec error.
func formatError(binaryName string, args []string, stderr *bytes.Buffer, err error) error {
	commandString := binaryName + " " + strings.Join(args, " ")
	stderrText := strings.TrimSpace(stderr.String())
	if stderrText != "" {
		return fmt.Errorf("%s: %s", commandString, stderrText)
	}
	return fmt.Errorf("%s: %w", commandString, err)
}
