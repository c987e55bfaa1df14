// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fscopy copies directory trees with symlinks preserved and
// an optional per-directory exclusion callback.
//
// Both users of this package depend on its exact semantics: the store
// installer copies a freshly unpacked package store (where symlinks
// are load-bearing and must never be dereferenced), and the packager
// copies the populated store through a closure filter (where the
// callback decides, directory by directory, which entries are
// retained in the final image).
package fscopy

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// IgnoreFunc decides which entries to skip while copying a single
// directory. It receives the source directory being visited and the
// names of its entries, and returns the subset of names to skip.
// It is called exactly once per visited directory, parents before
// children; no other ordering is guaranteed.
type IgnoreFunc func(directory string, entryNames []string) []string

// CopyTree copies the tree rooted at source into destination.
// Directories are created with their source permissions, regular
// files are copied with their source permissions, and symlinks are
// recreated pointing at the same target, never dereferenced. The
// destination directory may already exist; existing files inside it
// are an error.
//
// Destination paths are resolved with SecureJoin against the
// destination root: the copy itself plants symlinks, and a symlink
// copied early must not be able to redirect a later sibling write
// outside the destination tree.
//
// ignore may be nil, in which case everything is copied.
func CopyTree(source, destination string, ignore IgnoreFunc) error {
	sourceInfo, err := os.Lstat(source)
	if err != nil {
		return fmt.Errorf("stat copy source %s: %w", source, err)
	}
	if !sourceInfo.IsDir() {
		return fmt.Errorf("copy source %s is not a directory", source)
	}
	// Created writable regardless of the source mode: a read-only
	// source directory (the norm for package store entries) must
	// still be populated before its mode is replicated.
	if err := os.MkdirAll(destination, sourceInfo.Mode().Perm()|0o300); err != nil {
		return fmt.Errorf("create copy destination %s: %w", destination, err)
	}
	if err := copyDirectory(source, destination, ".", ignore); err != nil {
		return err
	}
	if err := os.Chmod(destination, sourceInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("replicate mode on %s: %w", destination, err)
	}
	return nil
}

// copyDirectory copies one directory level. destRoot stays fixed
// across recursion; relative tracks the path under it.
func copyDirectory(sourceDir, destRoot, relative string, ignore IgnoreFunc) error {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", sourceDir, err)
	}

	skip := map[string]bool{}
	if ignore != nil {
		names := make([]string, len(entries))
		for i, entry := range entries {
			names[i] = entry.Name()
		}
		for _, name := range ignore(sourceDir, names) {
			skip[name] = true
		}
	}

	for _, entry := range entries {
		if skip[entry.Name()] {
			continue
		}

		sourcePath := filepath.Join(sourceDir, entry.Name())
		relativePath := filepath.Join(relative, entry.Name())
		destPath, err := securejoin.SecureJoin(destRoot, relativePath)
		if err != nil {
			return fmt.Errorf("resolve destination for %s: %w", relativePath, err)
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", sourcePath, err)
		}

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(sourcePath)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", sourcePath, err)
			}
			if err := os.Symlink(target, destPath); err != nil {
				return fmt.Errorf("recreate symlink %s: %w", destPath, err)
			}

		case info.IsDir():
			if err := os.MkdirAll(destPath, info.Mode().Perm()|0o300); err != nil {
				return fmt.Errorf("create directory %s: %w", destPath, err)
			}
			if err := copyDirectory(sourcePath, destRoot, relativePath, ignore); err != nil {
				return err
			}
			// Source mode applied only after the contents are in, so
			// read-only directories copy correctly.
			if err := os.Chmod(destPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("replicate mode on %s: %w", destPath, err)
			}

		case info.Mode().IsRegular():
			if err := copyFile(sourcePath, destPath, info.Mode().Perm()); err != nil {
				return err
			}

		default:
			// Sockets, devices, fifos. A package store never contains
			// these; failing loudly beats shipping a broken image.
			return fmt.Errorf("unsupported file type %s at %s", info.Mode(), sourcePath)
		}
	}
	return nil
}

// copyFile copies a regular file, creating the destination with the
// given permissions. Fails if the destination already exists.
func copyFile(source, destination string, perm fs.FileMode) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", destination, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", destination, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", destination, err)
	}
	return nil
}

// RemoveAll deletes the tree at root, first restoring owner write
// and search bits on every directory. Plain os.RemoveAll cannot
// unlink the children of a read-only directory, and both the install
// scratch tree and the assembled image tree contain locked-down
// store directories.
func RemoveAll(root string) error {
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		return os.Chmod(path, info.Mode().Perm()|0o300)
	})
	if err != nil {
		return fmt.Errorf("unlock %s for removal: %w", root, err)
	}
	return os.RemoveAll(root)
}

// ClearWriteBits recursively removes the write permission bits from
// root and everything under it. Symlinks are left alone (chmod on a
// symlink follows it, and the store's symlink targets are covered by
// the walk anyway). This is the store's immutability lockdown: a
// plain-permission defense against accidental mutation, not a
// security boundary.
func ClearWriteBits(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		mode := info.Mode().Perm() &^ 0o222
		if mode == info.Mode().Perm() {
			return nil
		}
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
		return nil
	})
}
