// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fscopy

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writeTree creates a fixture tree from a map of relative path to
// content. A value starting with "->" creates a symlink to the rest;
// a trailing slash in the key creates a directory.
func writeTree(t *testing.T, root string, entries map[string]string) {
	t.Helper()
	for relative, content := range entries {
		path := filepath.Join(root, relative)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", relative, err)
		}
		switch {
		case len(content) > 2 && content[:2] == "->":
			if err := os.Symlink(content[2:], path); err != nil {
				t.Fatalf("symlink %s: %v", relative, err)
			}
		case relative[len(relative)-1] == '/':
			if err := os.MkdirAll(path, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", relative, err)
			}
		default:
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write %s: %v", relative, err)
			}
		}
	}
}

// listTree returns the sorted relative paths under root, directories
// suffixed with "/".
func listTree(t *testing.T, root string) []string {
	t.Helper()
	var paths []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if entry.IsDir() {
			relative += "/"
		}
		paths = append(paths, relative)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(paths)
	return paths
}

func TestCopyTreePreservesShape(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"bin/tool":     "#!/bin/sh\n",
		"lib/libx.so":  "binary",
		"current":      "->bin/tool",
		"empty-dir/":   "",
		"lib/nested/f": "deep",
	})

	destination := filepath.Join(t.TempDir(), "out")
	if err := CopyTree(source, destination, nil); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	want := []string{
		"bin/", "bin/tool", "current", "empty-dir/",
		"lib/", "lib/libx.so", "lib/nested/", "lib/nested/f",
	}
	if diff := cmp.Diff(want, listTree(t, destination)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}

	// Symlink preserved, not dereferenced.
	target, err := os.Readlink(filepath.Join(destination, "current"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "bin/tool" {
		t.Errorf("symlink target = %q, want %q", target, "bin/tool")
	}

	// Byte identity of copied files.
	data, err := os.ReadFile(filepath.Join(destination, "lib", "nested", "f"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(data) != "deep" {
		t.Errorf("copied content = %q, want %q", data, "deep")
	}
}

func TestCopyTreeDanglingSymlink(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"dangling": "->/nowhere/at/all",
	})

	destination := filepath.Join(t.TempDir(), "out")
	if err := CopyTree(source, destination, nil); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	target, err := os.Readlink(filepath.Join(destination, "dangling"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "/nowhere/at/all" {
		t.Errorf("symlink target = %q, want %q", target, "/nowhere/at/all")
	}
}

func TestCopyTreeIgnore(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"keep/a":  "a",
		"drop/b":  "b",
		"keep/c":  "c",
		"topfile": "t",
	})

	var visited []string
	ignore := func(directory string, names []string) []string {
		visited = append(visited, directory)
		if directory == source {
			return []string{"drop"}
		}
		return nil
	}

	destination := filepath.Join(t.TempDir(), "out")
	if err := CopyTree(source, destination, ignore); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	want := []string{"keep/", "keep/a", "keep/c", "topfile"}
	if diff := cmp.Diff(want, listTree(t, destination)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}

	// The callback runs once per visited directory, and an ignored
	// directory is never visited.
	sort.Strings(visited)
	wantVisited := []string{source, filepath.Join(source, "keep")}
	sort.Strings(wantVisited)
	if diff := cmp.Diff(wantVisited, visited); diff != "" {
		t.Errorf("visited directories mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyTreeReadOnlyDirectories(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"entry/bin/tool": "x",
	})
	// Locked-down store entry: every directory read-only, as after
	// ClearWriteBits.
	for _, relative := range []string{"entry/bin", "entry"} {
		if err := os.Chmod(filepath.Join(source, relative), 0o555); err != nil {
			t.Fatalf("chmod fixture: %v", err)
		}
	}
	t.Cleanup(func() { _ = RemoveAll(source) })

	destination := filepath.Join(t.TempDir(), "out")
	if err := CopyTree(source, destination, nil); err != nil {
		t.Fatalf("CopyTree over read-only directories: %v", err)
	}
	t.Cleanup(func() { _ = RemoveAll(destination) })

	info, err := os.Lstat(filepath.Join(destination, "entry", "bin"))
	if err != nil {
		t.Fatalf("stat copied directory: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o555 {
		t.Errorf("copied directory mode = %o, want 555", got)
	}
	data, err := os.ReadFile(filepath.Join(destination, "entry", "bin", "tool"))
	if err != nil {
		t.Fatalf("read file under read-only directory: %v", err)
	}
	if string(data) != "x" {
		t.Errorf("copied content = %q, want %q", data, "x")
	}
}

func TestRemoveAllReadOnly(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	root := filepath.Join(parent, "tree")
	writeTree(t, root, map[string]string{
		"entry/bin/tool": "x",
	})
	for _, relative := range []string{"entry/bin", "entry"} {
		if err := os.Chmod(filepath.Join(root, relative), 0o555); err != nil {
			t.Fatalf("chmod fixture: %v", err)
		}
	}

	if err := RemoveAll(root); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := os.Lstat(root); !os.IsNotExist(err) {
		t.Errorf("tree still present after RemoveAll (stat err %v)", err)
	}
}

func TestClearWriteBits(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"entry/bin/tool": "x",
		"entry/link":     "->bin/tool",
	})

	entry := filepath.Join(root, "entry")
	if err := ClearWriteBits(entry); err != nil {
		t.Fatalf("ClearWriteBits: %v", err)
	}
	t.Cleanup(func() {
		// Restore write bits so TempDir cleanup can remove the tree.
		_ = filepath.WalkDir(entry, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.Type()&fs.ModeSymlink != 0 {
				return err
			}
			return os.Chmod(path, 0o755)
		})
	})

	for _, relative := range []string{"", "bin", "bin/tool"} {
		info, err := os.Lstat(filepath.Join(entry, relative))
		if err != nil {
			t.Fatalf("stat %s: %v", relative, err)
		}
		if info.Mode().Perm()&0o222 != 0 {
			t.Errorf("%s mode = %v, want write bits cleared", relative, info.Mode())
		}
	}
}
