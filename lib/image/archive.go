// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the archive compression algorithm.
type Compression string

const (
	// CompressionZstd is the default: good ratio at reasonable CPU
	// cost for the mixed binary/text content of a package store.
	CompressionZstd Compression = "zstd"

	// CompressionLZ4 trades ratio for speed, for callers that unpack
	// images far more often than they build them.
	CompressionLZ4 Compression = "lz4"
)

// ParseCompression parses a compression name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("unknown compression %q (want zstd or lz4)", name)
	}
}

// Extension returns the conventional archive file suffix.
func (c Compression) Extension() string {
	switch c {
	case CompressionLZ4:
		return ".tar.lz4"
	default:
		return ".tar.zst"
	}
}

// Archive serializes the tree at sourceDir into outputFile as a
// compressed tar stream. Entry names are relative to sourceDir;
// symlinks are stored as symlink entries with their literal targets.
func Archive(sourceDir, outputFile string, compression Compression) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", outputFile, err)
	}
	defer file.Close()

	var compressor io.WriteCloser
	switch compression {
	case CompressionLZ4:
		compressor = lz4.NewWriter(file)
	case CompressionZstd:
		compressor, err = zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("initialize zstd writer: %w", err)
		}
	default:
		return fmt.Errorf("unknown compression %q", compression)
	}

	tarWriter := tar.NewWriter(compressor)
	if err := writeTree(tarWriter, sourceDir); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("finalize tar stream: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("finalize compressed stream: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close archive %s: %w", outputFile, err)
	}
	return nil
}

// writeTree walks sourceDir depth-first, writing one tar entry per
// filesystem object.
func writeTree(tarWriter *tar.Writer, sourceDir string) error {
	return filepath.WalkDir(sourceDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == sourceDir {
			return nil
		}

		relative, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		var linkTarget string
		if info.Mode()&fs.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(path); err != nil {
				return fmt.Errorf("read symlink %s: %w", path, err)
			}
		}

		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return fmt.Errorf("build tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relative)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", relative, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		source, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer source.Close()

		if _, err := io.Copy(tarWriter, source); err != nil {
			return fmt.Errorf("write tar body for %s: %w", relative, err)
		}
		return nil
	})
}
