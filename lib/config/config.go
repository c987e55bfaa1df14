// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the builder configuration.
//
// Configuration comes from a single YAML file specified by the
// --config flag or the BASEIMAGE_CONFIG environment variable. There
// is no automatic discovery: an unspecified config means the built-in
// defaults, and nothing else is consulted. Flags override file values
// in the command layer, not here.
//
// This file configures the builder itself. The package store's own
// config artifact (etc/nix.conf inside the store base) is a separate
// contract owned by lib/store.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/baseimage/lib/image"
)

// EnvVar names the environment variable that supplies the config
// file path when the --config flag is absent.
const EnvVar = "BASEIMAGE_CONFIG"

// Config is the builder configuration.
type Config struct {
	// BasePath is the store base directory, created on first run.
	BasePath string `yaml:"base_path"`

	// InstallerScript is the external program that downloads and
	// unpacks the package manager artifact into a scratch directory.
	InstallerScript string `yaml:"installer_script"`

	// FlakeDir is the build description directory handed to the
	// build tool inside the jail.
	FlakeDir string `yaml:"flake_dir"`

	// OutputFile is the archive to produce. Empty selects
	// "base" plus the compression's conventional extension.
	OutputFile string `yaml:"output_file"`

	// Compression is the archive compression algorithm: zstd or lz4.
	Compression string `yaml:"compression"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BasePath:    "./nix",
		Compression: string(image.CompressionZstd),
	}
}

// Load reads the configuration. An empty path falls back to the
// BASEIMAGE_CONFIG environment variable; if that is also unset, the
// defaults are returned. File values are layered over the defaults,
// so a partial file is valid.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}

	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the configuration after flag overrides are applied.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("base_path is required")
	}
	if c.InstallerScript == "" {
		return fmt.Errorf("installer_script is required")
	}
	if c.FlakeDir == "" {
		return fmt.Errorf("flake_dir is required")
	}
	if _, err := image.ParseCompression(c.Compression); err != nil {
		return err
	}
	return nil
}

// ResolveOutput returns the archive file to write, applying the
// default name and compression-specific extension when OutputFile is
// unset.
func (c *Config) ResolveOutput() (string, error) {
	compression, err := image.ParseCompression(c.Compression)
	if err != nil {
		return "", err
	}
	if c.OutputFile != "" {
		return c.OutputFile, nil
	}
	return "base" + compression.Extension(), nil
}
