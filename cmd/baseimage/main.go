// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/baseimage/lib/config"
	"github.com/bureau-foundation/baseimage/lib/isolate"
	"github.com/bureau-foundation/baseimage/lib/process"
	"github.com/bureau-foundation/baseimage/lib/store"
	"github.com/bureau-foundation/baseimage/lib/version"
)

// workerCommand is the hidden argv marker that re-enters this binary
// as the namespace-confined worker. Not part of the CLI surface.
const workerCommand = "__worker"

func main() {
	if len(os.Args) > 1 && os.Args[1] == workerCommand {
		if err := runWorker(os.Args[2:]); err != nil {
			process.Fatal(err)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		// The worker's exit code is the pipeline's exit code; the
		// worker already reported its own error.
		if code, ok := process.ExitStatus(err); ok {
			os.Exit(code)
		}
		process.Fatal(err)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("baseimage", pflag.ContinueOnError)
	configPath := flags.String("config", "", "builder config file (YAML)")
	basePath := flags.StringP("path", "p", "", "store base directory (default ./nix)")
	installerScript := flags.String("installer", "", "store installer script")
	flakeDir := flags.String("flake", "", "build description directory")
	outputFile := flags.StringP("output", "o", "", "archive file to write")
	compression := flags.String("compression", "", "archive compression: zstd or lz4")
	debug := flags.Bool("debug", false, "enable debug logging")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("baseimage %s\n", version.Info())
		return nil
	}

	logger := newLogger(*debug)

	cfg, err := loadConfig(*configPath, flagOverrides{
		basePath:        *basePath,
		installerScript: *installerScript,
		flakeDir:        *flakeDir,
		outputFile:      *outputFile,
		compression:     *compression,
	})
	if err != nil {
		return err
	}

	// Read-only kernel pre-check: abort with the specific restriction
	// name before anything touches the filesystem.
	if err := isolate.CheckPolicy(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	installer := &store.Installer{Script: cfg.InstallerScript, Logger: logger}
	if _, err := installer.Install(ctx, cfg.BasePath); err != nil {
		return err
	}

	// The worker resolves the base by absolute path: its working
	// directory is re-anchored across the chroot, and a mount source
	// must not depend on it.
	base, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("resolve store base path: %w", err)
	}

	output, err := cfg.ResolveOutput()
	if err != nil {
		return err
	}

	stagingDir, err := os.MkdirTemp("", "baseimage-staging-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	// Mounts inside the staging tree exist only in the worker's
	// namespace and die with it; what remains on the host are plain
	// directories and symlinks, removed here.
	defer os.RemoveAll(stagingDir)

	return superviseWorker(logger, *debug, []string{
		base, stagingDir, cfg.FlakeDir, output, cfg.Compression,
	})
}

// superviseWorker re-executes this binary as the worker, cloned
// directly into a fresh user+mount namespace with identity ID
// mappings. The supervisor's only remaining duty is to block until
// the worker exits and propagate its status; all privileged and
// destructive operations happen on the worker side of this boundary.
func superviseWorker(logger *slog.Logger, debug bool, args []string) error {
	command := newWorkerCommand(debug, args)

	logger.Debug("spawning isolated worker", "executable", command.Path)
	if err := command.Run(); err != nil {
		return fmt.Errorf("isolated worker: %w", err)
	}
	return nil
}

// newWorkerCommand builds the worker invocation. The command is
// deliberately not bound to the supervisor's signal context: a
// terminal interrupt must reach the worker as a signal it handles
// itself (suppressed narrowly around build-and-package so it can
// still exit zero), while a parent-side kill would both break that
// exit contract and skip the worker's scratch-tree cleanup. The
// supervisor keeps blocking until the worker has exited on its own
// terms.
func newWorkerCommand(debug bool, args []string) *exec.Cmd {
	self, err := os.Executable()
	if err != nil {
		// Fall back to the Linux self-exe link; the binary may have
		// been started via an unusual argv[0].
		self = "/proc/self/exe"
	}

	command := exec.Command(self, append([]string{workerCommand}, args...)...)
	command.Stdin = os.Stdin
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	command.SysProcAttr = isolate.SpawnAttr()
	if debug {
		// The --debug flag does not survive the re-exec argv; carry
		// it to the worker's logger through the environment.
		command.Env = append(os.Environ(), "BASEIMAGE_DEBUG=1")
	}
	return command
}

// flagOverrides carries non-empty flag values over the loaded config.
type flagOverrides struct {
	basePath        string
	installerScript string
	flakeDir        string
	outputFile      string
	compression     string
}

// loadConfig loads the builder config and applies flag overrides,
// validating the result.
func loadConfig(path string, overrides flagOverrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if overrides.basePath != "" {
		cfg.BasePath = overrides.basePath
	}
	if overrides.installerScript != "" {
		cfg.InstallerScript = overrides.installerScript
	}
	if overrides.flakeDir != "" {
		cfg.FlakeDir = overrides.flakeDir
	}
	if overrides.outputFile != "" {
		cfg.OutputFile = overrides.outputFile
	}
	if overrides.compression != "" {
		cfg.Compression = overrides.compression
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger: text on stderr, debug level
// via flag or BASEIMAGE_DEBUG.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug || os.Getenv("BASEIMAGE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
