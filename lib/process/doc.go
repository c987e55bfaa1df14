// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the
// baseimage supervisor and worker processes:
//
//   - Fatal error reporting to stderr when the structured logger may
//     not be initialized (pre-logger).
//   - Extraction of a child's exit status so the supervisor can
//     propagate the worker's exit code unchanged.
package process
