// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package isolate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// kernelPolicyDir holds the sysctl switches that gate unprivileged
// user namespaces.
const kernelPolicyDir = "/proc/sys/kernel"

// PolicyError reports a kernel switch that forbids the namespace
// setup this pipeline requires. It is detected before any filesystem
// mutation, so a PolicyError means nothing was touched.
type PolicyError struct {
	Switch string // sysctl name, e.g. "unprivileged_userns_clone"
	Want   int
	Got    int
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("kernel policy %s=%d forbids unprivileged user namespaces (need %d)",
		e.Switch, e.Got, e.Want)
}

// policyCheck is one sysctl switch with its required value. The file
// being absent is not a failure: both switches are distribution
// patches that do not exist on a mainline kernel.
type policyCheck struct {
	name string
	want int
}

// policyChecks are the two switches known to disable unprivileged
// user namespaces: the Debian/Ubuntu clone restriction and the
// AppArmor restriction introduced in Ubuntu 23.10.
var policyChecks = []policyCheck{
	{name: "unprivileged_userns_clone", want: 1},
	{name: "apparmor_restrict_unprivileged_userns", want: 0},
}

// CheckPolicy inspects the kernel switches that can forbid the
// user namespace setup and returns a *PolicyError naming the specific
// restriction if one is engaged. It reads proc files only, never
// writes, and must run before the store installer so that a
// restricted system aborts without a half-built target directory.
func CheckPolicy() error {
	return checkPolicyAt(kernelPolicyDir)
}

// checkPolicyAt is CheckPolicy against an alternate sysctl directory.
// Split out so tests can exercise the logic against fixture files.
func checkPolicyAt(dir string) error {
	for _, check := range policyChecks {
		data, err := os.ReadFile(filepath.Join(dir, check.name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read kernel policy %s: %w", check.name, err)
		}
		value, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("parse kernel policy %s: %w", check.name, err)
		}
		if value != check.want {
			return &PolicyError{Switch: check.name, Want: check.want, Got: value}
		}
	}
	return nil
}
