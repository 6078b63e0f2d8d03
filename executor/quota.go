// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/warden-foundation/warden/manifest"
)

// Quota is a manifest's resource declaration parsed into enforceable
// limits. Zero fields mean unlimited.
type Quota struct {
	// CPUMillis is the CPU ceiling in millicores (500 = half a core).
	CPUMillis int64

	// MemoryBytes is the memory ceiling in bytes.
	MemoryBytes uint64

	// WallTimeout bounds the instance's total runtime.
	WallTimeout time.Duration
}

// HasLimits reports whether any limit is set.
func (q Quota) HasLimits() bool {
	return q.CPUMillis > 0 || q.MemoryBytes > 0 || q.WallTimeout > 0
}

// ParseQuota converts a manifest's resource strings into a Quota.
// wallTimeout comes from engine config, not the manifest; agents do
// not pick their own deadlines.
func ParseQuota(resources manifest.Resources, wallTimeout time.Duration) (Quota, error) {
	quota := Quota{WallTimeout: wallTimeout}
	if resources.CPU != "" {
		millis, err := ParseCPU(resources.CPU)
		if err != nil {
			return Quota{}, err
		}
		quota.CPUMillis = millis
	}
	if resources.Mem != "" {
		bytes, err := ParseMemory(resources.Mem)
		if err != nil {
			return Quota{}, err
		}
		quota.MemoryBytes = bytes
	}
	return quota, nil
}

// ParseCPU parses a CPU quantity: a millicore string like "500m" or a
// whole-core count like "2". Returns millicores.
func ParseCPU(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if trimmed, ok := strings.CutSuffix(s, "m"); ok {
		millis, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || millis < 0 {
			return 0, fmt.Errorf("executor: invalid cpu quantity %q", s)
		}
		return millis, nil
	}
	cores, err := strconv.ParseInt(s, 10, 64)
	if err != nil || cores < 0 {
		return 0, fmt.Errorf("executor: invalid cpu quantity %q", s)
	}
	return cores * 1000, nil
}

// ParseMemory parses a binary-suffixed byte quantity: "512Mi", "1Gi",
// "64Ki", or a plain byte count. Returns bytes.
func ParseMemory(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	multipliers := []struct {
		suffix string
		factor uint64
	}{
		{"Ki", 1 << 10},
		{"Mi", 1 << 20},
		{"Gi", 1 << 30},
		{"Ti", 1 << 40},
	}
	for _, m := range multipliers {
		trimmed, ok := strings.CutSuffix(s, m.suffix)
		if !ok {
			continue
		}
		value, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("executor: invalid memory quantity %q", s)
		}
		return value * m.factor, nil
	}
	value, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("executor: invalid memory quantity %q", s)
	}
	return value, nil
}

// systemdAvailable reports whether systemd-run exists on this host.
var systemdAvailable = func() bool {
	_, err := exec.LookPath("systemd-run")
	return err == nil
}

// wrapSystemdScope prefixes argv with a systemd-run user scope carrying
// the quota's CPU and memory limits. Returns argv unchanged when
// systemd is unavailable or no limits are set; the wall timeout is
// enforced by the handle, not the scope.
func wrapSystemdScope(unit string, quota Quota, argv []string) []string {
	if !systemdAvailable() || (quota.CPUMillis <= 0 && quota.MemoryBytes <= 0) {
		return argv
	}
	wrapped := []string{"systemd-run", "--user", "--scope", "--quiet", "--unit=" + unit}
	if quota.CPUMillis > 0 {
		// CPUQuota is a percentage of one core: 500m is 50%.
		wrapped = append(wrapped, fmt.Sprintf("--property=CPUQuota=%d%%", quota.CPUMillis/10))
	}
	if quota.MemoryBytes > 0 {
		wrapped = append(wrapped, fmt.Sprintf("--property=MemoryMax=%d", quota.MemoryBytes))
	}
	wrapped = append(wrapped, "--")
	return append(wrapped, argv...)
}
