// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"testing"
	"time"

	"github.com/warden-foundation/warden/manifest"
)

func TestParseCPU(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"500m", 500, false},
		{"2", 2000, false},
		{"0", 0, false},
		{"", 0, false},
		{"1500m", 1500, false},
		{"-1", 0, true},
		{"halfcore", 0, true},
		{"m", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseCPU(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCPU(%q) = %d, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCPU(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCPU(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"512Mi", 512 << 20, false},
		{"1Gi", 1 << 30, false},
		{"64Ki", 64 << 10, false},
		{"1024", 1024, false},
		{"", 0, false},
		{"512MB", 0, true},
		{"lots", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseMemory(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMemory(%q) = %d, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMemory(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseMemory(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseQuota(t *testing.T) {
	quota, err := ParseQuota(manifest.Resources{CPU: "500m", Mem: "512Mi"}, time.Hour)
	if err != nil {
		t.Fatalf("ParseQuota: %v", err)
	}
	if quota.CPUMillis != 500 || quota.MemoryBytes != 512<<20 || quota.WallTimeout != time.Hour {
		t.Errorf("ParseQuota = %+v", quota)
	}
	if !quota.HasLimits() {
		t.Error("HasLimits = false")
	}
	if (Quota{}).HasLimits() {
		t.Error("zero quota HasLimits = true")
	}
}

func TestWrapSystemdScope(t *testing.T) {
	restore := systemdAvailable
	defer func() { systemdAvailable = restore }()
	systemdAvailable = func() bool { return true }

	argv := []string{"/usr/bin/bwrap", "--", "/agent/run"}
	wrapped := wrapSystemdScope("warden-a-1", Quota{CPUMillis: 500, MemoryBytes: 1 << 30}, argv)
	want := []string{
		"systemd-run", "--user", "--scope", "--quiet", "--unit=warden-a-1",
		"--property=CPUQuota=50%",
		"--property=MemoryMax=1073741824",
		"--",
		"/usr/bin/bwrap", "--", "/agent/run",
	}
	if len(wrapped) != len(want) {
		t.Fatalf("wrapped = %v, want %v", wrapped, want)
	}
	for i := range want {
		if wrapped[i] != want[i] {
			t.Fatalf("wrapped[%d] = %q, want %q", i, wrapped[i], want[i])
		}
	}

	// No limits: argv passes through untouched.
	unwrapped := wrapSystemdScope("warden-a-1", Quota{WallTimeout: time.Minute}, argv)
	if len(unwrapped) != len(argv) {
		t.Errorf("no-limit wrap changed argv: %v", unwrapped)
	}

	// No systemd: argv passes through untouched.
	systemdAvailable = func() bool { return false }
	unwrapped = wrapSystemdScope("warden-a-1", Quota{CPUMillis: 500}, argv)
	if len(unwrapped) != len(argv) {
		t.Errorf("no-systemd wrap changed argv: %v", unwrapped)
	}
}
