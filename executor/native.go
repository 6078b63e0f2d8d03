// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/warden-foundation/warden/capability"
	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/protocol"
)

// NativeExecutor runs agents as OS processes under bubblewrap. The
// process sees a minimal root: read-only system directories, the agent
// code at /agent, and the workspace at /workspace with write access
// only when files.write is granted at start time. Everything else is
// namespaced away.
//
// Native isolation is coarser than WASM isolation: filesystem and
// network access are fixed when the mount table is built, so a grant
// revoked mid-session stays effective only at the host-shim boundary,
// not inside the sandbox. That is why selecting this backend requires
// the sandbox.native capability to have been explicitly granted first.
type NativeExecutor struct {
	// BwrapPath overrides bubblewrap autodetection.
	BwrapPath string
}

// Mode returns manifest.SandboxNative.
func (e *NativeExecutor) Mode() manifest.SandboxMode { return manifest.SandboxNative }

// Start launches the agent process. It fails with a CapabilityError
// if sandbox.native has not been granted, and with a Fault for any
// sandbox-layer problem.
func (e *NativeExecutor) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if err := spec.Gate.Authorize(capability.NativeSandbox); err != nil {
		return nil, err
	}

	bwrapPath := e.BwrapPath
	if bwrapPath == "" {
		detected, err := findBwrap()
		if err != nil {
			return nil, &Fault{Instance: spec.Instance, Op: "locating bubblewrap", Err: err}
		}
		bwrapPath = detected
	}

	argv, err := e.buildArgv(bwrapPath, spec)
	if err != nil {
		return nil, &Fault{Instance: spec.Instance, Op: "building sandbox arguments", Err: err}
	}
	argv = wrapSystemdScope(scopeUnit(spec.Instance), spec.Quota, argv)
	spec.logger().Debug("starting native sandbox", "instance", spec.Instance, "argv", argv)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// The sandbox must not outlive the engine.
		Pdeathsig: unix.SIGKILL,
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Fault{Instance: spec.Instance, Op: "opening stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Fault{Instance: spec.Instance, Op: "opening stdout pipe", Err: err}
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, &Fault{Instance: spec.Instance, Op: "starting sandbox", Err: err}
	}

	handle := &nativeHandle{
		instance: spec.Instance,
		gate:     spec.Gate,
		cmd:      cmd,
		stdin:    stdin,
		events:   make(chan protocol.Event, 64),
		ready:    make(chan struct{}),
		exited:   make(chan struct{}),
	}
	close(handle.ready)

	go handle.readEvents(stdout)
	go handle.wait()
	if spec.Quota.WallTimeout > 0 {
		go handle.enforceWallTimeout(spec.Quota.WallTimeout)
	}
	return handle, nil
}

// buildArgv assembles the bubblewrap command line for spec.
func (e *NativeExecutor) buildArgv(bwrapPath string, spec StartSpec) ([]string, error) {
	if spec.Manifest.Entry == "" {
		return nil, fmt.Errorf("manifest has no entry point")
	}
	if spec.WorkspaceRoot == "" {
		return nil, fmt.Errorf("workspace root is required")
	}

	args := []string{
		bwrapPath,
		"--die-with-parent",
		"--new-session",
		"--clearenv",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-cgroup",
		"--unshare-user",
	}

	networkGranted := spec.Gate.Authorize("network") == nil
	if !networkGranted {
		args = append(args, "--unshare-net")
	}

	args = append(args, "--proc", "/proc", "--dev", "/dev", "--tmpfs", "/tmp")

	// Read-only system directories; optional ones are skipped when the
	// host does not have them.
	for _, dir := range []string{"/usr", "/lib", "/lib64", "/bin", "/sbin", "/etc/alternatives"} {
		if _, err := os.Stat(dir); err == nil {
			args = append(args, "--ro-bind", dir, dir)
		}
	}
	if networkGranted {
		for _, path := range []string{"/etc/resolv.conf", "/etc/ssl", "/etc/hosts"} {
			if _, err := os.Stat(path); err == nil {
				args = append(args, "--ro-bind", path, path)
			}
		}
	}

	args = append(args, "--ro-bind", spec.AgentDir, "/agent")

	// The workspace mount mode reflects grants at start time. Finer
	// revocation happens at the host-shim boundary via the gate.
	switch {
	case spec.Gate.Authorize("files.write") == nil:
		args = append(args, "--bind", spec.WorkspaceRoot, "/workspace")
	case spec.Gate.Authorize("files.read") == nil:
		args = append(args, "--ro-bind", spec.WorkspaceRoot, "/workspace")
	default:
		args = append(args, "--tmpfs", "/workspace")
	}
	args = append(args, "--chdir", "/workspace")

	env := [][2]string{
		{"HOME", "/workspace"},
		{"PATH", "/usr/bin:/bin"},
		{"WARDEN_AGENT", string(spec.Manifest.Name)},
		{"WARDEN_INSTANCE", string(spec.Instance)},
	}
	for _, kv := range env {
		args = append(args, "--setenv", kv[0], kv[1])
	}

	args = append(args, "--", filepath.Join("/agent", spec.Manifest.Entry))
	return args, nil
}

// nativeHandle is the host's connection to one sandboxed process. The
// agent speaks the framed event protocol on its stdin/stdout.
type nativeHandle struct {
	instance ref.InstanceID
	gate     *Gate
	cmd      *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser

	events chan protocol.Event
	ready  chan struct{}

	exited  chan struct{}
	waitErr error
}

func (h *nativeHandle) readEvents(stdout io.Reader) {
	defer close(h.events)
	for {
		event, err := protocol.ReadEvent(stdout)
		if err != nil {
			// EOF and pipe teardown both end the stream; the exit
			// status from wait carries the real failure if any.
			return
		}
		h.events <- event
	}
}

func (h *nativeHandle) wait() {
	h.waitErr = h.cmd.Wait()
	close(h.exited)
}

func (h *nativeHandle) enforceWallTimeout(timeout time.Duration) {
	select {
	case <-h.exited:
	case <-time.After(timeout):
		h.cmd.Process.Kill()
	}
}

func (h *nativeHandle) Send(ctx context.Context, event protocol.Event) error {
	select {
	case <-h.exited:
		return &Fault{Instance: h.instance, Op: "send", Err: fmt.Errorf("process exited: %v", h.waitErr)}
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := protocol.WriteEvent(h.stdin, event); err != nil {
		return &Fault{Instance: h.instance, Op: "send", Err: err}
	}
	return nil
}

func (h *nativeHandle) Events() <-chan protocol.Event { return h.events }

func (h *nativeHandle) Ready() <-chan struct{} { return h.ready }

func (h *nativeHandle) Authorize(capabilityID ref.CapabilityID) error {
	return h.gate.Authorize(capabilityID)
}

// Shutdown closes the agent's stdin and sends SIGTERM, escalating to
// SIGKILL when ctx expires before the process exits.
func (h *nativeHandle) Shutdown(ctx context.Context) error {
	h.writeMu.Lock()
	h.stdin.Close()
	h.writeMu.Unlock()
	h.cmd.Process.Signal(unix.SIGTERM)

	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
	}
	h.cmd.Process.Kill()
	<-h.exited
	return nil
}

// findBwrap locates the bubblewrap binary in its usual homes.
func findBwrap() (string, error) {
	for _, path := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath("bwrap"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("bwrap not found")
}

// scopeUnit derives a systemd unit name from an instance id.
func scopeUnit(instance ref.InstanceID) string {
	return "warden-" + strings.ReplaceAll(string(instance), "/", "-")
}
