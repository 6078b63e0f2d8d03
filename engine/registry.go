// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/manifest"
)

// ManifestFileName is the manifest file looked for in each agent
// directory.
const ManifestFileName = "manifest.jsonc"

// AgentInfo is one discovered agent.
type AgentInfo struct {
	Manifest *manifest.Manifest

	// Dir is the agent directory holding the manifest and entry point.
	Dir string

	// Enabled gates launching. Discovery enables agents by default;
	// the host may disable one without removing its directory.
	Enabled bool
}

// AgentRegistry tracks discovered agents by name. Safe for concurrent
// use.
type AgentRegistry struct {
	validator *manifest.Validator
	logger    *slog.Logger

	mu     sync.Mutex
	agents map[ref.AgentID]*AgentInfo
}

// NewAgentRegistry builds an empty registry validating against the
// given manifest validator.
func NewAgentRegistry(validator *manifest.Validator, logger *slog.Logger) *AgentRegistry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AgentRegistry{
		validator: validator,
		logger:    logger,
		agents:    make(map[ref.AgentID]*AgentInfo),
	}
}

// Register loads and validates the manifest in agentDir and adds the
// agent, enabled. Re-registering a name replaces the previous entry.
func (r *AgentRegistry) Register(agentDir string) (*AgentInfo, error) {
	m, err := manifest.Load(filepath.Join(agentDir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	if err := r.validator.Validate(m); err != nil {
		return nil, err
	}

	info := &AgentInfo{Manifest: m, Dir: agentDir, Enabled: true}
	r.mu.Lock()
	r.agents[m.Name] = info
	r.mu.Unlock()
	r.logger.Info("agent registered", "agent", m.Name, "sandbox", m.Sandbox, "dir", agentDir)
	return info, nil
}

// Discover scans agentsDir for agent directories containing a
// manifest file. Invalid manifests are skipped with a logged warning:
// one broken agent must not block the rest. Returns the number of
// agents registered.
func (r *AgentRegistry) Discover(agentsDir string) (int, error) {
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("agents directory does not exist", "dir", agentsDir)
			return 0, nil
		}
		return 0, fmt.Errorf("reading agents directory %s: %w", agentsDir, err)
	}

	registered := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(agentsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
			continue
		}
		if _, err := r.Register(dir); err != nil {
			r.logger.Warn("skipping agent with invalid manifest", "dir", dir, "error", err)
			continue
		}
		registered++
	}
	return registered, nil
}

// Get returns the agent by name.
func (r *AgentRegistry) Get(name ref.AgentID) (*AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	copied := *info
	return &copied, true
}

// List returns all agents, sorted by name.
func (r *AgentRegistry) List() []*AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]*AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		copied := *info
		infos = append(infos, &copied)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Manifest.Name < infos[j].Manifest.Name
	})
	return infos
}

// SetEnabled enables or disables launching an agent.
func (r *AgentRegistry) SetEnabled(name ref.AgentID, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("agent %s not registered", name)
	}
	info.Enabled = enabled
	return nil
}

// BySandbox returns enabled agents whose manifest requests mode.
func (r *AgentRegistry) BySandbox(mode manifest.SandboxMode) []*AgentInfo {
	var matched []*AgentInfo
	for _, info := range r.List() {
		if info.Enabled && info.Manifest.Sandbox == mode {
			matched = append(matched, info)
		}
	}
	return matched
}
