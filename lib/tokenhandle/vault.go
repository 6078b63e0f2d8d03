// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenhandle manages opaque references to OAuth tokens held
// outside the engine. The engine brokers which agent may use which
// token; it never holds the token bytes themselves. A Handle carries
// only the provider, the scope set, and an unguessable id that the
// external credential store resolves.
package tokenhandle

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warden-foundation/warden/lib/clock"
)

// Handle is an opaque token reference. Two agents requesting the same
// provider and scope set share one handle.
type Handle struct {
	// ID is the unguessable reference the credential store keys on.
	ID string `json:"id"`

	Provider string   `json:"provider"`
	Scopes   []string `json:"scopes"`

	IssuedAt time.Time `json:"issued_at"`
}

// Key returns the vault key for a provider and scope set. Scope order
// is irrelevant: the key sorts a copy.
func Key(provider string, scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	return provider + "|" + strings.Join(sorted, ",")
}

// ErrLocked is returned by vault operations while the vault is locked.
var ErrLocked = fmt.Errorf("tokenhandle: vault is locked")

// ErrNotFound is returned when no handle matches a lookup.
var ErrNotFound = fmt.Errorf("tokenhandle: handle not found")

// Vault tracks issued handles, keyed by (provider, scope set). Safe
// for concurrent use. Locking the vault refuses issuance and lookup
// until unlocked; existing handles survive a lock cycle.
type Vault struct {
	clk clock.Clock

	mu      sync.Mutex
	locked  bool
	byKey   map[string]Handle
	byID    map[string]string
}

// NewVault returns an empty, unlocked vault. A nil clock selects the
// system clock.
func NewVault(clk clock.Clock) *Vault {
	if clk == nil {
		clk = clock.Real()
	}
	return &Vault{
		clk:   clk,
		byKey: make(map[string]Handle),
		byID:  make(map[string]string),
	}
}

// Acquire returns the handle for a provider and scope set, minting one
// on first use. The same (provider, scopes) always yields the same
// handle until it is revoked.
func (v *Vault) Acquire(provider string, scopes []string) (Handle, error) {
	if provider == "" {
		return Handle{}, fmt.Errorf("tokenhandle: provider is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.locked {
		return Handle{}, ErrLocked
	}

	key := Key(provider, scopes)
	if handle, ok := v.byKey[key]; ok {
		return handle, nil
	}

	id, err := newID()
	if err != nil {
		return Handle{}, err
	}
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	handle := Handle{
		ID:       id,
		Provider: provider,
		Scopes:   sorted,
		IssuedAt: v.clk.Now(),
	}
	v.byKey[key] = handle
	v.byID[id] = key
	return handle, nil
}

// Lookup resolves a handle id.
func (v *Vault) Lookup(id string) (Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.locked {
		return Handle{}, ErrLocked
	}
	key, ok := v.byID[id]
	if !ok {
		return Handle{}, ErrNotFound
	}
	return v.byKey[key], nil
}

// Revoke drops a handle. The next Acquire for its provider and scopes
// mints a fresh id, so revoked references stay dead.
func (v *Vault) Revoke(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.locked {
		return ErrLocked
	}
	key, ok := v.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(v.byID, id)
	delete(v.byKey, key)
	return nil
}

// Lock refuses all vault operations until Unlock.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.locked = true
}

// Unlock re-enables vault operations.
func (v *Vault) Unlock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.locked = false
}

// Locked reports whether the vault is locked.
func (v *Vault) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.locked
}

// Handles returns all issued handles, sorted by provider then id.
func (v *Vault) Handles() []Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	handles := make([]Handle, 0, len(v.byKey))
	for _, handle := range v.byKey {
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool {
		if handles[i].Provider != handles[j].Provider {
			return handles[i].Provider < handles[j].Provider
		}
		return handles[i].ID < handles[j].ID
	})
	return handles
}

func newID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("tokenhandle: generating id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
