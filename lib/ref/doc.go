// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref defines Warden's typed identifiers: agents, agent
// instances, and capabilities. Using distinct types instead of bare
// strings prevents an agent name from being passed where a capability
// id is expected, and concentrates format validation in one place.
//
// All identifier types are plain string underneath and marshal as
// strings in both JSON and CBOR.
package ref
