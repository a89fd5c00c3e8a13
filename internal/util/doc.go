// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides crash-safe file writes for the configuration layer.
//
// # Usage
//
//	// Write the config file atomically with owner-only permissions
//	err := util.AtomicWriteFileWithDir(path, data, 0600, 0700)
package util
