// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading, validation and hot reload
// for chatlink.
//
// # Key Types
//
//   - Config: main configuration structure
//   - ServerConfig: backend base URL and API key
//   - StreamConfig, JobsConfig, ChannelConfig: per-component settings
//   - ValidationError: field-scoped validation failure
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (CHATLINK_*)
//   - ~/.chatlink/config.toml, or the file given with --config
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Reload on change:
//
//	err := config.Watch(ctx, path, func(cfg *config.Config) {
//	    transcript.SetModel(cfg.Stream.DefaultModel)
//	})
package config
