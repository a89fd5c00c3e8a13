// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line interface parsing and execution for chatlink.
//
// Every command works against the assistant backend named in the config
// file (~/.chatlink/config.toml) and supports --json output.
//
// # Key Types
//
//   - Command: Enumeration of all available CLI commands
//   - Args: Global flags plus the raw command arguments
//   - Env: Config, I/O streams and logger handed to each handler
//   - ArgParser: Flag and positional argument splitting for subcommands
//
// # Usage
//
//	cmd, args := cli.Parse()
//	os.Exit(cli.Execute(ctx, cmd, args))
//
// # Commands Overview
//
//   - chat: Interactive chat with streamed replies
//   - ask: Single question, streamed to stdout
//   - image, video: Submit a generation job and wait for the result
//   - job: Inspect or wait on an existing job
//   - events: Follow a conversation's live event channel
//   - config: Show, initialize and edit configuration
package cli
