// chatlink - Terminal client for a streaming chat assistant backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/chatlink/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
}

func main() {
	cmd, args := cli.Parse()

	// chat cancels single replies on Ctrl+C itself.
	signals := []os.Signal{os.Interrupt, syscall.SIGTERM}
	if cmd == cli.CmdChat {
		signals = []os.Signal{syscall.SIGTERM}
	}
	ctx, stop := signal.NotifyContext(context.Background(), signals...)

	code := cli.Execute(ctx, cmd, args)
	stop()
	os.Exit(code)
}
