// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jeranaias/chatlink/internal/config"
	"github.com/jeranaias/chatlink/internal/logging"
	"github.com/jeranaias/chatlink/internal/telemetry"
	"github.com/jeranaias/chatlink/internal/transport"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdChat
	CmdAsk
	CmdImage
	CmdVideo
	CmdJob
	CmdEvents
	CmdConfig
	CmdVersion
)

var commandNames = map[string]Command{
	"help":    CmdHelp,
	"chat":    CmdChat,
	"ask":     CmdAsk,
	"image":   CmdImage,
	"video":   CmdVideo,
	"job":     CmdJob,
	"jobs":    CmdJob,
	"events":  CmdEvents,
	"config":  CmdConfig,
	"version": CmdVersion,
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	JSON       bool
	Verbose    bool

	// Raw holds the arguments after the command name.
	Raw []string
}

const usageText = `chatlink - real-time client for a chat assistant backend

Usage:
  chatlink [global flags] <command> [args]

Commands:
  chat [--model M]                     Interactive chat with streamed replies
  ask [--model M] [--markdown] <text>  Ask one question and stream the answer
  image <prompt>                       Generate an image and wait for the result
  video <prompt>                       Generate a video and wait for the result
  job status <id>                      Show one job's current status
  job wait <id>                        Wait for a job to finish
  events <conversation> [--cursor N]   Follow a conversation's live events;
                                       stdin lines are sent as user messages
  config show|init|path                Show, create or locate the config file
  config get|set <key> [value]         Read or change one setting
  version                              Show version

Global flags:
  --config PATH    Config file (default ~/.chatlink/config.toml)
  --json           Machine-readable output where supported
  -v, --verbose    Debug logging

Environment:
  CHATLINK_BASE_URL, CHATLINK_API_KEY, CHATLINK_MODEL,
  CHATLINK_LOG_LEVEL, CHATLINK_POLL_INTERVAL_MS, NO_COLOR
`

// Parse parses os.Args.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs reads global flags up to the command name. Unknown commands
// map to CmdHelp with the name kept in Raw.
func ParseArgs(raw []string) (Command, Args) {
	var args Args

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		switch {
		case arg == "--json":
			args.JSON = true
		case arg == "-v" || arg == "--verbose":
			args.Verbose = true
		case arg == "--config" && i+1 < len(raw):
			args.ConfigPath = raw[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			args.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "-h" || arg == "--help":
			return CmdHelp, args
		case isFlag(arg):
			// Unknown global flag; let the command see it.
			args.Raw = append(args.Raw, arg)
		default:
			args.Raw = append(args.Raw, raw[i+1:]...)
			if cmd, ok := commandNames[arg]; ok {
				return cmd, args
			}
			args.Raw = append([]string{arg}, args.Raw...)
			return CmdHelp, args
		}
	}
	return CmdHelp, args
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// Env carries everything a command handler needs. Tests build one directly.
type Env struct {
	Config     *config.Config
	ConfigPath string
	ConfigErr  error // load failure, reported by commands that need Config

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Logger     *slog.Logger
	HTTPClient transport.Doer // nil uses the transport defaults
	JSON       bool
}

// NewEnv loads configuration and builds the logger for args.
func NewEnv(args Args) *Env {
	env := &Env{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		JSON:   args.JSON,
	}

	env.ConfigPath = args.ConfigPath
	if env.ConfigPath == "" {
		if p, err := config.ConfigPath(); err == nil {
			env.ConfigPath = p
		}
	}

	cfg, err := config.Load(env.ConfigPath)
	if err != nil {
		env.ConfigErr = err
		cfg = config.Default()
	}
	env.Config = cfg

	level := cfg.Log.Level
	if args.Verbose {
		level = "debug"
	}
	env.Logger = logging.New(logging.Options{Level: level, Format: cfg.Log.Format})
	slog.SetDefault(env.Logger)
	return env
}

// requireConfig returns the load error, if any.
func (e *Env) requireConfig() error {
	if e.ConfigErr != nil {
		return fmt.Errorf("config %s: %w", e.ConfigPath, e.ConfigErr)
	}
	return nil
}

// =============================================================================
// DISPATCH
// =============================================================================

// Execute runs cmd with a fresh Env and returns the process exit code.
func Execute(ctx context.Context, cmd Command, args Args) int {
	env := NewEnv(args)

	shutdown, err := telemetry.Setup(ctx, telemetry.ExportOptions{
		Endpoint:       env.Config.Telemetry.OTLPEndpoint,
		ServiceName:    env.Config.Telemetry.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		env.Logger.Warn("telemetry disabled", "err", err)
	} else {
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				env.Logger.Debug("telemetry shutdown", "err", err)
			}
		}()
	}

	err = Run(ctx, env, cmd, args)
	if err != nil {
		DisplayError(env.Stderr, err)
	}
	return ExitCode(err)
}

// Run dispatches cmd.
func Run(ctx context.Context, env *Env, cmd Command, args Args) error {
	switch cmd {
	case CmdChat:
		return HandleChat(ctx, env, args.Raw)
	case CmdAsk:
		return HandleAsk(ctx, env, args.Raw)
	case CmdImage:
		return HandleGenerate(ctx, env, "image", args.Raw)
	case CmdVideo:
		return HandleGenerate(ctx, env, "video", args.Raw)
	case CmdJob:
		return HandleJob(ctx, env, args.Raw)
	case CmdEvents:
		return HandleEvents(ctx, env, args.Raw)
	case CmdConfig:
		return HandleConfig(env, args.Raw)
	case CmdVersion:
		fmt.Fprintf(env.Stdout, "chatlink %s (%s)\n", Version, GitCommit)
		return nil
	default:
		fmt.Fprint(env.Stdout, usageText)
		if len(args.Raw) > 0 {
			return usageError("chatlink <command> [args]", "unknown command %q", args.Raw[0])
		}
		return nil
	}
}
