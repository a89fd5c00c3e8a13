// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Configuration management command.
//
// Examples:
//   chatlink config show
//   chatlink config init
//   chatlink config set jobs.poll_interval_ms 500
//   chatlink config get server.base_url
package cli

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jeranaias/chatlink/internal/config"
)

const configUsage = "chatlink config show|init [--force]|path|get <key>|set <key> <value>"

// HandleConfig implements the config subcommands.
func HandleConfig(env *Env, raw []string) error {
	p := NewArgParser(raw, "force", "json")
	jsonMode := env.JSON || p.BoolFlag("json")

	switch sub := p.Positional(0); sub {
	case "", "show":
		return handleConfigShow(env, jsonMode)
	case "init":
		return handleConfigInit(env, p.BoolFlag("force"))
	case "path":
		return handleConfigPath(env, jsonMode)
	case "get":
		return handleConfigGet(env, p.Positional(1), jsonMode)
	case "set":
		return handleConfigSet(env, p.Positional(1), p.PositionalFrom(2))
	default:
		return usageError(configUsage, "unknown config subcommand %q", sub)
	}
}

func handleConfigShow(env *Env, jsonMode bool) error {
	if err := env.requireConfig(); err != nil {
		return err
	}
	cfg := env.Config

	if jsonMode {
		safe := cfg.Clone()
		safe.Server.APIKey = maskAPIKey(safe.Server.APIKey)
		return NewJSONResponse("config show", safe).Write(env.Stdout)
	}

	fmt.Fprintln(env.Stdout, TitleStyle.Render("chatlink configuration"))
	section := ""
	for _, key := range config.GetAllKeys() {
		name, field, _ := strings.Cut(key, ".")
		if name != section {
			section = name
			fmt.Fprintf(env.Stdout, "\n[%s]\n", section)
		}
		value, err := cfg.Get(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "  %-30s %s\n", field, maskIfSecret(key, fmt.Sprint(value)))
	}
	fmt.Fprintf(env.Stdout, "\n%s %s\n", DimStyle.Render("Config file:"), env.ConfigPath)
	return nil
}

func handleConfigInit(env *Env, force bool) error {
	if _, err := os.Stat(env.ConfigPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", env.ConfigPath)
	}
	if err := config.SaveTOML(config.Default(), env.ConfigPath); err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "%s wrote %s\n", SuccessStyle.Render("[OK]"), env.ConfigPath)
	return nil
}

func handleConfigPath(env *Env, jsonMode bool) error {
	if jsonMode {
		_, err := os.Stat(env.ConfigPath)
		return NewJSONResponse("config path", map[string]interface{}{
			"path":   env.ConfigPath,
			"exists": err == nil,
		}).Write(env.Stdout)
	}
	fmt.Fprintln(env.Stdout, env.ConfigPath)
	return nil
}

func handleConfigGet(env *Env, key string, jsonMode bool) error {
	if key == "" {
		return usageError(configUsage, "a key is required")
	}
	if err := env.requireConfig(); err != nil {
		return err
	}
	value, err := env.Config.Get(key)
	if err != nil {
		return err
	}
	shown := maskIfSecret(key, fmt.Sprint(value))
	if jsonMode {
		return NewJSONResponse("config get", map[string]string{"key": key, "value": shown}).Write(env.Stdout)
	}
	fmt.Fprintln(env.Stdout, shown)
	return nil
}

// handleConfigSet edits the file itself, not the env-overridden view, so
// environment values are never persisted.
func handleConfigSet(env *Env, key string, rest []string) error {
	if key == "" || len(rest) == 0 {
		return usageError(configUsage, "set needs a key and a value")
	}

	cfg, err := config.LoadFile(env.ConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return err
	}

	if err := cfg.Set(key, strings.Join(rest, " ")); err != nil {
		return usageError(configUsage, "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveTOML(cfg, env.ConfigPath); err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "%s %s = %s\n", SuccessStyle.Render("[OK]"), key, maskIfSecret(key, strings.Join(rest, " ")))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// maskAPIKey masks an API key for display using a SHA-256 fingerprint, so
// no prefix of the key is ever shown.
func maskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("sha256:%x...", hash[:4])
}

// maskIfSecret masks the value if the key names a secret field.
func maskIfSecret(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, s := range []string{"api_key", "secret", "token", "password"} {
		if strings.Contains(keyLower, s) {
			return maskAPIKey(value)
		}
	}
	return value
}
