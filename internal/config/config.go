// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/chatlink/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatlink configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Stream    StreamConfig    `toml:"stream" json:"stream"`
	Jobs      JobsConfig      `toml:"jobs" json:"jobs"`
	Channel   ChannelConfig   `toml:"channel" json:"channel"`
	Log       LogConfig       `toml:"log" json:"log"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	BaseURL string `toml:"base_url" json:"base_url"`
	APIKey  string `toml:"api_key" json:"api_key"`
}

// StreamConfig configures the streaming chat exchange.
type StreamConfig struct {
	Path         string `toml:"path" json:"path"`
	DefaultModel string `toml:"default_model" json:"default_model"`
	// MaxFrameBytes bounds buffered, undelimited stream data. Negative disables.
	MaxFrameBytes int    `toml:"max_frame_bytes" json:"max_frame_bytes"`
	DoneSentinel  string `toml:"done_sentinel" json:"done_sentinel"`
}

// JobsConfig configures image/video job submission and polling.
type JobsConfig struct {
	ImagePath  string `toml:"image_path" json:"image_path"`
	VideoPath  string `toml:"video_path" json:"video_path"`
	StatusPath string `toml:"status_path" json:"status_path"`

	PollIntervalMs int    `toml:"poll_interval_ms" json:"poll_interval_ms"`
	Backoff        string `toml:"backoff" json:"backoff"` // constant or exponential
	MaxIntervalMs  int    `toml:"max_interval_ms" json:"max_interval_ms"`

	// Zero means unbounded.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts"`
	MaxWaitSecs int `toml:"max_wait_secs" json:"max_wait_secs"`

	Coalesce          bool    `toml:"coalesce" json:"coalesce"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
}

// ChannelConfig configures the live event channel.
type ChannelConfig struct {
	SocketPath               string `toml:"socket_path" json:"socket_path"`
	Reconnect                bool   `toml:"reconnect" json:"reconnect"`
	ReconnectMaxIntervalSecs int    `toml:"reconnect_max_interval_secs" json:"reconnect_max_interval_secs"`
	SendQueue                int    `toml:"send_queue" json:"send_queue"`
	MaxLog                   int    `toml:"max_log" json:"max_log"` // events kept per channel; 0 = unlimited
}

// LogConfig selects the log level and handler format.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// TelemetryConfig configures span export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `toml:"service_name" json:"service_name"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
		},
		Stream: StreamConfig{
			Path:          "/api/chat/stream",
			MaxFrameBytes: 1 << 20,
		},
		Jobs: JobsConfig{
			ImagePath:      "/api/images/generate",
			VideoPath:      "/api/videos/generate",
			StatusPath:     "/api/jobs/{id}",
			PollIntervalMs: 800,
			Backoff:        "constant",
			MaxIntervalMs:  10000,
		},
		Channel: ChannelConfig{
			SocketPath:               "/socket",
			Reconnect:                true,
			ReconnectMaxIntervalSecs: 30,
			SendQueue:                64,
			MaxLog:                   1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// PollInterval returns the job poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Jobs.PollIntervalMs) * time.Millisecond
}

// MaxInterval returns the cap for exponential job polling.
func (c *Config) MaxInterval() time.Duration {
	return time.Duration(c.Jobs.MaxIntervalMs) * time.Millisecond
}

// MaxWait returns the overall job wait bound, or 0 when unbounded.
func (c *Config) MaxWait() time.Duration {
	return time.Duration(c.Jobs.MaxWaitSecs) * time.Second
}

// ReconnectMaxInterval returns the cap between channel redials.
func (c *Config) ReconnectMaxInterval() time.Duration {
	return time.Duration(c.Channel.ReconnectMaxIntervalSecs) * time.Second
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the path to the chatlink config directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".chatlink"), nil
}

// ConfigPath returns the path to the default config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path, or from ConfigPath when path is empty.
// A missing file yields the defaults. Environment overrides are applied last
// and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := decodeFile(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	return finish(cfg)
}

// LoadFromPath loads configuration from a file that must exist.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(cfg, path); err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadFile decodes path over the defaults without environment overrides or
// validation. It is used to edit the file itself.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(cfg, path); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// decodeFile decodes TOML over cfg, so fields absent from the file keep
// their current values.
// SECURITY: Checks and fixes file permissions on load.
func decodeFile(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Permissions might not be fixable on all systems
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions and missing
// directories with 0700.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# chatlink configuration file")
	fmt.Fprintln(&buf, "# Generated by chatlink - edit with care")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// MinPollIntervalMs is the smallest accepted job poll interval.
const MinPollIntervalMs = 10

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if u, err := url.Parse(c.Server.BaseURL); err != nil {
		add("server.base_url", "invalid URL: %v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		add("server.base_url", "scheme must be http or https, got '%s'", u.Scheme)
	} else if u.Host == "" {
		add("server.base_url", "missing host")
	}

	// Endpoint paths
	for field, p := range map[string]string{
		"stream.path":         c.Stream.Path,
		"jobs.image_path":     c.Jobs.ImagePath,
		"jobs.video_path":     c.Jobs.VideoPath,
		"jobs.status_path":    c.Jobs.StatusPath,
		"channel.socket_path": c.Channel.SocketPath,
	} {
		if !strings.HasPrefix(p, "/") {
			add(field, "must start with '/', got '%s'", p)
		}
	}
	if !strings.Contains(c.Jobs.StatusPath, "{id}") {
		add("jobs.status_path", "must contain the {id} placeholder")
	}

	// Jobs
	if c.Jobs.PollIntervalMs < MinPollIntervalMs {
		add("jobs.poll_interval_ms", "must be at least %d, got %d", MinPollIntervalMs, c.Jobs.PollIntervalMs)
	}
	switch strings.ToLower(c.Jobs.Backoff) {
	case "constant", "exponential":
	default:
		add("jobs.backoff", "invalid policy '%s', must be one of: constant, exponential", c.Jobs.Backoff)
	}
	if c.Jobs.MaxIntervalMs < 0 {
		add("jobs.max_interval_ms", "must not be negative")
	}
	if c.Jobs.MaxAttempts < 0 {
		add("jobs.max_attempts", "must not be negative (0 = unbounded)")
	}
	if c.Jobs.MaxWaitSecs < 0 {
		add("jobs.max_wait_secs", "must not be negative (0 = unbounded)")
	}
	if c.Jobs.RequestsPerSecond < 0 {
		add("jobs.requests_per_second", "must not be negative (0 = unlimited)")
	}

	// Channel
	if c.Channel.ReconnectMaxIntervalSecs < 0 {
		add("channel.reconnect_max_interval_secs", "must not be negative")
	}
	if c.Channel.SendQueue < 0 {
		add("channel.send_queue", "must not be negative")
	}
	if c.Channel.MaxLog < 0 {
		add("channel.max_log", "must not be negative")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", "invalid format '%s', must be one of: text, json", c.Log.Format)
	}

	// Telemetry
	if c.Telemetry.OTLPEndpoint != "" {
		if u, err := url.Parse(c.Telemetry.OTLPEndpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("telemetry.otlp_endpoint", "must be an http(s) URL, got '%s'", c.Telemetry.OTLPEndpoint)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills empty fields that have no meaningful zero value.
func (c *Config) SetDefaults() {
	def := Default()

	if c.Server.BaseURL == "" {
		c.Server.BaseURL = def.Server.BaseURL
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")

	if c.Stream.Path == "" {
		c.Stream.Path = def.Stream.Path
	}
	if c.Jobs.ImagePath == "" {
		c.Jobs.ImagePath = def.Jobs.ImagePath
	}
	if c.Jobs.VideoPath == "" {
		c.Jobs.VideoPath = def.Jobs.VideoPath
	}
	if c.Jobs.StatusPath == "" {
		c.Jobs.StatusPath = def.Jobs.StatusPath
	}
	if c.Jobs.PollIntervalMs == 0 {
		c.Jobs.PollIntervalMs = def.Jobs.PollIntervalMs
	}
	if c.Jobs.Backoff == "" {
		c.Jobs.Backoff = def.Jobs.Backoff
	}
	c.Jobs.Backoff = strings.ToLower(c.Jobs.Backoff)
	if c.Channel.SocketPath == "" {
		c.Channel.SocketPath = def.Channel.SocketPath
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - CHATLINK_BASE_URL: overrides server.base_url
//   - CHATLINK_API_KEY: overrides server.api_key
//   - CHATLINK_MODEL: overrides stream.default_model
//   - CHATLINK_LOG_LEVEL: overrides log.level
//   - CHATLINK_POLL_INTERVAL_MS: overrides jobs.poll_interval_ms (ignored unless an integer)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: overrides telemetry.otlp_endpoint
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHATLINK_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("CHATLINK_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("CHATLINK_MODEL"); v != "" {
		c.Stream.DefaultModel = v
	}
	if v := os.Getenv("CHATLINK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("CHATLINK_POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Jobs.PollIntervalMs = ms
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "jobs.poll_interval_ms").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

// lookup walks the struct along a dotted key and returns the leaf field.
func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}

		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("'%s' is a section, not a value", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				lower := strings.ToLower(strVal)
				if lower != "yes" && lower != "no" {
					return fmt.Errorf("invalid boolean value: %q", strVal)
				}
				boolVal = lower == "yes"
			}
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all configuration keys in dot notation, in file order.
func GetAllKeys() []string {
	var keys []string
	root := reflect.TypeOf(Config{})
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, section.Tag.Get("toml")+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}

// Clone returns a copy of the configuration. Config holds only value
// types, so a struct copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a JSON rendering of the config for debugging.
// SECURITY: Redacts the API key so it never reaches logs or terminals.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Server.APIKey != "" {
		safe.Server.APIKey = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
