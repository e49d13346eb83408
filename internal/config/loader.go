package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Identity environment overrides. They win over the file so one config can
// serve several instances.
const (
	EnvName         = "TAPROOM_NAME"
	EnvVersion      = "TAPROOM_VERSION"
	EnvInstanceName = "TAPROOM_INSTANCE_NAME"
)

// Load reads and parses configuration from a file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative manifest paths are relative to the config file.
	if cfg.Plugin.Manifest != "" && !filepath.IsAbs(cfg.Plugin.Manifest) {
		cfg.Plugin.Manifest = filepath.Join(filepath.Dir(absPath), cfg.Plugin.Manifest)
	}

	return cfg, nil
}

// Parse decodes YAML on top of Defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Fingerprint returns the BLAKE3 hex digest of the config file at path.
func Fingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv(EnvName); ok && v != "" {
		cfg.Plugin.Name = v
	}
	if v, ok := os.LookupEnv(EnvVersion); ok && v != "" {
		cfg.Plugin.Version = v
	}
	if v, ok := os.LookupEnv(EnvInstanceName); ok && v != "" {
		cfg.Plugin.Instance = v
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder; validate reports it where it matters.
		return match
	})
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Plugin.Name == "" {
		return fmt.Errorf("plugin.name is required (or set %s)", EnvName)
	}
	if cfg.Plugin.Version == "" {
		return fmt.Errorf("plugin.version is required (or set %s)", EnvVersion)
	}
	if cfg.Plugin.Instance == "" {
		return fmt.Errorf("plugin.instance is required")
	}
	if cfg.Plugin.MaxConcurrent <= 0 {
		return fmt.Errorf("plugin.max_concurrent must be positive")
	}

	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if err := unresolved("broker.url", cfg.Broker.URL); err != nil {
		return err
	}
	if cfg.Broker.MaxConnectBackoff <= 0 {
		return fmt.Errorf("broker.max_connect_backoff must be positive")
	}
	if cfg.Broker.ReconnectDelay < 0 {
		return fmt.Errorf("broker.reconnect_delay must not be negative")
	}
	if c := strings.ToLower(cfg.Broker.Codec); c != "json" && c != "cbor" {
		return fmt.Errorf("broker.codec must be json or cbor (got %q)", cfg.Broker.Codec)
	}

	if cfg.ControlPlane.URL == "" {
		return fmt.Errorf("control_plane.url is required")
	}
	if err := unresolved("control_plane.url", cfg.ControlPlane.URL); err != nil {
		return err
	}
	if err := unresolved("control_plane.token", cfg.ControlPlane.Token); err != nil {
		return err
	}
	if cfg.ControlPlane.Timeout <= 0 {
		return fmt.Errorf("control_plane.timeout must be positive")
	}

	if cfg.Updater.MaxTimeout <= 0 {
		return fmt.Errorf("updater.max_timeout must be positive")
	}
	if cfg.Updater.StartingTimeout <= 0 {
		return fmt.Errorf("updater.starting_timeout must be positive")
	}
	if cfg.Updater.PollInterval <= 0 {
		return fmt.Errorf("updater.poll_interval must be positive")
	}

	switch cfg.Payload.Backend {
	case PayloadBackendControlPlane:
	case PayloadBackendSQLite:
		if cfg.Payload.SQLitePath == "" {
			return fmt.Errorf("payload.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("payload.backend must be %s or %s (got %q)",
			PayloadBackendControlPlane, PayloadBackendSQLite, cfg.Payload.Backend)
	}
	if cfg.Payload.WorkingDir == "" {
		return fmt.Errorf("payload.working_dir is required")
	}
	if cfg.Payload.WorkspaceRetention < 0 {
		return fmt.Errorf("payload.workspace_retention must not be negative")
	}
	if cfg.Payload.Retention < 0 {
		return fmt.Errorf("payload.retention must not be negative")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}
	if err := unresolved("api.token", cfg.API.Token); err != nil {
		return err
	}
	for i, t := range cfg.API.Tokens {
		field := fmt.Sprintf("api.tokens[%d]", i)
		if t.Token == "" {
			return fmt.Errorf("%s.token is required", field)
		}
		if err := unresolved(field+".token", t.Token); err != nil {
			return err
		}
		if len(t.Scopes) == 0 {
			return fmt.Errorf("%s.scopes must not be empty", field)
		}
	}

	if cfg.Tracing.Enabled {
		if err := unresolved("tracing.endpoint", cfg.Tracing.Endpoint); err != nil {
			return err
		}
		if c := strings.ToLower(cfg.Tracing.Compression); c != "" && c != "gzip" && c != "none" {
			return fmt.Errorf("tracing.compression must be gzip or none (got %q)", cfg.Tracing.Compression)
		}
		if cfg.Tracing.Timeout < 0 {
			return fmt.Errorf("tracing.timeout must not be negative")
		}
	}

	return nil
}
