package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	// idPattern restricts target ids to characters that are safe inside a bus subject token.
	idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// maxDefaultTimeout matches the largest timeout a job envelope may carry.
const maxDefaultTimeout = 7 * 24 * time.Hour

// Load reads, interpolates, defaults and validates the configuration file at
// configPath. A directory is accepted and resolved to <dir>/config.yaml.
// If a .checksums manifest sits next to the file, its BLAKE3 hash is verified.
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

	if err := VerifyChecksumIfPresent(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML bytes on top of Defaults, then validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $HERALD_CONFIG, ~/.config/herald/config.yaml, /etc/herald/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("HERALD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "herald", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/herald/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $HERALD_CONFIG, ~/.config/herald/config.yaml, /etc/herald/config.yaml, ./config.yaml)")
}

// applyConfigDefaults fills zero values that YAML may have cleared.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Bus.ReconnectWait <= 0 {
		cfg.Bus.ReconnectWait = d.Bus.ReconnectWait
	}
	if cfg.Bus.ConnectTimeout <= 0 {
		cfg.Bus.ConnectTimeout = d.Bus.ConnectTimeout
	}
	if cfg.Origin.DefaultTimeout <= 0 {
		cfg.Origin.DefaultTimeout = d.Origin.DefaultTimeout
	}
	if cfg.Origin.Chat.SendPath == "" {
		cfg.Origin.Chat.SendPath = d.Origin.Chat.SendPath
	}
	if cfg.Origin.Chat.ChatKey == "" {
		cfg.Origin.Chat.ChatKey = d.Origin.Chat.ChatKey
	}
	if cfg.Origin.Chat.TextKey == "" {
		cfg.Origin.Chat.TextKey = d.Origin.Chat.TextKey
	}
	if cfg.Origin.Chat.Timeout <= 0 {
		cfg.Origin.Chat.Timeout = d.Origin.Chat.Timeout
	}
	if cfg.Runner.MaxJobs <= 0 {
		cfg.Runner.MaxJobs = d.Runner.MaxJobs
	}
	if cfg.Runner.GracePeriod <= 0 {
		cfg.Runner.GracePeriod = d.Runner.GracePeriod
	}
	if cfg.Runner.Stream.Window <= 0 {
		cfg.Runner.Stream.Window = d.Runner.Stream.Window
	}
	if cfg.Runner.Stream.MaxLines <= 0 {
		cfg.Runner.Stream.MaxLines = d.Runner.Stream.MaxLines
	}
	if cfg.Runner.Stream.MaxLineBytes <= 0 {
		cfg.Runner.Stream.MaxLineBytes = d.Runner.Stream.MaxLineBytes
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables keep their placeholder so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func checkResolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs role-independent validation.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	for i, name := range cfg.Allowlist {
		if name == "" || filepath.Base(name) != name {
			return fmt.Errorf("allowlist[%d]: %q must be a bare executable name", i, name)
		}
	}
	if cfg.Origin.MaxRunningPerOrigin < 0 {
		return fmt.Errorf("origin.max_running_per_origin must not be negative")
	}
	for i, t := range cfg.Origin.Targets {
		if !idPattern.MatchString(t) {
			return fmt.Errorf("origin.targets[%d]: %q is not a valid target id", i, t)
		}
	}
	if cfg.Runner.ID != "" && !idPattern.MatchString(cfg.Runner.ID) {
		return fmt.Errorf("runner.id: %q is not a valid target id", cfg.Runner.ID)
	}
	if cfg.Origin.DefaultTimeout > maxDefaultTimeout {
		return fmt.Errorf("origin.default_timeout must be at most %s (got %s)", maxDefaultTimeout, cfg.Origin.DefaultTimeout)
	}
	if cfg.Runner.GracePeriod > time.Minute {
		return fmt.Errorf("runner.grace_period must be at most 1m (got %s)", cfg.Runner.GracePeriod)
	}
	for k, v := range cfg.Runner.Secrets {
		if err := checkResolved("runner.secrets."+k, v); err != nil {
			return err
		}
	}
	return nil
}

// ValidateOrigin checks the settings `herald system start` depends on.
func (c *Config) ValidateOrigin() error {
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Origin.Listen == "" {
		return fmt.Errorf("origin.listen is required")
	}
	if c.Origin.WebhookSecret == "" {
		return fmt.Errorf("origin.webhook_secret is required")
	}
	if err := checkResolved("origin.webhook_secret", c.Origin.WebhookSecret); err != nil {
		return err
	}
	if err := checkResolved("origin.webhook_hmac_key", c.Origin.WebhookHMACKey); err != nil {
		return err
	}
	if err := checkResolved("origin.chat.token", c.Origin.Chat.Token); err != nil {
		return err
	}
	if len(c.Origin.Targets) == 0 {
		return fmt.Errorf("origin.targets must name at least one target")
	}
	if c.Origin.Chat.BaseURL == "" {
		return fmt.Errorf("origin.chat.base_url is required")
	}
	return nil
}

// ValidateRunner checks the settings `herald runner start` depends on.
func (c *Config) ValidateRunner() error {
	if c.Runner.ID == "" {
		return fmt.Errorf("runner.id is required")
	}
	if c.Bus.URL == "memory" {
		return fmt.Errorf("bus.url=memory cannot be used by a standalone runner")
	}
	return nil
}
