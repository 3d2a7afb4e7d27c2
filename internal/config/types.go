package config

import "time"

// Config represents the complete herald configuration. One file serves both
// roles: the origin section is read by `herald system start`, the runner
// section by `herald runner start`.
type Config struct {
	Service   ServiceConfig `yaml:"service"`
	Bus       BusConfig     `yaml:"bus"`
	State     StateConfig   `yaml:"state"`
	Allowlist []string      `yaml:"allowlist"`
	Origin    OriginConfig  `yaml:"origin"`
	Runner    RunnerConfig  `yaml:"runner"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BusConfig defines the message bus connection.
type BusConfig struct {
	// URL is a NATS server URL. The special value "memory" selects the
	// in-process bus, which only works when origin and runner share a process.
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StateConfig defines job store settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// OriginConfig configures the orchestrator side.
type OriginConfig struct {
	Listen              string        `yaml:"listen"`
	WebhookSecret       string        `yaml:"webhook_secret"`
	// WebhookHMACKey, when set, also requires a valid X-Webhook-Hmac header.
	WebhookHMACKey      string        `yaml:"webhook_hmac_key,omitempty"`
	WebhookMaxBodySize  string        `yaml:"webhook_max_body_size,omitempty"`
	MaxRunningPerOrigin int           `yaml:"max_running_per_origin"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	Targets             []string      `yaml:"targets"`
	Chat                ChatConfig    `yaml:"chat"`
}

// ChatConfig configures outbound delivery through the WAHA HTTP API.
type ChatConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	SendPath string        `yaml:"send_path"`
	ChatKey  string        `yaml:"chat_key"`
	TextKey  string        `yaml:"text_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RunnerConfig configures the execution engine on a target host.
type RunnerConfig struct {
	ID          string            `yaml:"id"`
	MaxJobs     int               `yaml:"max_jobs"`
	GracePeriod time.Duration     `yaml:"grace_period"`
	LockPath    string            `yaml:"lock_path,omitempty"`
	Secrets     map[string]string `yaml:"secrets,omitempty"`
	Stream      StreamConfig      `yaml:"stream"`
}

// StreamConfig tunes output batching.
type StreamConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxLines     int           `yaml:"max_lines"`
	MaxLineBytes int           `yaml:"max_line_bytes"`
}

// DefaultAllowlist is used when the config does not name any executables.
var DefaultAllowlist = []string{
	"cc", "cookiecutter", "git", "gh", "pnpm", "npm", "node",
	"python", "uv", "pip", "pytest", "supabase", "docker",
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "herald",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Bus: BusConfig{
			URL:            "nats://127.0.0.1:4222",
			Name:           "herald",
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		State: StateConfig{
			Path: "./data/herald.db",
		},
		Origin: OriginConfig{
			Listen:              "127.0.0.1:8080",
			MaxRunningPerOrigin: 2,
			DefaultTimeout:      30 * time.Minute,
			Targets:             []string{"dev"},
			Chat: ChatConfig{
				BaseURL:  "http://waha:3000",
				SendPath: "/api/sendText",
				ChatKey:  "chatId",
				TextKey:  "text",
				Timeout:  30 * time.Second,
			},
		},
		Runner: RunnerConfig{
			ID:          "dev",
			MaxJobs:     8,
			GracePeriod: 5 * time.Second,
			Stream: StreamConfig{
				Window:       3 * time.Second,
				MaxLines:     12,
				MaxLineBytes: 4096,
			},
		},
	}
}
