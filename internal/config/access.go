package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return redacted
	}
	out.Origin.WebhookSecret = mask(c.Origin.WebhookSecret)
	out.Origin.WebhookHMACKey = mask(c.Origin.WebhookHMACKey)
	out.Origin.Chat.Token = mask(c.Origin.Chat.Token)
	out.Origin.Targets = append([]string(nil), c.Origin.Targets...)
	out.Allowlist = append([]string(nil), c.Allowlist...)
	if len(c.Runner.Secrets) > 0 {
		out.Runner.Secrets = make(map[string]string, len(c.Runner.Secrets))
		for k := range c.Runner.Secrets {
			out.Runner.Secrets[k] = redacted
		}
	}
	return &out
}

// GetPath retrieves a value from the redacted configuration using a
// dot-notation path such as "origin.chat.base_url". An empty path returns
// the whole document.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}
