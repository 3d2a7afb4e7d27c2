package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/herald/internal/config"
)

// FromOriginConfig converts the origin section into a server Config.
func FromOriginConfig(oc config.OriginConfig) (Config, error) {
	if oc.WebhookSecret == "" {
		return Config{}, fmt.Errorf("webhook secret is not configured")
	}
	maxBodySize, err := parseMaxBodySize(oc.WebhookMaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("invalid webhook_max_body_size %q: %w", oc.WebhookMaxBodySize, err)
	}
	return Config{
		Listen:      oc.Listen,
		Path:        DefaultPath,
		Secret:      oc.WebhookSecret,
		HMACKey:     oc.WebhookHMACKey,
		MaxBodySize: maxBodySize,
	}, nil
}

// parseMaxBodySize parses size strings like "1MB", "2048576", "1048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return value * multiplier, nil
}
