package webhook

import "context"

// TextHandler runs one inbound chat message.
type TextHandler interface {
	HandleText(ctx context.Context, originID, text string) error
}

// Config holds webhook server configuration.
type Config struct {
	Listen string

	// Path receives WAHA events (default: /waha/webhook).
	Path string

	// Secret must match the X-Webhook-Secret header.
	Secret string

	// HMACKey, when set, requires X-Webhook-Hmac to be the hex HMAC-SHA512
	// of the body, as WAHA signs it.
	HMACKey string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64
}

// Response is the JSON body of every webhook reply.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Headers and defaults
const (
	SecretHeader = "X-Webhook-Secret"
	HMACHeader   = "X-Webhook-Hmac"

	DefaultPath        = "/waha/webhook"
	DefaultMaxBodySize = 1048576 // 1 MB
)
