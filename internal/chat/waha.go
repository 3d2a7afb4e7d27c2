package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/log"
)

// WAHA sends text messages through a WAHA instance.
type WAHA struct {
	cfg    config.ChatConfig
	client *http.Client
	logger *slog.Logger
}

// NewWAHA creates a client. A nil httpClient gets one with cfg.Timeout.
func NewWAHA(cfg config.ChatConfig, httpClient *http.Client) *WAHA {
	if cfg.ChatKey == "" {
		cfg.ChatKey = "chatId"
	}
	if cfg.TextKey == "" {
		cfg.TextKey = "text"
	}
	if cfg.SendPath == "" {
		cfg.SendPath = "/api/sendText"
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &WAHA{cfg: cfg, client: httpClient, logger: log.WithComponent("chat")}
}

// Send posts one message to chatID. There is exactly one attempt.
func (w *WAHA) Send(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		w.cfg.ChatKey: chatID,
		w.cfg.TextKey: text,
	})
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}

	url := strings.TrimRight(w.cfg.BaseURL, "/") + w.cfg.SendPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("X-Api-Key", w.cfg.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send chat message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send chat message: unexpected status %d", resp.StatusCode)
	}
	w.logger.Debug("chat message sent", "chat_id", chatID, "bytes", len(text))
	return nil
}

// ErrNoMessage marks webhook events that carry no chat message, such as
// session status updates.
var ErrNoMessage = errors.New("webhook event has no message")

// Inbound is the part of a WAHA webhook body the origin cares about.
type Inbound struct {
	ChatID string
	Text   string
	FromMe bool
}

type inboundMessage struct {
	ChatID string          `json:"chatId"`
	From   string          `json:"from"`
	Body   string          `json:"body"`
	Text   json.RawMessage `json:"text"`
	FromMe bool            `json:"fromMe"`
}

type inboundBody struct {
	Event    string           `json:"event"`
	Payload  *inboundMessage  `json:"payload"`
	Messages []inboundMessage `json:"messages"`
}

// ParseInbound extracts the chat id and text from a webhook body. Both the
// event form ({"event":"message","payload":{...}}) and the batch form
// ({"messages":[{...}]}) are accepted.
func ParseInbound(data []byte) (Inbound, error) {
	var body inboundBody
	if err := json.Unmarshal(data, &body); err != nil {
		return Inbound{}, fmt.Errorf("decode webhook body: %w", err)
	}

	var m *inboundMessage
	switch {
	case body.Payload != nil:
		m = body.Payload
	case len(body.Messages) > 0:
		m = &body.Messages[0]
	default:
		return Inbound{}, ErrNoMessage
	}

	in := Inbound{ChatID: m.ChatID, FromMe: m.FromMe}
	if in.ChatID == "" {
		in.ChatID = m.From
	}
	if in.ChatID == "" {
		return Inbound{}, fmt.Errorf("webhook message missing chat id")
	}

	in.Text = m.Body
	if in.Text == "" && len(m.Text) > 0 {
		// text is either a string or {"body": "..."}
		var s string
		if err := json.Unmarshal(m.Text, &s); err == nil {
			in.Text = s
		} else {
			var nested struct {
				Body string `json:"body"`
			}
			if err := json.Unmarshal(m.Text, &nested); err == nil {
				in.Text = nested.Body
			}
		}
	}
	return in, nil
}
