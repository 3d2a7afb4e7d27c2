// Package bus carries envelopes, output chunks, done events and control
// messages between the origin and the targets.
//
// Delivery is at-least-once at best and may be reordered across subjects;
// consumers are idempotent. Within one subscription, messages published to
// the same subject are delivered in publish order.
package bus

import (
	"context"
	"time"
)

// Message is a delivered payload and the concrete subject it was published on.
type Message struct {
	Subject string
	Data    []byte
}

// Handler consumes messages for one subscription. Calls for a subscription
// are serialized; a handler must not block on long-running work.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active interest in a subject pattern.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a fire-and-forget publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(pattern string, h Handler) (Subscription, error)
	// Closed is closed once the transport is permanently gone.
	Closed() <-chan struct{}
	Close() error
}

// MemoryURL selects the in-process transport.
const MemoryURL = "memory"

// Open returns the transport named by url.
func Open(url, name string, reconnectWait, connectTimeout time.Duration) (Bus, error) {
	if url == MemoryURL {
		return NewMemory(), nil
	}
	return ConnectNATS(NATSOptions{
		URL:            url,
		Name:           name,
		ReconnectWait:  reconnectWait,
		ConnectTimeout: connectTimeout,
	})
}
