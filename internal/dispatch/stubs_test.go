package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/mattjoyce/herald/internal/bus"
)

type published struct {
	subject string
	data    []byte
}

// recordingBus records publishes and subscriptions without delivering.
type recordingBus struct {
	mu         sync.Mutex
	published  []published
	patterns   []string
	publishErr error
	closed     chan struct{}
}

func newRecordingBus() *recordingBus {
	return &recordingBus{closed: make(chan struct{})}
}

func (b *recordingBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (b *recordingBus) Subscribe(pattern string, _ bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns = append(b.patterns, pattern)
	return noopSub{}, nil
}

func (b *recordingBus) Closed() <-chan struct{} { return b.closed }
func (b *recordingBus) Close() error            { return nil }

func (b *recordingBus) publishes() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

type sentMessage struct {
	chatID string
	text   string
}

// recordingSender captures chat deliveries.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text})
	return s.err
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *recordingSender) texts(chatID string) []string {
	var out []string
	for _, m := range s.messages() {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

var errBusDown = errors.New("bus down")
