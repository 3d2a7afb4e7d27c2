package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/herald/internal/observability"
)

// ChatSender delivers one text message to a chat.
type ChatSender interface {
	Send(ctx context.Context, chatID, text string) error
}

// outbox delivers messages in order per chat, one worker per chat with
// pending messages. A failed send is logged and not retried.
type outbox struct {
	sender      ChatSender
	sendTimeout time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger

	mu     sync.Mutex
	queues map[string]*chatQueue
	closed bool
	wg     sync.WaitGroup
}

type chatQueue struct {
	msgs []string
}

func newOutbox(sender ChatSender, sendTimeout time.Duration, logger *slog.Logger) *outbox {
	return &outbox{
		sender:      sender,
		sendTimeout: sendTimeout,
		logger:      logger,
		queues:      make(map[string]*chatQueue),
	}
}

func (o *outbox) enqueue(chatID, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.logger.Warn("outbox closed, dropping chat message", "chat_id", chatID)
		return
	}
	q, ok := o.queues[chatID]
	if !ok {
		q = &chatQueue{}
		o.queues[chatID] = q
		o.wg.Add(1)
		go o.drain(chatID, q)
	}
	q.msgs = append(q.msgs, text)
}

func (o *outbox) drain(chatID string, q *chatQueue) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(q.msgs) == 0 {
			delete(o.queues, chatID)
			o.mu.Unlock()
			return
		}
		text := q.msgs[0]
		q.msgs = q.msgs[1:]
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), o.sendTimeout)
		err := o.sender.Send(ctx, chatID, text)
		cancel()
		if err != nil {
			o.metrics.RecordChatSendFailure(context.Background())
			o.logger.Warn("chat delivery failed", "chat_id", chatID, "error", err)
		}
	}
}

// close stops accepting messages and waits for queued ones to be sent.
func (o *outbox) close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
