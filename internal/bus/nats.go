package bus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mattjoyce/herald/internal/job"
	"github.com/mattjoyce/herald/internal/log"
)

// NATSOptions configures the NATS transport.
type NATSOptions struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// NATS is the Bus backed by a core NATS connection. The client reconnects
// forever and restores subscriptions itself; Closed fires only when the
// connection is closed for good.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

type natsSub struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// ConnectNATS dials the server. An unreachable server is not an error: the
// connection keeps retrying in the background.
func ConnectNATS(opts NATSOptions) (*NATS, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("nats url is empty")
	}
	b := &NATS{
		logger: log.WithComponent("bus").With("url", opts.URL),
		closed: make(chan struct{}),
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return reconnectDelay(attempts, opts.ReconnectWait)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("bus disconnected", "error", err)
				return
			}
			b.logger.Info("bus disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("bus reconnected", "server", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.logger.Warn("bus connection closed")
			b.markClosed()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.logger.Error("bus async error", "subject", subject, "error", err)
		}),
	}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b.conn = conn
	return b, nil
}

func (b *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return &job.Error{Sentinel: job.ErrBusDisconnected, Op: "bus.publish", Reason: subject}
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return &job.Error{Sentinel: job.ErrBusDisconnected, Op: "bus.publish", Reason: subject, Cause: err}
	}
	return nil
}

func (b *NATS) Subscribe(pattern string, h Handler) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("subscription pattern is empty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.conn.Subscribe(pattern, func(m *nats.Msg) {
		h(ctx, Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %q: %w", pattern, err)
	}
	return &natsSub{sub: sub, cancel: cancel}, nil
}

func (s *natsSub) Unsubscribe() error {
	s.cancel()
	return s.sub.Unsubscribe()
}

func (b *NATS) Closed() <-chan struct{} { return b.closed }

// Close flushes pending publishes when connected, then closes the connection.
func (b *NATS) Close() error {
	if b.conn.IsConnected() {
		if err := b.conn.FlushTimeout(2 * time.Second); err != nil {
			b.logger.Warn("flush before close failed", "error", err)
		}
	}
	b.conn.Close()
	b.markClosed()
	return nil
}

func (b *NATS) markClosed() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// reconnectDelay grows exponentially from base, capped at 30s.
func reconnectDelay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := 30 * time.Second
	if attempt < 1 {
		return base
	}
	d := float64(base) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}
