package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/mattjoyce/herald/internal/job"
)

// Memory is an in-process bus. It is used when origin and runner share a
// process, and in tests.
//
// Every subscription owns an unbounded FIFO drained by its own goroutine:
// Publish never blocks on a slow handler and never drops a message.
type Memory struct {
	mu        sync.Mutex
	subs      map[int]*memorySub
	nextSubID int

	closed   bool
	closedCh chan struct{}
}

type memorySub struct {
	hub     *Memory
	id      int
	pattern string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queue  []Message
	closed bool
	wake   chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		subs:     make(map[int]*memorySub),
		closedCh: make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{Subject: subject, Data: append([]byte(nil), data...)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &job.Error{Sentinel: job.ErrBusDisconnected, Op: "bus.publish", Reason: subject}
	}
	for _, sub := range m.subs {
		if Match(sub.pattern, subject) {
			sub.push(msg)
		}
	}
	return nil
}

func (m *Memory) Subscribe(pattern string, h Handler) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("subscription pattern is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &job.Error{Sentinel: job.ErrBusDisconnected, Op: "bus.subscribe", Reason: pattern}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySub{
		hub:     m,
		id:      m.nextSubID,
		pattern: pattern,
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
	m.nextSubID++
	m.subs[sub.id] = sub

	go sub.run()
	return sub, nil
}

func (s *memorySub) Unsubscribe() error {
	s.hub.mu.Lock()
	if _, ok := s.hub.subs[s.id]; ok {
		delete(s.hub.subs, s.id)
		s.close()
	}
	s.hub.mu.Unlock()
	s.cancel()
	return nil
}

func (s *memorySub) push(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.signal()
}

func (s *memorySub) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *memorySub) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run delivers queued messages in order. Messages queued before close are
// still delivered.
func (s *memorySub) run() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, msg := range batch {
			s.handler(s.ctx, msg)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (m *Memory) Closed() <-chan struct{} { return m.closedCh }

// Close drops all subscriptions. Messages already queued are still delivered.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, sub := range m.subs {
		delete(m.subs, id)
		sub.close()
	}
	close(m.closedCh)
	return nil
}
