package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scrapeq/internal/backoff"
)

// ErrClosed is returned when publishing to a closed transport.
var ErrClosed = errors.New("transport closed")

// DefaultRedelivery spaces out redeliveries of a failing message.
var DefaultRedelivery backoff.Strategy = backoff.NewExponential(100*time.Millisecond, 30*time.Second)

type envelope struct {
	msg     Message
	attempt int
}

// Memory is an in-process transport backed by a bounded channel. A message
// whose handler fails is redelivered after the redelivery strategy's delay
// for its attempt count.
type Memory struct {
	ch         chan envelope
	done       chan struct{}
	redelivery backoff.Strategy
	closeOnce  sync.Once
	closeMu    sync.RWMutex
	closed     bool
}

// NewMemory constructs a transport with the provided capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		ch:         make(chan envelope, capacity),
		done:       make(chan struct{}),
		redelivery: DefaultRedelivery,
	}
}

// WithRedelivery replaces the redelivery strategy. A nil strategy keeps the
// current one.
func (t *Memory) WithRedelivery(s backoff.Strategy) *Memory {
	if s != nil {
		t.redelivery = s
	}
	return t
}

// Publish enqueues m or returns when ctx ends.
func (t *Memory) Publish(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return t.enqueue(ctx, envelope{msg: m})
}

func (t *Memory) enqueue(ctx context.Context, e envelope) error {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case <-t.done:
		return ErrClosed
	case t.ch <- e:
		return nil
	}
}

// Subscribe runs h for each message until ctx ends or the transport closes.
func (t *Memory) Subscribe(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-t.ch:
			if !ok {
				return nil
			}
			if err := h(ctx, e.msg); err != nil {
				e.attempt++
				t.redeliver(e)
			}
		}
	}
}

// redeliver re-queues e once its delay elapses. The message is dropped if the
// transport closes first.
func (t *Memory) redeliver(e envelope) {
	timer := time.NewTimer(t.redelivery.Delay(e.attempt))
	go func() {
		defer timer.Stop()
		select {
		case <-t.done:
		case <-timer.C:
			_ = t.enqueue(context.Background(), e)
		}
	}()
}

// Len reports the number of buffered messages.
func (t *Memory) Len() int {
	return len(t.ch)
}

// Close stops accepting messages and ends subscriptions once drained.
// Pending redeliveries are dropped.
func (t *Memory) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.ch)
	return nil
}
