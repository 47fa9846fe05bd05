package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/jobs"
)

type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	exchange   string
	key        string
	deliveries chan amqp.Delivery
	closed     bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchange, f.key = exchange, key
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type ackRecorder struct {
	mu    sync.Mutex
	acks  int
	nacks []bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, requeue)
	return nil
}

func (a *ackRecorder) Reject(uint64, bool) error { return nil }

func TestPublishUsesRoutingKeyAndPersistence(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	tr := NewWithChannel(ch, Config{Exchange: "scrapeq", Queue: "scrapeq.events"}, nil)
	require.NoError(t, tr.Publish(context.Background(), events.NewParse("job-1")))
	require.Error(t, tr.Publish(context.Background(), events.Message{Kind: "bogus"}))

	require.Len(t, ch.published, 1)
	require.Equal(t, "scrapeq", ch.exchange)
	require.Equal(t, "scrapeq.events", ch.key)
	require.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	require.Equal(t, "parse", ch.published[0].Type)

	m, err := events.Decode(ch.published[0].Body)
	require.NoError(t, err)
	require.Equal(t, "job-1", m.JobID())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.True(t, ch.closed)
}

func TestSubscribeAcksNacksAndRejects(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 3)}
	tr := NewWithChannel(ch, Config{Queue: "q"}, nil)
	acks := &ackRecorder{}

	good, err := events.Encode(events.NewDeliver("job-1", jobs.PhaseIngested))
	require.NoError(t, err)
	fail, err := events.Encode(events.NewDeliver("job-2", jobs.PhaseIngested))
	require.NoError(t, err)
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: good}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte("junk")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, Body: fail}
	close(ch.deliveries)

	var seen []string
	err = tr.Subscribe(context.Background(), func(_ context.Context, m events.Message) error {
		seen = append(seen, m.JobID())
		if m.JobID() == "job-2" {
			return errors.New("try later")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"job-1", "job-2"}, seen)
	require.Equal(t, 1, acks.acks)
	require.Equal(t, []bool{false, true}, acks.nacks)
}

func TestSubscribeStopsOnContext(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	tr := NewWithChannel(ch, Config{Queue: "q"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, tr.Subscribe(ctx, func(context.Context, events.Message) error { return nil }))
}

func TestDialValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Dial(Config{}, nil)
	require.Error(t, err)
}
