// Package dispatcher routes event messages to the delivery worker and the
// parse handler.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/delivery"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// Notifier registers a consumer notification.
type Notifier interface {
	Notify(ctx context.Context, jobID string, phase jobs.Phase) (jobs.Delivery, error)
}

// ParseHandler processes a parse request for a job.
type ParseHandler interface {
	Parse(ctx context.Context, jobID string) error
}

// Dispatcher consumes messages from a subscriber with a fixed number of
// consumers and hands each to the matching handler.
type Dispatcher struct {
	sub       events.Subscriber
	notifier  Notifier
	parser    ParseHandler
	consumers int
	logger    *zap.Logger
}

// New creates a Dispatcher. parser may be nil when parsing is disabled.
func New(sub events.Subscriber, notifier Notifier, parser ParseHandler, consumers int, logger *zap.Logger) *Dispatcher {
	if consumers <= 0 {
		consumers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sub:       sub,
		notifier:  notifier,
		parser:    parser,
		consumers: consumers,
		logger:    logger.Named("dispatcher"),
	}
}

// Run starts all consumers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.consumers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := d.sub.Subscribe(ctx, d.Handle); err != nil {
				d.logger.Error("consumer stopped", zap.Int("consumer", id), zap.Error(err))
			}
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

// Handle processes one message. Errors that a retry cannot fix are logged and
// swallowed so the transport does not redeliver them.
func (d *Dispatcher) Handle(ctx context.Context, m events.Message) error {
	switch m.Kind {
	case events.KindDeliver:
		return d.deliver(ctx, m.Deliver)
	case events.KindParse:
		return d.parse(ctx, m.Parse)
	default:
		d.logger.Warn("dropping message of unknown kind", zap.String("kind", string(m.Kind)))
		return nil
	}
}

func (d *Dispatcher) deliver(ctx context.Context, p *events.Deliver) error {
	if p == nil {
		return nil
	}
	_, err := d.notifier.Notify(ctx, p.JobID, p.Phase)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, delivery.ErrNoCallback):
		return nil
	case errors.Is(err, jobs.ErrNotFound):
		d.logger.Warn("deliver message for unknown job", zap.String("job_id", p.JobID))
		return nil
	default:
		return fmt.Errorf("notify %s/%s: %w", p.JobID, p.Phase, err)
	}
}

func (d *Dispatcher) parse(ctx context.Context, p *events.Parse) error {
	if p == nil {
		return nil
	}
	if d.parser == nil {
		d.logger.Warn("parse message received but parsing is disabled", zap.String("job_id", p.JobID))
		return nil
	}
	err := d.parser.Parse(ctx, p.JobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrInvalidState):
		d.logger.Info("skipping parse", zap.String("job_id", p.JobID), zap.Error(err))
		return nil
	case errors.Is(err, jobs.ErrDigestMismatch):
		// Redelivery cannot repair the blob; the job stays fetched.
		d.logger.Error("raw content failed verification", zap.String("job_id", p.JobID), zap.Error(err))
		return nil
	default:
		return fmt.Errorf("parse %s: %w", p.JobID, err)
	}
}
