// Package delivery sends signed webhook notifications for job phases with
// bounded retries. One delivery row exists per (job, phase); retries reuse it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/backoff"
	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/queue/memory"
)

// ErrNoCallback is returned by Notify for jobs without a callback URL.
var ErrNoCallback = errors.New("job has no callback url")

// Config controls retry policy and concurrency.
type Config struct {
	MaxAttempts  int
	Concurrency  int
	PollInterval time.Duration
	// FinalPhase is the phase whose delivery moves the job to delivered.
	FinalPhase jobs.Phase
}

// Stores groups the persistence dependencies of the worker.
type Stores struct {
	Jobs       jobs.JobStore
	Artifacts  jobs.ArtifactStore
	Deliveries jobs.DeliveryStore
}

// Worker schedules and performs delivery attempts.
type Worker struct {
	cfg      Config
	stores   Stores
	secrets  jobs.SecretResolver
	ids      jobs.IDGenerator
	clock    jobs.Clock
	sender   *Sender
	strategy backoff.Strategy
	queue    *memory.DelayQueue
	events   progress.Emitter
	logger   *zap.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New constructs a Worker.
func New(
	cfg Config,
	stores Stores,
	secrets jobs.SecretResolver,
	ids jobs.IDGenerator,
	clock jobs.Clock,
	sender *Sender,
	strategy backoff.Strategy,
	events progress.Emitter,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FinalPhase == "" {
		cfg.FinalPhase = jobs.PhaseIngested
	}
	if strategy == nil {
		strategy = backoff.NewExponential(60*time.Second, 0)
	}
	if events == nil {
		events = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		stores:   stores,
		secrets:  secrets,
		ids:      ids,
		clock:    clock,
		sender:   sender,
		strategy: strategy,
		queue:    memory.NewDelayQueue(),
		events:   events,
		logger:   logger.Named("delivery"),
		sem:      make(chan struct{}, cfg.Concurrency),
		inflight: make(map[string]struct{}),
	}
}

// Notify registers a notification for (jobID, phase). A pending or failed row
// is left alone; a delivered row is reset to pending and re-sent under the
// same delivery id.
func (w *Worker) Notify(ctx context.Context, jobID string, phase jobs.Phase) (jobs.Delivery, error) {
	if !phase.Valid() {
		return jobs.Delivery{}, fmt.Errorf("unknown phase %q", phase)
	}
	job, err := w.stores.Jobs.Get(ctx, jobID)
	if err != nil {
		return jobs.Delivery{}, fmt.Errorf("load job: %w", err)
	}
	if !job.HasCallback() {
		return jobs.Delivery{}, ErrNoCallback
	}
	id, err := w.ids.NewID()
	if err != nil {
		return jobs.Delivery{}, fmt.Errorf("delivery id: %w", err)
	}
	now := w.clock.Now()
	d, created, err := w.stores.Deliveries.EnsureDelivery(ctx, jobs.Delivery{
		ID:            id,
		JobID:         jobID,
		Phase:         phase,
		URL:           job.CallbackURL,
		Status:        jobs.DeliveryPending,
		NextAttemptAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return jobs.Delivery{}, fmt.Errorf("ensure delivery: %w", err)
	}
	if created {
		w.queue.Push(memory.Task{DeliveryID: d.ID, Due: now})
		w.logger.Debug("delivery scheduled", zap.String("delivery_id", d.ID), zap.String("job_id", jobID), zap.String("phase", string(phase)))
		return d, nil
	}
	if d.Status != jobs.DeliveryDelivered {
		return d, nil
	}
	d.Status = jobs.DeliveryPending
	d.Attempts = 0
	d.StatusCode = nil
	d.LastError = ""
	d.DeliveredAt = nil
	d.NextAttemptAt = &now
	d.URL = job.CallbackURL
	d.UpdatedAt = now
	if err := w.stores.Deliveries.UpdateDelivery(ctx, d); err != nil {
		return jobs.Delivery{}, fmt.Errorf("reset delivery: %w", err)
	}
	w.queue.Push(memory.Task{DeliveryID: d.ID, Due: now})
	return d, nil
}

// Recover schedules every pending delivery found in the store.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	pending, err := w.stores.Deliveries.ListPendingDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending deliveries: %w", err)
	}
	now := w.clock.Now()
	for _, d := range pending {
		due := now
		if d.NextAttemptAt != nil {
			due = *d.NextAttemptAt
		}
		w.queue.Push(memory.Task{DeliveryID: d.ID, Due: due})
	}
	if len(pending) > 0 {
		w.logger.Info("recovered pending deliveries", zap.Int("count", len(pending)))
	}
	return len(pending), nil
}

// Scheduled returns the queued attempts in due order.
func (w *Worker) Scheduled() []memory.Task {
	return w.queue.Pending()
}

// ProcessDue starts every attempt due now and waits for all running attempts.
func (w *Worker) ProcessDue(ctx context.Context) int {
	n := w.dispatchDue(ctx)
	w.wg.Wait()
	return n
}

// Run polls the schedule until ctx ends, then waits for in-flight attempts.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.dispatchDue(ctx)
		case <-w.queue.Wake():
			w.dispatchDue(ctx)
		}
	}
}

func (w *Worker) dispatchDue(ctx context.Context) int {
	now := w.clock.Now()
	started := 0
	for _, task := range w.queue.Due(now) {
		if !w.claim(task.DeliveryID) {
			w.queue.Push(memory.Task{DeliveryID: task.DeliveryID, Due: now.Add(w.cfg.PollInterval)})
			continue
		}
		started++
		w.wg.Add(1)
		go func(id string) {
			defer w.wg.Done()
			defer w.unclaim(id)
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-w.sem }()
			w.attempt(ctx, id)
		}(task.DeliveryID)
	}
	metrics.SetScheduledDeliveries(w.queue.Len())
	return started
}

func (w *Worker) claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[id]; busy {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *Worker) unclaim(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}
