// Package lease owns the in-flight lease index. All mutations run on a single
// actor goroutine; the job store row is mirrored with a conditional transition
// after each change and the index is written through to a LeaseStore.
package lease

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/progress"
)

// ErrStopped is returned when the coordinator loop is not running.
var ErrStopped = errors.New("lease coordinator stopped")

// Config controls lease timing and reclamation policy.
type Config struct {
	// Duration is the lease length granted on acquire and on every heartbeat.
	Duration time.Duration
	// SweepInterval is how often expired leases are reclaimed.
	SweepInterval time.Duration
	// MaxAttempts fails a job once it has been reclaimed this many times. Zero disables.
	MaxAttempts int
	MailboxSize int
}

const (
	defaultDuration      = 5 * time.Minute
	defaultSweepInterval = 15 * time.Second
	defaultMailboxSize   = 256
)

// Heartbeat is the result of a successful heartbeat.
type Heartbeat struct {
	LeaseUntil     time.Time
	HeartbeatCount int
}

// SweepResult lists the jobs touched by one sweep pass.
type SweepResult struct {
	Reclaimed []string
	Orphans   []string
	Failed    []string
}

type op func(ctx context.Context) error

type request struct {
	fn   op
	done chan error
}

// Coordinator serializes lease acquisition, heartbeat, release, and sweep.
type Coordinator struct {
	cfg     Config
	jobs    jobs.JobStore
	store   jobs.LeaseStore
	clock   jobs.Clock
	ids     jobs.IDGenerator
	events  progress.Emitter
	logger  *zap.Logger
	mailbox chan request
	stopped chan struct{}

	// index is touched only by the actor goroutine once Run starts.
	index map[string]jobs.Lease
}

// New constructs a Coordinator. Call Restore, then Run.
func New(
	cfg Config,
	jobStore jobs.JobStore,
	leaseStore jobs.LeaseStore,
	clock jobs.Clock,
	ids jobs.IDGenerator,
	events progress.Emitter,
	logger *zap.Logger,
) *Coordinator {
	if cfg.Duration <= 0 {
		cfg.Duration = defaultDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if events == nil {
		events = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		jobs:    jobStore,
		store:   leaseStore,
		clock:   clock,
		ids:     ids,
		events:  events,
		logger:  logger.Named("lease"),
		mailbox: make(chan request, cfg.MailboxSize),
		stopped: make(chan struct{}),
		index:   make(map[string]jobs.Lease),
	}
}

// Duration reports the configured lease length.
func (c *Coordinator) Duration() time.Duration {
	return c.cfg.Duration
}

// Restore rebuilds the index from the lease store. Records whose job row no
// longer agrees (not leased, or leased under another id) are discarded.
func (c *Coordinator) Restore(ctx context.Context) error {
	stored, err := c.store.ListLeases(ctx)
	if err != nil {
		return fmt.Errorf("list leases: %w", err)
	}
	restored := 0
	defer func() { metrics.SetActiveLeases(len(c.index)) }()
	for _, l := range stored {
		job, err := c.jobs.Get(ctx, l.JobID)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
		case err != nil:
			return fmt.Errorf("restore lease for job %s: %w", l.JobID, err)
		case job.State == jobs.StateLeased && job.LeaseID == l.LeaseID:
			c.index[l.JobID] = l
			restored++
			continue
		}
		if err := c.store.DeleteLease(ctx, l.JobID); err != nil {
			return fmt.Errorf("discard stale lease for job %s: %w", l.JobID, err)
		}
		c.logger.Info("discarded stale lease record", zap.String("job_id", l.JobID), zap.String("lease_id", l.LeaseID))
	}
	c.logger.Info("lease index restored", zap.Int("leases", restored), zap.Int("discarded", len(stored)-restored))
	return nil
}

// Run processes the mailbox and periodic sweeps until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.mailbox:
			req.done <- c.invoke(ctx, req.fn)
		case <-ticker.C:
			_ = c.invoke(ctx, func(ctx context.Context) error {
				c.sweep(ctx)
				return nil
			})
		}
	}
}

// invoke runs fn on the actor goroutine, converting panics into ErrInternal so
// one bad operation cannot stop the loop.
func (c *Coordinator) invoke(ctx context.Context, fn op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("lease operation panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: %v", jobs.ErrInternal, r)
		}
		metrics.SetActiveLeases(len(c.index))
	}()
	return fn(ctx)
}

// call enqueues fn and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn op) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case c.mailbox <- req:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("lease mailbox: %w", ctx.Err())
	}
	select {
	case err := <-req.done:
		return err
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("lease result: %w", ctx.Err())
	}
}

// Acquire leases the first claimable job in candidates to browserID. It returns
// jobs.ErrConflict when every candidate is already held or lost its race.
func (c *Coordinator) Acquire(ctx context.Context, browserID string, candidates []string) (jobs.Lease, error) {
	var granted jobs.Lease
	err := c.call(ctx, func(ctx context.Context) error {
		l, err := c.acquire(ctx, browserID, candidates)
		granted = l
		return err
	})
	return granted, err
}

func (c *Coordinator) acquire(ctx context.Context, browserID string, candidates []string) (jobs.Lease, error) {
	now := c.clock.Now()
	for _, jobID := range candidates {
		if _, held := c.index[jobID]; held {
			continue
		}
		leaseID, err := c.ids.NewID()
		if err != nil {
			return jobs.Lease{}, fmt.Errorf("lease id: %w", err)
		}
		l := jobs.Lease{
			JobID:      jobID,
			LeaseID:    leaseID,
			BrowserID:  browserID,
			LeaseUntil: now.Add(c.cfg.Duration),
			CreatedAt:  now,
		}
		if err := c.store.PutLease(ctx, l); err != nil {
			return jobs.Lease{}, fmt.Errorf("persist lease: %w", err)
		}
		c.index[jobID] = l

		_, ok, err := c.jobs.ConditionalTransition(ctx, jobs.Transition{
			JobID:      jobID,
			From:       jobs.StateQueued,
			To:         jobs.StateLeased,
			LeaseID:    leaseID,
			LeaseUntil: l.LeaseUntil,
			At:         now,
		})
		if err == nil && ok {
			c.events.Emit(progress.Event{
				JobID:     jobID,
				TS:        now,
				Stage:     progress.StageLeaseGranted,
				BrowserID: browserID,
				LeaseID:   leaseID,
			})
			return l, nil
		}
		c.forget(ctx, jobID)
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			return jobs.Lease{}, fmt.Errorf("mirror lease for job %s: %w", jobID, err)
		}
		c.logger.Debug("lease candidate lost race", zap.String("job_id", jobID), zap.String("browser_id", browserID))
	}
	c.events.Emit(progress.Event{TS: now, Stage: progress.StageLeaseConflict, BrowserID: browserID})
	return jobs.Lease{}, jobs.ErrConflict
}

// Heartbeat extends the lease to now + Duration. An expired lease is reclaimed
// and jobs.ErrLeaseExpired returned.
func (c *Coordinator) Heartbeat(ctx context.Context, jobID, leaseID string) (Heartbeat, error) {
	var hb Heartbeat
	err := c.call(ctx, func(ctx context.Context) error {
		l, ok := c.index[jobID]
		if !ok || l.LeaseID != leaseID {
			return jobs.ErrInvalidLease
		}
		now := c.clock.Now()
		if l.Expired(now) {
			c.reclaim(ctx, l, "heartbeat", now)
			return jobs.ErrLeaseExpired
		}
		until := now.Add(c.cfg.Duration)
		if !until.After(l.LeaseUntil) {
			until = l.LeaseUntil.Add(time.Millisecond)
		}
		next := l
		next.LeaseUntil = until
		next.HeartbeatCount++
		if err := c.store.PutLease(ctx, next); err != nil {
			return fmt.Errorf("persist heartbeat: %w", err)
		}
		_, mirrored, err := c.jobs.ConditionalTransition(ctx, jobs.Transition{
			JobID:         jobID,
			From:          jobs.StateLeased,
			To:            jobs.StateLeased,
			ExpectLeaseID: leaseID,
			LeaseID:       leaseID,
			LeaseUntil:    until,
			At:            now,
		})
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			if rollback := c.store.PutLease(ctx, l); rollback != nil {
				c.logger.Warn("restore lease after failed mirror", zap.String("job_id", jobID), zap.Error(rollback))
			}
			return fmt.Errorf("mirror heartbeat for job %s: %w", jobID, err)
		}
		if !mirrored {
			c.forget(ctx, jobID)
			return jobs.ErrInvalidLease
		}
		c.index[jobID] = next
		hb = Heartbeat{LeaseUntil: until, HeartbeatCount: next.HeartbeatCount}
		c.events.Emit(progress.Event{
			JobID:     jobID,
			TS:        now,
			Stage:     progress.StageLeaseHeartbeat,
			BrowserID: l.BrowserID,
			LeaseID:   leaseID,
		})
		return nil
	})
	return hb, err
}

// Release drops the lease without touching the job row; the caller moves the
// job to its next state.
func (c *Coordinator) Release(ctx context.Context, jobID, leaseID string) error {
	return c.call(ctx, func(ctx context.Context) error {
		l, ok := c.index[jobID]
		if !ok || l.LeaseID != leaseID {
			return jobs.ErrInvalidLease
		}
		if err := c.store.DeleteLease(ctx, jobID); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}
		delete(c.index, jobID)
		c.events.Emit(progress.Event{
			JobID:     jobID,
			TS:        c.clock.Now(),
			Stage:     progress.StageLeaseReleased,
			BrowserID: l.BrowserID,
			LeaseID:   leaseID,
		})
		return nil
	})
}

// Sweep reclaims expired leases immediately instead of waiting for the ticker.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := c.call(ctx, func(ctx context.Context) error {
		res = c.sweep(ctx)
		return nil
	})
	return res, err
}

// Snapshot returns a copy of the lease index.
func (c *Coordinator) Snapshot(ctx context.Context) ([]jobs.Lease, error) {
	var out []jobs.Lease
	err := c.call(ctx, func(context.Context) error {
		out = make([]jobs.Lease, 0, len(c.index))
		for _, l := range c.index {
			out = append(out, l)
		}
		return nil
	})
	sortLeases(out)
	return out, err
}

// forget removes a lease from the index and the durable snapshot.
func (c *Coordinator) forget(ctx context.Context, jobID string) {
	delete(c.index, jobID)
	if err := c.store.DeleteLease(ctx, jobID); err != nil {
		c.logger.Warn("delete lease record", zap.String("job_id", jobID), zap.Error(err))
	}
}
