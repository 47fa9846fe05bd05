package lease

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/progress"
)

// sweep reclaims every expired lease and then reverts orphaned job rows:
// rows left in leased past their deadline with no index record. Re-running it
// is a no-op because reverts are guarded by the lease id.
func (c *Coordinator) sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := c.clock.Now()

	expired := make([]jobs.Lease, 0)
	for _, l := range c.index {
		if l.Expired(now) {
			expired = append(expired, l)
		}
	}
	sortLeases(expired)
	for _, l := range expired {
		reverted, failed := c.reclaim(ctx, l, "sweep", now)
		if reverted {
			res.Reclaimed = append(res.Reclaimed, l.JobID)
		}
		if failed {
			res.Failed = append(res.Failed, l.JobID)
		}
	}

	orphans, err := c.jobs.ListLeasedBefore(ctx, now)
	if err != nil {
		c.logger.Warn("list orphaned leases", zap.Error(err))
		return res
	}
	for _, job := range orphans {
		if _, held := c.index[job.ID]; held {
			continue
		}
		reverted, failed := c.revert(ctx, job.ID, job.LeaseID, job.BrowserID, "orphan", now)
		if reverted {
			res.Orphans = append(res.Orphans, job.ID)
		}
		if failed {
			res.Failed = append(res.Failed, job.ID)
		}
	}
	if len(res.Reclaimed)+len(res.Orphans) > 0 {
		c.logger.Info("lease sweep reclaimed jobs",
			zap.Int("reclaimed", len(res.Reclaimed)),
			zap.Int("orphans", len(res.Orphans)),
			zap.Int("failed", len(res.Failed)),
		)
	}
	return res
}

// reclaim force-releases l and puts its job back in the queue.
func (c *Coordinator) reclaim(ctx context.Context, l jobs.Lease, reason string, now time.Time) (reverted, failed bool) {
	c.forget(ctx, l.JobID)
	return c.revert(ctx, l.JobID, l.LeaseID, l.BrowserID, reason, now)
}

// revert moves a job leased under leaseID back to queued with attempts+1, then
// applies the max-attempts policy.
func (c *Coordinator) revert(
	ctx context.Context,
	jobID, leaseID, browserID, reason string,
	now time.Time,
) (reverted, failed bool) {
	job, ok, err := c.jobs.ConditionalTransition(ctx, jobs.Transition{
		JobID:             jobID,
		From:              jobs.StateLeased,
		To:                jobs.StateQueued,
		ExpectLeaseID:     leaseID,
		IncrementAttempts: true,
		At:                now,
	})
	if err != nil {
		c.logger.Warn("revert expired lease", zap.String("job_id", jobID), zap.Error(err))
		return false, false
	}
	if !ok {
		return false, false
	}
	c.events.Emit(progress.Event{
		JobID:     jobID,
		TS:        now,
		Stage:     progress.StageLeaseReclaimed,
		BrowserID: browserID,
		LeaseID:   leaseID,
		Reason:    reason,
	})
	if c.cfg.MaxAttempts <= 0 || job.Attempts < c.cfg.MaxAttempts {
		return true, false
	}
	_, ok, err = c.jobs.ConditionalTransition(ctx, jobs.Transition{
		JobID:        jobID,
		From:         jobs.StateQueued,
		To:           jobs.StateFailed,
		ErrorMessage: fmt.Sprintf("lease expired %d times", job.Attempts),
		At:           now,
	})
	if err != nil {
		c.logger.Warn("fail exhausted job", zap.String("job_id", jobID), zap.Error(err))
		return true, false
	}
	return true, ok
}

func sortLeases(leases []jobs.Lease) {
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].JobID < leases[j].JobID
	})
}
