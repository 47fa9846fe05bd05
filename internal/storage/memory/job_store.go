// Package memory provides in-memory store implementations for development/testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// JobStore provides an in-memory implementation of jobs.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]jobs.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]jobs.Job),
	}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, jobs.ErrAlreadyExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
	}
	return cloneJob(job), nil
}

// SelectCandidates returns queued jobs for browserID (or unassigned) by priority then age.
func (s *JobStore) SelectCandidates(_ context.Context, browserID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var queued []jobs.Job
	for _, job := range s.jobs {
		if job.State != jobs.StateQueued {
			continue
		}
		if job.BrowserID != "" && job.BrowserID != browserID {
			continue
		}
		queued = append(queued, job)
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		if !queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		}
		return queued[i].ID < queued[j].ID
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	ids := make([]string, len(queued))
	for i, job := range queued {
		ids[i] = job.ID
	}
	return ids, nil
}

// ConditionalTransition applies t when the guard holds.
func (s *JobStore) ConditionalTransition(_ context.Context, t jobs.Transition) (jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[t.JobID]
	if !ok {
		return jobs.Job{}, false, fmt.Errorf("job %s: %w", t.JobID, jobs.ErrNotFound)
	}
	if !t.Matches(job) {
		return jobs.Job{}, false, nil
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	updated := t.Apply(job)
	s.jobs[t.JobID] = updated
	return cloneJob(updated), true, nil
}

// ListLeasedBefore returns leased jobs whose lease_until precedes t.
func (s *JobStore) ListLeasedBefore(_ context.Context, t time.Time) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []jobs.Job
	for _, job := range s.jobs {
		if job.State == jobs.StateLeased && job.LeaseUntil != nil && job.LeaseUntil.Before(t) {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func cloneJob(job jobs.Job) jobs.Job {
	if job.LeaseUntil != nil {
		until := *job.LeaseUntil
		job.LeaseUntil = &until
	}
	return job
}
