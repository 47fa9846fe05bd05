package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// LeaseStore keeps the lease snapshot in memory. Useful for tests and single-process dev runs.
type LeaseStore struct {
	mu     sync.RWMutex
	leases map[string]jobs.Lease
}

// NewLeaseStore constructs a LeaseStore.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{leases: make(map[string]jobs.Lease)}
}

// PutLease upserts the lease keyed by job id.
func (s *LeaseStore) PutLease(_ context.Context, lease jobs.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.JobID] = lease
	return nil
}

// DeleteLease removes the lease for jobID if present.
func (s *LeaseStore) DeleteLease(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, jobID)
	return nil
}

// ListLeases returns every stored lease.
func (s *LeaseStore) ListLeases(_ context.Context) ([]jobs.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jobs.Lease, 0, len(s.leases))
	for _, lease := range s.leases {
		out = append(out, lease)
	}
	return out, nil
}
