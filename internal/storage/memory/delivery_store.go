package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// DeliveryStore keeps delivery records in memory, one per (job, phase).
type DeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]jobs.Delivery
	byJobPhase map[string]string
}

// NewDeliveryStore constructs a DeliveryStore.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		deliveries: make(map[string]jobs.Delivery),
		byJobPhase: make(map[string]string),
	}
}

// EnsureDelivery returns the existing (job, phase) row or inserts candidate.
func (s *DeliveryStore) EnsureDelivery(_ context.Context, candidate jobs.Delivery) (jobs.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobPhaseKey(candidate.JobID, candidate.Phase)
	if id, ok := s.byJobPhase[key]; ok {
		return cloneDelivery(s.deliveries[id]), false, nil
	}
	s.deliveries[candidate.ID] = cloneDelivery(candidate)
	s.byJobPhase[key] = candidate.ID
	return cloneDelivery(candidate), true, nil
}

// UpdateDelivery overwrites an existing delivery row.
func (s *DeliveryStore) UpdateDelivery(_ context.Context, d jobs.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return fmt.Errorf("delivery %s: %w", d.ID, jobs.ErrNotFound)
	}
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

// GetDelivery fetches a delivery by id.
func (s *DeliveryStore) GetDelivery(_ context.Context, deliveryID string) (jobs.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return jobs.Delivery{}, fmt.Errorf("delivery %s: %w", deliveryID, jobs.ErrNotFound)
	}
	return cloneDelivery(d), nil
}

// ListDeliveries returns the deliveries for jobID ordered by creation.
func (s *DeliveryStore) ListDeliveries(_ context.Context, jobID string) ([]jobs.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []jobs.Delivery
	for _, d := range s.deliveries {
		if d.JobID == jobID {
			out = append(out, cloneDelivery(d))
		}
	}
	sortDeliveries(out)
	return out, nil
}

// ListPendingDeliveries returns every delivery still awaiting an attempt.
func (s *DeliveryStore) ListPendingDeliveries(_ context.Context) ([]jobs.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []jobs.Delivery
	for _, d := range s.deliveries {
		if d.Status == jobs.DeliveryPending {
			out = append(out, cloneDelivery(d))
		}
	}
	sortDeliveries(out)
	return out, nil
}

func jobPhaseKey(jobID string, phase jobs.Phase) string {
	return jobID + "/" + string(phase)
}

func sortDeliveries(ds []jobs.Delivery) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

func cloneDelivery(d jobs.Delivery) jobs.Delivery {
	if d.StatusCode != nil {
		code := *d.StatusCode
		d.StatusCode = &code
	}
	if d.NextAttemptAt != nil {
		ts := *d.NextAttemptAt
		d.NextAttemptAt = &ts
	}
	if d.DeliveredAt != nil {
		ts := *d.DeliveredAt
		d.DeliveredAt = &ts
	}
	return d
}
