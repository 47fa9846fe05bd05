package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// LeaseStore persists the coordinator's lease snapshot in the leases table.
type LeaseStore struct {
	db DB
}

// NewLeaseStore wraps db.
func NewLeaseStore(db DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// PutLease upserts the lease keyed by job id.
func (s *LeaseStore) PutLease(ctx context.Context, lease jobs.Lease) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO leases (job_id, lease_id, browser_id, lease_until, heartbeat_count, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (job_id) DO UPDATE SET
	lease_id = EXCLUDED.lease_id,
	browser_id = EXCLUDED.browser_id,
	lease_until = EXCLUDED.lease_until,
	heartbeat_count = EXCLUDED.heartbeat_count,
	created_at = EXCLUDED.created_at`,
		lease.JobID,
		lease.LeaseID,
		lease.BrowserID,
		lease.LeaseUntil,
		lease.HeartbeatCount,
		lease.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert lease: %w", err)
	}
	return nil
}

// DeleteLease removes the lease for jobID if present.
func (s *LeaseStore) DeleteLease(ctx context.Context, jobID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM leases WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// ListLeases returns every stored lease ordered by deadline.
func (s *LeaseStore) ListLeases(ctx context.Context) ([]jobs.Lease, error) {
	rows, err := s.db.Query(ctx, `
SELECT job_id, lease_id, browser_id, lease_until, heartbeat_count, created_at
FROM leases ORDER BY lease_until ASC, job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("select leases: %w", err)
	}
	defer rows.Close()
	var out []jobs.Lease
	for rows.Next() {
		var l jobs.Lease
		if err := rows.Scan(&l.JobID, &l.LeaseID, &l.BrowserID, &l.LeaseUntil, &l.HeartbeatCount, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return out, nil
}
