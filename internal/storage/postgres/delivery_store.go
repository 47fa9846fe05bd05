package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

const deliveryColumns = `delivery_id, job_id, phase, url, status, status_code, attempts, last_error,
	next_attempt_at, created_at, updated_at, delivered_at`

// DeliveryStore persists delivery rows, unique per (job_id, phase).
type DeliveryStore struct {
	db DB
}

// NewDeliveryStore wraps db.
func NewDeliveryStore(db DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

// EnsureDelivery inserts candidate unless a row for its (job, phase) exists,
// in which case the existing row is returned with created=false.
func (s *DeliveryStore) EnsureDelivery(ctx context.Context, candidate jobs.Delivery) (jobs.Delivery, bool, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO deliveries (`+deliveryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (job_id, phase) DO NOTHING
RETURNING `+deliveryColumns,
		candidate.ID,
		candidate.JobID,
		string(candidate.Phase),
		candidate.URL,
		string(candidate.Status),
		candidate.StatusCode,
		candidate.Attempts,
		candidate.LastError,
		candidate.NextAttemptAt,
		candidate.CreatedAt,
		candidate.UpdatedAt,
		candidate.DeliveredAt,
	)
	d, err := scanDelivery(row)
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return jobs.Delivery{}, false, fmt.Errorf("insert delivery: %w", err)
	}
	row = s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE job_id = $1 AND phase = $2`,
		candidate.JobID, string(candidate.Phase))
	d, err = scanDelivery(row)
	if err != nil {
		return jobs.Delivery{}, false, fmt.Errorf("select existing delivery: %w", err)
	}
	return d, false, nil
}

// UpdateDelivery overwrites the mutable columns of an existing row.
func (s *DeliveryStore) UpdateDelivery(ctx context.Context, d jobs.Delivery) error {
	tag, err := s.db.Exec(ctx, `
UPDATE deliveries SET
	url = $2,
	status = $3,
	status_code = $4,
	attempts = $5,
	last_error = $6,
	next_attempt_at = $7,
	updated_at = $8,
	delivered_at = $9
WHERE delivery_id = $1`,
		d.ID,
		d.URL,
		string(d.Status),
		d.StatusCode,
		d.Attempts,
		d.LastError,
		d.NextAttemptAt,
		d.UpdatedAt,
		d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", d.ID, jobs.ErrNotFound)
	}
	return nil
}

// GetDelivery fetches a delivery by id.
func (s *DeliveryStore) GetDelivery(ctx context.Context, deliveryID string) (jobs.Delivery, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE delivery_id = $1`, deliveryID)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Delivery{}, fmt.Errorf("delivery %s: %w", deliveryID, jobs.ErrNotFound)
	}
	if err != nil {
		return jobs.Delivery{}, fmt.Errorf("select delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries returns the deliveries for jobID ordered by creation.
func (s *DeliveryStore) ListDeliveries(ctx context.Context, jobID string) ([]jobs.Delivery, error) {
	return s.list(ctx, `SELECT `+deliveryColumns+` FROM deliveries
WHERE job_id = $1 ORDER BY created_at ASC, delivery_id ASC`, jobID)
}

// ListPendingDeliveries returns every delivery still awaiting an attempt.
func (s *DeliveryStore) ListPendingDeliveries(ctx context.Context) ([]jobs.Delivery, error) {
	return s.list(ctx, `SELECT `+deliveryColumns+` FROM deliveries
WHERE status = 'pending' ORDER BY created_at ASC, delivery_id ASC`)
}

func (s *DeliveryStore) list(ctx context.Context, query string, args ...any) ([]jobs.Delivery, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	defer rows.Close()
	var out []jobs.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func scanDelivery(row pgx.Row) (jobs.Delivery, error) {
	var (
		d      jobs.Delivery
		phase  string
		status string
	)
	err := row.Scan(
		&d.ID,
		&d.JobID,
		&phase,
		&d.URL,
		&status,
		&d.StatusCode,
		&d.Attempts,
		&d.LastError,
		&d.NextAttemptAt,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.DeliveredAt,
	)
	if err != nil {
		return jobs.Delivery{}, err
	}
	d.Phase = jobs.Phase(phase)
	d.Status = jobs.DeliveryStatus(status)
	return d, nil
}
