package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

const jobColumns = `job_id, browser_id, task_name, url, content_type, state, priority, attempts,
	lease_id, lease_until, callback_url, callback_secret_ref, created_at, updated_at, error_message`

// JobStore implements jobs.JobStore on the jobs table.
type JobStore struct {
	db DB
}

// NewJobStore wraps db.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts job. A duplicate id maps to jobs.ErrAlreadyExists.
func (s *JobStore) Create(ctx context.Context, job jobs.Job) error {
	query := `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := s.db.Exec(ctx, query,
		job.ID,
		job.BrowserID,
		job.TaskName,
		job.URL,
		job.ContentType,
		string(job.State),
		job.Priority,
		job.Attempts,
		nullString(job.LeaseID),
		job.LeaseUntil,
		job.CallbackURL,
		job.CallbackSecretRef,
		job.CreatedAt,
		job.UpdatedAt,
		job.ErrorMessage,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", job.ID, jobs.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (jobs.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// SelectCandidates returns queued jobs for browserID (or unassigned) by priority then age.
// A non-positive limit means no limit.
func (s *JobStore) SelectCandidates(ctx context.Context, browserID string, limit int) ([]string, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `
SELECT job_id FROM jobs
WHERE state = 'queued' AND (browser_id = '' OR browser_id = $1)
ORDER BY priority DESC, created_at ASC, job_id ASC
LIMIT $2`, browserID, lim)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return ids, nil
}

// ConditionalTransition applies t in a single guarded UPDATE. When no row
// matches, a follow-up existence check separates a lost race from a missing job.
func (s *JobStore) ConditionalTransition(ctx context.Context, t jobs.Transition) (jobs.Job, bool, error) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	var (
		leaseID    *string
		leaseUntil *time.Time
	)
	if t.To == jobs.StateLeased {
		until := t.LeaseUntil
		leaseID = &t.LeaseID
		leaseUntil = &until
	}
	increment := 0
	if t.IncrementAttempts {
		increment = 1
	}
	row := s.db.QueryRow(ctx, `
UPDATE jobs SET
	state = $1,
	lease_id = $2,
	lease_until = $3,
	attempts = attempts + $4,
	error_message = CASE WHEN $5::text = '' THEN error_message ELSE $5::text END,
	updated_at = $6
WHERE job_id = $7 AND state = $8 AND ($9::text = '' OR lease_id = $9::text)
RETURNING `+jobColumns,
		string(t.To),
		leaseID,
		leaseUntil,
		increment,
		t.ErrorMessage,
		t.At,
		t.JobID,
		string(t.From),
		t.ExpectLeaseID,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, false, fmt.Errorf("transition job: %w", err)
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, t.JobID).Scan(&exists); err != nil {
		return jobs.Job{}, false, fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return jobs.Job{}, false, fmt.Errorf("job %s: %w", t.JobID, jobs.ErrNotFound)
	}
	return jobs.Job{}, false, nil
}

// ListLeasedBefore returns leased jobs whose lease_until precedes t.
func (s *JobStore) ListLeasedBefore(ctx context.Context, t time.Time) ([]jobs.Job, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+`
FROM jobs WHERE state = 'leased' AND lease_until < $1
ORDER BY lease_until ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("select leased jobs: %w", err)
	}
	defer rows.Close()
	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leased job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leased jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (jobs.Job, error) {
	var (
		job     jobs.Job
		state   string
		leaseID *string
	)
	err := row.Scan(
		&job.ID,
		&job.BrowserID,
		&job.TaskName,
		&job.URL,
		&job.ContentType,
		&state,
		&job.Priority,
		&job.Attempts,
		&leaseID,
		&job.LeaseUntil,
		&job.CallbackURL,
		&job.CallbackSecretRef,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ErrorMessage,
	)
	if err != nil {
		return jobs.Job{}, err
	}
	job.State = jobs.State(state)
	job.LeaseID = derefString(leaseID)
	return job, nil
}
