package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

var (
	jobCols = []string{
		"job_id", "browser_id", "task_name", "url", "content_type", "state", "priority", "attempts",
		"lease_id", "lease_until", "callback_url", "callback_secret_ref", "created_at", "updated_at", "error_message",
	}
	artifactCols = []string{
		"job_id", "raw_key", "raw_sha256", "raw_bytes", "raw_content_type", "ingested_at",
		"parsed_key", "parsed_sha256", "parsed_bytes", "parsed_content_type", "parsed_at",
	}
	deliveryCols = []string{
		"delivery_id", "job_id", "phase", "url", "status", "status_code", "attempts", "last_error",
		"next_attempt_at", "created_at", "updated_at", "delivered_at",
	}
	ts = time.Unix(1700000000, 0).UTC()
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func jobRows(state string, leaseID *string, leaseUntil *time.Time, attempts int) *pgxmock.Rows {
	return pgxmock.NewRows(jobCols).AddRow(
		"job-1", "", "prices", "https://example.com", "text/html", state, 5, attempts,
		leaseID, leaseUntil, "https://consumer.test/hook", "ref", ts, ts, "",
	)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreate(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewJobStore(mock)
	job := jobs.Job{ID: "job-1", URL: "https://example.com", State: jobs.StateQueued, CreatedAt: ts, UpdatedAt: ts}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "", "", "https://example.com", "", "queued", 0, 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", ts, ts, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Create(context.Background(), job))

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	err := store.Create(context.Background(), job)
	require.ErrorIs(t, err, jobs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGet(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewJobStore(mock)
	leaseID := "lease-1"
	until := ts.Add(time.Minute)

	mock.ExpectQuery("(?s)SELECT .+ FROM jobs WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(jobRows("leased", &leaseID, &until, 2))
	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StateLeased, job.State)
	require.Equal(t, "lease-1", job.LeaseID)
	require.NotNil(t, job.LeaseUntil)
	require.True(t, job.LeaseUntil.Equal(until))
	require.Equal(t, 2, job.Attempts)
	require.Equal(t, 5, job.Priority)

	mock.ExpectQuery("(?s)SELECT .+ FROM jobs WHERE job_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreSelectCandidates(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewJobStore(mock)

	mock.ExpectQuery("SELECT job_id FROM jobs").
		WithArgs("browser-1", 2).
		WillReturnRows(pgxmock.NewRows([]string{"job_id"}).AddRow("job-2").AddRow("job-1"))
	ids, err := store.SelectCandidates(context.Background(), "browser-1", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"job-2", "job-1"}, ids)

	mock.ExpectQuery("SELECT job_id FROM jobs").
		WillReturnError(errors.New("boom"))
	_, err = store.SelectCandidates(context.Background(), "browser-1", 0)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreConditionalTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	until := ts.Add(5 * time.Minute)
	lease := jobs.Transition{
		JobID:      "job-1",
		From:       jobs.StateQueued,
		To:         jobs.StateLeased,
		LeaseID:    "lease-1",
		LeaseUntil: until,
		At:         ts,
	}

	t.Run("applied", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		store := NewJobStore(mock)
		leaseID := "lease-1"
		mock.ExpectQuery("UPDATE jobs SET").
			WithArgs("leased", pgxmock.AnyArg(), pgxmock.AnyArg(), 0, "", ts, "job-1", "queued", "").
			WillReturnRows(jobRows("leased", &leaseID, &until, 0))
		job, ok, err := store.ConditionalTransition(ctx, lease)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "lease-1", job.LeaseID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		store := NewJobStore(mock)
		mock.ExpectQuery("UPDATE jobs SET").WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("job-1").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		_, ok, err := store.ConditionalTransition(ctx, lease)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing job", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		store := NewJobStore(mock)
		mock.ExpectQuery("UPDATE jobs SET").WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("job-1").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		_, ok, err := store.ConditionalTransition(ctx, lease)
		require.ErrorIs(t, err, jobs.ErrNotFound)
		require.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("revert guarded by lease id", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		store := NewJobStore(mock)
		mock.ExpectQuery("UPDATE jobs SET").
			WithArgs("queued", pgxmock.AnyArg(), pgxmock.AnyArg(), 1, "", ts, "job-1", "leased", "lease-1").
			WillReturnRows(jobRows("queued", nil, nil, 1))
		job, ok, err := store.ConditionalTransition(ctx, jobs.Transition{
			JobID:             "job-1",
			From:              jobs.StateLeased,
			To:                jobs.StateQueued,
			ExpectLeaseID:     "lease-1",
			IncrementAttempts: true,
			At:                ts,
		})
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, job.LeaseID)
		require.Nil(t, job.LeaseUntil)
		require.Equal(t, 1, job.Attempts)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestJobStoreListLeasedBefore(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewJobStore(mock)
	leaseID := "lease-1"
	until := ts.Add(-time.Second)

	mock.ExpectQuery("FROM jobs WHERE state = 'leased'").
		WithArgs(ts).
		WillReturnRows(jobRows("leased", &leaseID, &until, 0))
	out, err := store.ListLeasedBefore(context.Background(), ts)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "job-1", out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseStore(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewLeaseStore(mock)
	ctx := context.Background()
	lease := jobs.Lease{
		JobID:          "job-1",
		LeaseID:        "lease-1",
		BrowserID:      "browser-1",
		LeaseUntil:     ts.Add(time.Minute),
		HeartbeatCount: 3,
		CreatedAt:      ts,
	}

	mock.ExpectExec("INSERT INTO leases").
		WithArgs("job-1", "lease-1", "browser-1", lease.LeaseUntil, 3, ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.PutLease(ctx, lease))

	mock.ExpectQuery("FROM leases").
		WillReturnRows(pgxmock.NewRows([]string{"job_id", "lease_id", "browser_id", "lease_until", "heartbeat_count", "created_at"}).
			AddRow("job-1", "lease-1", "browser-1", lease.LeaseUntil, 3, ts))
	leases, err := store.ListLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, []jobs.Lease{lease}, leases)

	mock.ExpectExec("DELETE FROM leases").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, store.DeleteLease(ctx, "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArtifactStore(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewArtifactStore(mock)
	ctx := context.Background()
	raw := jobs.ContentPointer{Key: "artifacts/job-1/raw", SHA256: "abc", Bytes: 7, ContentType: "text/html"}

	mock.ExpectQuery("INSERT INTO artifacts").
		WithArgs("job-1", raw.Key, raw.SHA256, raw.Bytes, raw.ContentType, ts).
		WillReturnRows(pgxmock.NewRows(artifactCols).
			AddRow("job-1", raw.Key, raw.SHA256, raw.Bytes, raw.ContentType, ts, nil, nil, nil, nil, nil))
	art, err := store.PutRaw(ctx, "job-1", raw, ts)
	require.NoError(t, err)
	require.Equal(t, raw, art.Raw)
	require.Nil(t, art.Parsed)

	mock.ExpectQuery("UPDATE artifacts SET").WillReturnError(pgx.ErrNoRows)
	_, err = store.PutParsed(ctx, "job-2", jobs.ContentPointer{Key: "p"}, ts)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	parsedKey, parsedSHA, parsedCT := "artifacts/job-1/parsed", "def", "application/json"
	parsedBytes := int64(12)
	parsedAt := ts.Add(time.Second)
	mock.ExpectQuery("(?s)SELECT .+ FROM artifacts").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(artifactCols).
			AddRow("job-1", raw.Key, raw.SHA256, raw.Bytes, raw.ContentType, ts,
				&parsedKey, &parsedSHA, &parsedBytes, &parsedCT, &parsedAt))
	art, err = store.GetArtifact(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, art.Parsed)
	require.Equal(t, jobs.ContentPointer{Key: parsedKey, SHA256: parsedSHA, Bytes: 12, ContentType: parsedCT}, *art.Parsed)
	require.NotNil(t, art.ParsedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryStoreEnsure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	candidate := jobs.Delivery{
		ID:        "d-1",
		JobID:     "job-1",
		Phase:     jobs.PhaseIngested,
		URL:       "https://consumer.test/hook",
		Status:    jobs.DeliveryPending,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	row := func(id string, attempts int) *pgxmock.Rows {
		return pgxmock.NewRows(deliveryCols).AddRow(
			id, "job-1", "ingested", candidate.URL, "pending", nil, attempts, "", nil, ts, ts, nil)
	}

	t.Run("inserted", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		store := NewDeliveryStore(mock)
		mock.ExpectQuery("INSERT INTO deliveries").WillReturnRows(row("d-1", 0))
		d, created, err := store.EnsureDelivery(ctx, candidate)
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, "d-1", d.ID)
		require.Equal(t, jobs.PhaseIngested, d.Phase)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing row wins", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		store := NewDeliveryStore(mock)
		mock.ExpectQuery("INSERT INTO deliveries").WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("(?s)SELECT .+ FROM deliveries WHERE job_id").
			WithArgs("job-1", "ingested").
			WillReturnRows(row("d-0", 2))
		d, created, err := store.EnsureDelivery(ctx, candidate)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, "d-0", d.ID)
		require.Equal(t, 2, d.Attempts)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDeliveryStoreUpdateAndList(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewDeliveryStore(mock)
	ctx := context.Background()
	code := 500
	next := ts.Add(time.Minute)
	d := jobs.Delivery{
		ID:            "d-1",
		URL:           "https://consumer.test/hook",
		Status:        jobs.DeliveryPending,
		StatusCode:    &code,
		Attempts:      1,
		LastError:     "status 500",
		NextAttemptAt: &next,
		UpdatedAt:     ts,
	}

	mock.ExpectExec("UPDATE deliveries SET").
		WithArgs("d-1", d.URL, "pending", pgxmock.AnyArg(), 1, "status 500", pgxmock.AnyArg(), ts, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateDelivery(ctx, d))

	mock.ExpectExec("UPDATE deliveries SET").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.UpdateDelivery(ctx, jobs.Delivery{ID: "ghost"}), jobs.ErrNotFound)

	mock.ExpectQuery("WHERE status = 'pending'").
		WillReturnRows(pgxmock.NewRows(deliveryCols).
			AddRow("d-1", "job-1", "parsed", d.URL, "pending", &code, 1, "status 500", &next, ts, ts, nil))
	pending, err := store.ListPendingDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, jobs.PhaseParsed, pending[0].Phase)
	require.NotNil(t, pending[0].StatusCode)
	require.Equal(t, 500, *pending[0].StatusCode)
	require.NotNil(t, pending[0].NextAttemptAt)

	mock.ExpectQuery("(?s)SELECT .+ FROM deliveries WHERE delivery_id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetDelivery(ctx, "nope")
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
