// Package broker is the service layer behind the HTTP API. It turns create,
// lease, heartbeat, submit, and status requests into store, coordinator, and
// event calls.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/lease"
)

// ErrValidation marks a malformed request.
var ErrValidation = errors.New("validation failed")

// Leaser is the lease coordinator surface the broker needs.
type Leaser interface {
	Acquire(ctx context.Context, browserID string, candidates []string) (jobs.Lease, error)
	Heartbeat(ctx context.Context, jobID, leaseID string) (lease.Heartbeat, error)
	Release(ctx context.Context, jobID, leaseID string) error
}

// Parser turns raw content into a JSON document.
type Parser interface {
	Parse(ctx context.Context, jobID, contentType string, raw []byte) (json.RawMessage, error)
}

// Config controls batching and blob layout.
type Config struct {
	BlobPrefix string
	// CandidateLimit is how many queued jobs are offered to the coordinator per lease call.
	CandidateLimit int
	MaxLeaseBatch  int
}

// Deps groups the broker's collaborators.
type Deps struct {
	Jobs       jobs.JobStore
	Artifacts  jobs.ArtifactStore
	Deliveries jobs.DeliveryStore
	Blobs      jobs.BlobStore
	Leases     Leaser
	Publisher  events.Publisher
	// Parser is optional; when nil submitted content is never parsed.
	Parser Parser
	Hasher jobs.Hasher
	IDs    jobs.IDGenerator
	Clock  jobs.Clock
}

// Broker implements the job API operations.
type Broker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Broker.
func New(cfg Config, deps Deps, logger *zap.Logger) *Broker {
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "artifacts"
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 10
	}
	if cfg.MaxLeaseBatch <= 0 {
		cfg.MaxLeaseBatch = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{cfg: cfg, deps: deps, logger: logger.Named("broker")}
}

// ParserEnabled reports whether submitted content is sent to a parser.
func (b *Broker) ParserEnabled() bool {
	return b.deps.Parser != nil
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	BrowserID         string `json:"browser_id"`
	TaskName          string `json:"task_name"`
	URL               string `json:"url"`
	ContentType       string `json:"content_type"`
	Priority          int    `json:"priority"`
	CallbackURL       string `json:"callback_url"`
	CallbackSecretRef string `json:"callback_secret_ref"`
}

// Create validates req and inserts a queued job.
func (b *Broker) Create(ctx context.Context, req CreateRequest) (jobs.Job, error) {
	if err := validateURL("url", req.URL, true); err != nil {
		return jobs.Job{}, err
	}
	if err := validateURL("callback_url", req.CallbackURL, false); err != nil {
		return jobs.Job{}, err
	}
	if req.CallbackSecretRef != "" && req.CallbackURL == "" {
		return jobs.Job{}, fmt.Errorf("%w: callback_secret_ref requires callback_url", ErrValidation)
	}
	id, err := b.deps.IDs.NewID()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("job id: %w", err)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	now := b.deps.Clock.Now()
	job := jobs.Job{
		ID:                id,
		BrowserID:         strings.TrimSpace(req.BrowserID),
		TaskName:          req.TaskName,
		URL:               req.URL,
		ContentType:       contentType,
		State:             jobs.StateQueued,
		Priority:          req.Priority,
		CallbackURL:       req.CallbackURL,
		CallbackSecretRef: req.CallbackSecretRef,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := b.deps.Jobs.Create(ctx, job); err != nil {
		return jobs.Job{}, fmt.Errorf("create job: %w", err)
	}
	b.logger.Info("job created", zap.String("job_id", id), zap.String("browser_id", job.BrowserID), zap.Int("priority", job.Priority))
	return job, nil
}

// Grant is one leased job returned to a browser.
type Grant struct {
	JobID      string    `json:"job_id"`
	LeaseID    string    `json:"lease_id"`
	LeaseUntil time.Time `json:"-"`
	URL        string    `json:"url"`
	TaskName   string    `json:"task_name"`
}

// LeaseBatch is the result of Lease. An empty batch means contention or an
// empty queue; the caller polls again.
type LeaseBatch struct {
	Items []Grant
	Count int
}

// Lease acquires up to max jobs for browserID.
func (b *Broker) Lease(ctx context.Context, browserID string, maxJobs int) (LeaseBatch, error) {
	browserID = strings.TrimSpace(browserID)
	if browserID == "" {
		return LeaseBatch{}, fmt.Errorf("%w: browser_id is required", ErrValidation)
	}
	if maxJobs <= 0 {
		maxJobs = 1
	}
	if maxJobs > b.cfg.MaxLeaseBatch {
		maxJobs = b.cfg.MaxLeaseBatch
	}
	limit := b.cfg.CandidateLimit
	if limit < maxJobs {
		limit = maxJobs
	}
	candidates, err := b.deps.Jobs.SelectCandidates(ctx, browserID, limit)
	if err != nil {
		return LeaseBatch{}, fmt.Errorf("select candidates: %w", err)
	}
	batch := LeaseBatch{Items: []Grant{}}
	for len(batch.Items) < maxJobs && len(candidates) > 0 {
		l, err := b.deps.Leases.Acquire(ctx, browserID, candidates)
		if errors.Is(err, jobs.ErrConflict) {
			break
		}
		if err != nil {
			if len(batch.Items) > 0 {
				b.logger.Warn("lease batch cut short", zap.String("browser_id", browserID), zap.Error(err))
				break
			}
			return LeaseBatch{}, err
		}
		candidates = remaining(candidates, l.JobID)
		grant := Grant{JobID: l.JobID, LeaseID: l.LeaseID, LeaseUntil: l.LeaseUntil}
		if job, err := b.deps.Jobs.Get(ctx, l.JobID); err == nil {
			grant.URL = job.URL
			grant.TaskName = job.TaskName
		}
		batch.Items = append(batch.Items, grant)
	}
	batch.Count = len(batch.Items)
	return batch, nil
}

// remaining drops won and every candidate tried before it.
func remaining(candidates []string, won string) []string {
	for i, id := range candidates {
		if id == won {
			return candidates[i+1:]
		}
	}
	return nil
}

// Heartbeat extends a lease.
func (b *Broker) Heartbeat(ctx context.Context, jobID, leaseID string) (lease.Heartbeat, error) {
	if jobID == "" || leaseID == "" {
		return lease.Heartbeat{}, fmt.Errorf("%w: job_id and lease_id are required", ErrValidation)
	}
	hb, err := b.deps.Leases.Heartbeat(ctx, jobID, leaseID)
	if err != nil {
		return lease.Heartbeat{}, fmt.Errorf("heartbeat: %w", err)
	}
	return hb, nil
}

// Release gives a lease back without submitting. The job row is left leased
// until its lease_until passes; the orphan sweep then requeues it with
// attempts+1, so an early release does not make the job leasable sooner.
func (b *Broker) Release(ctx context.Context, jobID, leaseID string) error {
	if jobID == "" || leaseID == "" {
		return fmt.Errorf("%w: job_id and lease_id are required", ErrValidation)
	}
	if err := b.deps.Leases.Release(ctx, jobID, leaseID); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Status is the job with its artifact and delivery history.
type Status struct {
	Job        jobs.Job
	Artifact   *jobs.Artifact
	Deliveries []jobs.Delivery
}

// Status loads the job view.
func (b *Broker) Status(ctx context.Context, jobID string) (Status, error) {
	job, err := b.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return Status{}, fmt.Errorf("load job: %w", err)
	}
	st := Status{Job: job}
	art, err := b.deps.Artifacts.GetArtifact(ctx, jobID)
	switch {
	case err == nil:
		st.Artifact = &art
	case !errors.Is(err, jobs.ErrNotFound):
		return Status{}, fmt.Errorf("load artifact: %w", err)
	}
	st.Deliveries, err = b.deps.Deliveries.ListDeliveries(ctx, jobID)
	if err != nil {
		return Status{}, fmt.Errorf("list deliveries: %w", err)
	}
	return st, nil
}

// Deliveries lists the delivery rows for a job.
func (b *Broker) Deliveries(ctx context.Context, jobID string) ([]jobs.Delivery, error) {
	if _, err := b.deps.Jobs.Get(ctx, jobID); err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	ds, err := b.deps.Deliveries.ListDeliveries(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return ds, nil
}

// NotifyConsumer enqueues a delivery for (jobID, phase) without waiting for it.
func (b *Broker) NotifyConsumer(ctx context.Context, jobID string, phase jobs.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrValidation, phase)
	}
	if err := b.deps.Publisher.Publish(ctx, events.NewDeliver(jobID, phase)); err != nil {
		return fmt.Errorf("publish deliver: %w", err)
	}
	return nil
}

func (b *Broker) blobPath(jobID, name string) string {
	return path.Join(b.cfg.BlobPrefix, jobID, name)
}

func validateURL(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%w: %s is required", ErrValidation, field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute http(s) url", ErrValidation, field)
	}
	return nil
}
