package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// SubmitRequest carries content fetched by a browser under a lease.
type SubmitRequest struct {
	JobID       string
	LeaseID     string
	Content     []byte
	ContentType string
}

// Submit stores the content, moves the job to fetched under the caller's
// lease, then releases the lease and fans out the follow-up messages. A
// failure before the transition leaves the lease intact so the browser can
// retry with the same lease id.
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (jobs.Artifact, error) {
	if req.JobID == "" || req.LeaseID == "" {
		return jobs.Artifact{}, fmt.Errorf("%w: job_id and lease_id are required", ErrValidation)
	}
	if len(req.Content) == 0 {
		return jobs.Artifact{}, fmt.Errorf("%w: content is required", ErrValidation)
	}
	job, err := b.deps.Jobs.Get(ctx, req.JobID)
	if err != nil {
		return jobs.Artifact{}, fmt.Errorf("load job: %w", err)
	}
	if job.State != jobs.StateLeased || job.LeaseID != req.LeaseID {
		return jobs.Artifact{}, jobs.ErrInvalidLease
	}
	now := b.deps.Clock.Now()
	if job.LeaseUntil != nil && now.After(*job.LeaseUntil) {
		return jobs.Artifact{}, jobs.ErrLeaseExpired
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = job.ContentType
	}

	pointer, err := b.store(ctx, b.blobPath(job.ID, "raw"), contentType, req.Content)
	if err != nil {
		return jobs.Artifact{}, err
	}
	art, err := b.deps.Artifacts.PutRaw(ctx, job.ID, pointer, now)
	if err != nil {
		return jobs.Artifact{}, fmt.Errorf("record raw artifact: %w", err)
	}
	_, ok, err := b.deps.Jobs.ConditionalTransition(ctx, jobs.Transition{
		JobID:         job.ID,
		From:          jobs.StateLeased,
		To:            jobs.StateFetched,
		ExpectLeaseID: req.LeaseID,
		At:            now,
	})
	if err != nil {
		return jobs.Artifact{}, fmt.Errorf("mark fetched: %w", err)
	}
	if !ok {
		return jobs.Artifact{}, jobs.ErrInvalidLease
	}
	// The job has left leased; a stale index entry is dropped by the sweep
	// once it expires.
	if err := b.deps.Leases.Release(ctx, job.ID, req.LeaseID); err != nil {
		b.logger.Warn("release after submit", zap.String("job_id", job.ID), zap.String("lease_id", req.LeaseID), zap.Error(err))
	}
	b.logger.Info("content submitted",
		zap.String("job_id", job.ID),
		zap.String("key", pointer.Key),
		zap.Int64("bytes", pointer.Bytes),
	)

	if job.HasCallback() {
		b.publish(ctx, events.NewDeliver(job.ID, jobs.PhaseIngested))
	}
	if b.ParserEnabled() {
		b.publish(ctx, events.NewParse(job.ID))
	}
	return art, nil
}

// Parse runs the parser over the job's raw content and records the result.
// Jobs no longer in fetched are skipped. Raw content that no longer matches its
// recorded digest is never parsed.
func (b *Broker) Parse(ctx context.Context, jobID string) error {
	if b.deps.Parser == nil {
		return errors.New("parser is not configured")
	}
	job, err := b.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.State != jobs.StateFetched {
		return fmt.Errorf("parse job %s in state %s: %w", jobID, job.State, jobs.ErrInvalidState)
	}
	art, err := b.deps.Artifacts.GetArtifact(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load artifact: %w", err)
	}
	raw, err := b.deps.Blobs.GetObject(ctx, art.Raw.Key)
	if err != nil {
		return fmt.Errorf("read raw content: %w", err)
	}
	if art.Raw.SHA256 != "" {
		if err := b.deps.Hasher.Verify(raw, art.Raw.SHA256); err != nil {
			return fmt.Errorf("verify raw content %s: %w", art.Raw.Key, err)
		}
	}
	parsed, err := b.deps.Parser.Parse(ctx, jobID, art.Raw.ContentType, raw)
	if err != nil {
		return fmt.Errorf("parse content: %w", err)
	}
	pointer, err := b.store(ctx, b.blobPath(jobID, "parsed"), "application/json", parsed)
	if err != nil {
		return err
	}
	now := b.deps.Clock.Now()
	if _, err := b.deps.Artifacts.PutParsed(ctx, jobID, pointer, now); err != nil {
		return fmt.Errorf("record parsed artifact: %w", err)
	}
	_, ok, err := b.deps.Jobs.ConditionalTransition(ctx, jobs.Transition{
		JobID: jobID,
		From:  jobs.StateFetched,
		To:    jobs.StateParsed,
		At:    now,
	})
	if err != nil {
		return fmt.Errorf("mark parsed: %w", err)
	}
	if !ok {
		return fmt.Errorf("parse job %s: %w", jobID, jobs.ErrInvalidState)
	}
	if job.HasCallback() {
		b.publish(ctx, events.NewDeliver(jobID, jobs.PhaseParsed))
	}
	return nil
}

func (b *Broker) store(ctx context.Context, key, contentType string, data []byte) (jobs.ContentPointer, error) {
	digest, err := b.deps.Hasher.Hash(data)
	if err != nil {
		return jobs.ContentPointer{}, fmt.Errorf("hash content: %w", err)
	}
	if _, err := b.deps.Blobs.PutObject(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		return jobs.ContentPointer{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return jobs.ContentPointer{
		Key:         key,
		SHA256:      digest,
		Bytes:       int64(len(data)),
		ContentType: contentType,
	}, nil
}

// publish is fire-and-forget: a lost message leaves the job in its new state
// and can be replayed through NotifyConsumer.
func (b *Broker) publish(ctx context.Context, m events.Message) {
	if err := b.deps.Publisher.Publish(ctx, m); err != nil {
		b.logger.Warn("publish follow-up message", zap.String("kind", string(m.Kind)), zap.String("job_id", m.JobID()), zap.Error(err))
	}
}
