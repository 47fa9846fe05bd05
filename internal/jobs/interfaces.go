package jobs

import (
	"context"
	"io"
	"time"
)

// JobStore persists job rows. ConditionalTransition is the compare-and-swap
// primitive the lease coordinator relies on for mutual exclusion.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	// SelectCandidates returns queued job ids visible to browserID ordered by
	// priority desc, created_at asc.
	SelectCandidates(ctx context.Context, browserID string, limit int) ([]string, error)
	// ConditionalTransition applies t if the guard holds. A false result with a
	// nil error means another writer won.
	ConditionalTransition(ctx context.Context, t Transition) (Job, bool, error)
	// ListLeasedBefore returns leased jobs whose lease_until is before t.
	ListLeasedBefore(ctx context.Context, t time.Time) ([]Job, error)
}

// LeaseStore is the durable snapshot of the coordinator's lease index.
type LeaseStore interface {
	PutLease(ctx context.Context, lease Lease) error
	DeleteLease(ctx context.Context, jobID string) error
	ListLeases(ctx context.Context) ([]Lease, error)
}

// ArtifactStore records content pointers per job.
type ArtifactStore interface {
	// PutRaw upserts the raw pointer; a re-submission overwrites it.
	PutRaw(ctx context.Context, jobID string, raw ContentPointer, at time.Time) (Artifact, error)
	PutParsed(ctx context.Context, jobID string, parsed ContentPointer, at time.Time) (Artifact, error)
	GetArtifact(ctx context.Context, jobID string) (Artifact, error)
}

// DeliveryStore persists delivery attempt records.
type DeliveryStore interface {
	// EnsureDelivery returns the (job, phase) row, inserting candidate when none exists.
	EnsureDelivery(ctx context.Context, candidate Delivery) (Delivery, bool, error)
	UpdateDelivery(ctx context.Context, d Delivery) error
	GetDelivery(ctx context.Context, deliveryID string) (Delivery, error)
	ListDeliveries(ctx context.Context, jobID string) ([]Delivery, error)
	ListPendingDeliveries(ctx context.Context) ([]Delivery, error)
}

// BlobStore writes and reads content blobs and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
	// Verify returns ErrDigestMismatch when data does not hash to digest.
	Verify(data []byte, digest string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job, lease, and delivery ids.
type IDGenerator interface {
	NewID() (string, error)
}

// SecretResolver turns a callback secret reference into the shared secret.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}
