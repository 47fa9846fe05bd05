package jobs

import "errors"

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict means no candidate job could be leased; callers retry on the next poll.
	ErrConflict = errors.New("lease conflict")
	// ErrInvalidLease means no lease exists for the job or the lease id does not match.
	ErrInvalidLease = errors.New("invalid_lease")
	// ErrLeaseExpired means the lease deadline passed; the job was returned to the queue.
	ErrLeaseExpired = errors.New("lease_expired")
	// ErrInvalidState is returned when a job is not in the state an operation requires.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrSecretNotFound is returned when a callback secret reference cannot be resolved.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrDigestMismatch is returned when stored content no longer matches its recorded digest.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrInternal reports an unexpected failure inside a serialized operation.
	ErrInternal = errors.New("internal error")
)
