// Package jobs defines the domain types shared by the lease coordinator, the
// delivery worker, the stores, and the API surface.
package jobs

import (
	"time"
)

// State represents the lifecycle state of a scrape job.
type State string

// Job states persisted in the job store.
const (
	StateQueued    State = "queued"
	StateLeased    State = "leased"
	StateFetched   State = "fetched"
	StateParsed    State = "parsed"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is expected for the state.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Phase names the point in a job's life a consumer is notified about.
type Phase string

// Delivery phases.
const (
	PhaseIngested Phase = "ingested"
	PhaseParsed   Phase = "parsed"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseIngested || p == PhaseParsed
}

// Job is the row owned by the job store.
type Job struct {
	ID                string     `json:"job_id"`
	BrowserID         string     `json:"browser_id"`
	TaskName          string     `json:"task_name"`
	URL               string     `json:"url"`
	ContentType       string     `json:"content_type"`
	State             State      `json:"state"`
	Priority          int        `json:"priority"`
	Attempts          int        `json:"attempts"`
	LeaseID           string     `json:"lease_id,omitempty"`
	LeaseUntil        *time.Time `json:"lease_until,omitempty"`
	CallbackURL       string     `json:"callback_url,omitempty"`
	CallbackSecretRef string     `json:"callback_secret_ref,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

// HasCallback reports whether the job asked for consumer notifications.
func (j Job) HasCallback() bool {
	return j.CallbackURL != ""
}

// Transition describes a conditional state change applied by JobStore.ConditionalTransition.
// The write succeeds only when the row is currently in From and, if ExpectLeaseID
// is set, the row's lease_id matches it.
type Transition struct {
	JobID             string
	From              State
	To                State
	ExpectLeaseID     string
	LeaseID           string
	LeaseUntil        time.Time
	IncrementAttempts bool
	ErrorMessage      string
	At                time.Time
}

// Apply mutates job according to t. Callers must have checked the guard.
// Lease fields are stamped only when moving to leased and cleared otherwise.
func (t Transition) Apply(job Job) Job {
	job.State = t.To
	if t.To == StateLeased {
		until := t.LeaseUntil
		job.LeaseID = t.LeaseID
		job.LeaseUntil = &until
	} else {
		job.LeaseID = ""
		job.LeaseUntil = nil
	}
	if t.IncrementAttempts {
		job.Attempts++
	}
	if t.ErrorMessage != "" {
		job.ErrorMessage = t.ErrorMessage
	}
	job.UpdatedAt = t.At
	return job
}

// Matches reports whether job satisfies the transition guard.
func (t Transition) Matches(job Job) bool {
	if job.State != t.From {
		return false
	}
	if t.ExpectLeaseID != "" && job.LeaseID != t.ExpectLeaseID {
		return false
	}
	return true
}

// Lease is an exclusive, time-bounded claim on one job by one browser.
type Lease struct {
	JobID          string    `json:"job_id"`
	LeaseID        string    `json:"lease_id"`
	BrowserID      string    `json:"browser_id"`
	LeaseUntil     time.Time `json:"lease_until"`
	HeartbeatCount int       `json:"heartbeat_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the lease deadline has passed at now.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.LeaseUntil)
}

// ContentPointer locates a blob written to the artifact store.
type ContentPointer struct {
	Key         string `json:"key"`
	SHA256      string `json:"sha256"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// Artifact records where the submitted and parsed content of a job lives.
type Artifact struct {
	JobID      string          `json:"job_id"`
	Raw        ContentPointer  `json:"raw"`
	Parsed     *ContentPointer `json:"parsed,omitempty"`
	IngestedAt time.Time       `json:"ingested_at"`
	ParsedAt   *time.Time      `json:"parsed_at,omitempty"`
}

// DeliveryStatus is the state of one logical delivery.
type DeliveryStatus string

// Delivery statuses.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one logical notification per (job, phase). Retries reuse the row.
type Delivery struct {
	ID            string         `json:"delivery_id"`
	JobID         string         `json:"job_id"`
	Phase         Phase          `json:"phase"`
	URL           string         `json:"url"`
	Status        DeliveryStatus `json:"status"`
	StatusCode    *int           `json:"status_code,omitempty"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
}

// EpochMillis converts t to milliseconds since the Unix epoch.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
