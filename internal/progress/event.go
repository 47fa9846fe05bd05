package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported stages.
const (
	StageLeaseGranted    Stage = "LEASE_GRANTED"
	StageLeaseConflict   Stage = "LEASE_CONFLICT"
	StageLeaseHeartbeat  Stage = "LEASE_HEARTBEAT"
	StageLeaseReleased   Stage = "LEASE_RELEASED"
	StageLeaseReclaimed  Stage = "LEASE_RECLAIMED"
	StageDeliveryAttempt Stage = "DELIVERY_ATTEMPT"
	StageDeliveryDone    Stage = "DELIVERY_DONE"
	StageDeliveryFailed  Stage = "DELIVERY_FAILED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for delivery attempts.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one lease or delivery milestone.
type Event struct {
	// JobID is the job the event concerns. Conflict events may leave it empty.
	JobID string
	// TS is the timestamp recorded by the emitter.
	TS         time.Time
	Stage      Stage
	BrowserID  string
	LeaseID    string
	DeliveryID string
	Phase      string
	// Attempt is the delivery attempt number (1-based).
	Attempt int
	// StatusClass groups the callback response code for delivery attempts.
	StatusClass StatusClass
	// Dur is the attempt latency.
	Dur time.Duration
	// Reason explains reclaims ("sweep", "heartbeat", "orphan") and failures.
	Reason string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageLeaseConflict:
		if e.BrowserID == "" {
			return errors.New("lease conflict requires browser id")
		}
		return nil
	case StageLeaseGranted, StageLeaseHeartbeat, StageLeaseReleased, StageLeaseReclaimed:
	case StageDeliveryAttempt:
		if e.DeliveryID == "" {
			return errors.New("delivery attempt requires delivery id")
		}
		if e.StatusClass == "" {
			return errors.New("delivery attempt requires status class")
		}
	case StageDeliveryDone, StageDeliveryFailed:
		if e.DeliveryID == "" {
			return errors.New("delivery outcome requires delivery id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes. Zero means no response was observed.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
