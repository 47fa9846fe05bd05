package api

import (
	"time"

	"github.com/JakeFAU/scrapeq/internal/broker"
	"github.com/JakeFAU/scrapeq/internal/jobs"
)

type leaseRequest struct {
	BrowserID string `json:"browser_id"`
	Max       int    `json:"max"`
}

type leaseIDRequest struct {
	LeaseID string `json:"lease_id"`
}

type submitRequest struct {
	LeaseID     string `json:"lease_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type notifyRequest struct {
	Phase jobs.Phase `json:"phase"`
}

type grantDTO struct {
	JobID      string `json:"job_id"`
	LeaseID    string `json:"lease_id"`
	LeaseUntil int64  `json:"lease_until"`
	URL        string `json:"url,omitempty"`
	TaskName   string `json:"task_name,omitempty"`
}

type leaseBatchDTO struct {
	Items []grantDTO `json:"items"`
	Count int        `json:"count"`
}

type heartbeatDTO struct {
	LeaseUntil     int64 `json:"lease_until"`
	HeartbeatCount int   `json:"heartbeat_count"`
}

type jobDTO struct {
	JobID             string     `json:"job_id"`
	BrowserID         string     `json:"browser_id,omitempty"`
	TaskName          string     `json:"task_name,omitempty"`
	URL               string     `json:"url"`
	ContentType       string     `json:"content_type,omitempty"`
	State             jobs.State `json:"state"`
	Priority          int        `json:"priority"`
	Attempts          int        `json:"attempts"`
	LeaseID           *string    `json:"lease_id"`
	LeaseUntil        *int64     `json:"lease_until"`
	CallbackURL       string     `json:"callback_url,omitempty"`
	CallbackSecretRef string     `json:"callback_secret_ref,omitempty"`
	CreatedAt         int64      `json:"created_at"`
	UpdatedAt         int64      `json:"updated_at"`
	ErrorMessage      *string    `json:"error_message"`
}

type pointerDTO struct {
	Key         string `json:"key"`
	SHA256      string `json:"sha256"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type,omitempty"`
}

type artifactDTO struct {
	JobID      string      `json:"job_id"`
	Raw        pointerDTO  `json:"raw"`
	Parsed     *pointerDTO `json:"parsed,omitempty"`
	IngestedAt int64       `json:"ingested_at"`
	ParsedAt   *int64      `json:"parsed_at,omitempty"`
}

type deliveryDTO struct {
	DeliveryID    string              `json:"delivery_id"`
	JobID         string              `json:"job_id"`
	Phase         jobs.Phase          `json:"phase"`
	URL           string              `json:"url"`
	Status        jobs.DeliveryStatus `json:"status"`
	StatusCode    *int                `json:"status_code"`
	Attempts      int                 `json:"attempts"`
	LastError     *string             `json:"last_error"`
	NextAttemptAt *int64              `json:"next_attempt_at,omitempty"`
	CreatedAt     int64               `json:"created_at"`
	UpdatedAt     int64               `json:"updated_at"`
	DeliveredAt   *int64              `json:"delivered_at"`
}

type statusDTO struct {
	Job        jobDTO        `json:"job"`
	Artifact   *artifactDTO  `json:"artifact,omitempty"`
	Deliveries []deliveryDTO `json:"deliveries"`
}

func toLeaseBatchDTO(b broker.LeaseBatch) leaseBatchDTO {
	out := leaseBatchDTO{Items: make([]grantDTO, 0, len(b.Items)), Count: len(b.Items)}
	for _, g := range b.Items {
		out.Items = append(out.Items, grantDTO{
			JobID:      g.JobID,
			LeaseID:    g.LeaseID,
			LeaseUntil: jobs.EpochMillis(g.LeaseUntil),
			URL:        g.URL,
			TaskName:   g.TaskName,
		})
	}
	return out
}

func toJobDTO(j jobs.Job) jobDTO {
	return jobDTO{
		JobID:             j.ID,
		BrowserID:         j.BrowserID,
		TaskName:          j.TaskName,
		URL:               j.URL,
		ContentType:       j.ContentType,
		State:             j.State,
		Priority:          j.Priority,
		Attempts:          j.Attempts,
		LeaseID:           optString(j.LeaseID),
		LeaseUntil:        optMillis(j.LeaseUntil),
		CallbackURL:       j.CallbackURL,
		CallbackSecretRef: j.CallbackSecretRef,
		CreatedAt:         jobs.EpochMillis(j.CreatedAt),
		UpdatedAt:         jobs.EpochMillis(j.UpdatedAt),
		ErrorMessage:      optString(j.ErrorMessage),
	}
}

func toPointerDTO(p jobs.ContentPointer) pointerDTO {
	return pointerDTO{Key: p.Key, SHA256: p.SHA256, Bytes: p.Bytes, ContentType: p.ContentType}
}

func toArtifactDTO(a jobs.Artifact) artifactDTO {
	out := artifactDTO{
		JobID:      a.JobID,
		Raw:        toPointerDTO(a.Raw),
		IngestedAt: jobs.EpochMillis(a.IngestedAt),
		ParsedAt:   optMillis(a.ParsedAt),
	}
	if a.Parsed != nil {
		p := toPointerDTO(*a.Parsed)
		out.Parsed = &p
	}
	return out
}

func toDeliveryDTOs(ds []jobs.Delivery) []deliveryDTO {
	out := make([]deliveryDTO, 0, len(ds))
	for _, d := range ds {
		out = append(out, deliveryDTO{
			DeliveryID:    d.ID,
			JobID:         d.JobID,
			Phase:         d.Phase,
			URL:           d.URL,
			Status:        d.Status,
			StatusCode:    d.StatusCode,
			Attempts:      d.Attempts,
			LastError:     optString(d.LastError),
			NextAttemptAt: optMillis(d.NextAttemptAt),
			CreatedAt:     jobs.EpochMillis(d.CreatedAt),
			UpdatedAt:     jobs.EpochMillis(d.UpdatedAt),
			DeliveredAt:   optMillis(d.DeliveredAt),
		})
	}
	return out
}

func toStatusDTO(st broker.Status) statusDTO {
	out := statusDTO{Job: toJobDTO(st.Job), Deliveries: toDeliveryDTOs(st.Deliveries)}
	if st.Artifact != nil {
		a := toArtifactDTO(*st.Artifact)
		out.Artifact = &a
	}
	return out
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := jobs.EpochMillis(*t)
	return &ms
}
