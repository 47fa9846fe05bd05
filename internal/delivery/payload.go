package delivery

import (
	"time"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// Payload is the JSON body posted to a callback URL. It is rebuilt from the
// stores on every attempt so retries carry the latest artifact pointers.
type Payload struct {
	JobID       string     `json:"job_id"`
	Phase       jobs.Phase `json:"phase"`
	BrowserID   string     `json:"browser_id"`
	URL         string     `json:"url"`
	ContentType string     `json:"content_type"`
	Artifacts   Artifacts  `json:"artifacts"`
	Timestamps  Timestamps `json:"timestamps"`
}

// Artifacts points at stored content. Fields appear once the job reaches the
// matching state.
type Artifacts struct {
	RawHTML    *BlobRef `json:"raw_html,omitempty"`
	ParsedData *BlobRef `json:"parsed_data,omitempty"`
}

// BlobRef locates one stored blob.
type BlobRef struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Timestamps carries the job's lifecycle times.
type Timestamps struct {
	CreatedAt  time.Time  `json:"created_at"`
	IngestedAt *time.Time `json:"ingested_at,omitempty"`
	ParsedAt   *time.Time `json:"parsed_at,omitempty"`
}

// BuildPayload assembles the notification body. artifact may be nil.
func BuildPayload(job jobs.Job, phase jobs.Phase, artifact *jobs.Artifact) Payload {
	p := Payload{
		JobID:       job.ID,
		Phase:       phase,
		BrowserID:   job.BrowserID,
		URL:         job.URL,
		ContentType: job.ContentType,
		Timestamps:  Timestamps{CreatedAt: job.CreatedAt},
	}
	if artifact == nil {
		return p
	}
	if artifact.Raw.Key != "" {
		p.Artifacts.RawHTML = ref(artifact.Raw)
		ingested := artifact.IngestedAt
		p.Timestamps.IngestedAt = &ingested
	}
	if artifact.Parsed != nil {
		p.Artifacts.ParsedData = ref(*artifact.Parsed)
		if artifact.ParsedAt != nil {
			parsed := *artifact.ParsedAt
			p.Timestamps.ParsedAt = &parsed
		}
	}
	return p
}

func ref(c jobs.ContentPointer) *BlobRef {
	return &BlobRef{Key: c.Key, SHA256: c.SHA256, Bytes: c.Bytes}
}
