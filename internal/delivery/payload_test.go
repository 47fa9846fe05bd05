package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

func TestBuildPayloadWithParsedArtifact(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ingested := created.Add(time.Minute)
	parsed := created.Add(2 * time.Minute)
	job := jobs.Job{ID: "j1", BrowserID: "b", URL: "https://x.test", ContentType: "text/html", CreatedAt: created}
	art := &jobs.Artifact{
		JobID:      "j1",
		Raw:        jobs.ContentPointer{Key: "raw", SHA256: "r", Bytes: 10},
		Parsed:     &jobs.ContentPointer{Key: "parsed", SHA256: "p", Bytes: 5},
		IngestedAt: ingested,
		ParsedAt:   &parsed,
	}

	body, err := json.Marshal(BuildPayload(job, jobs.PhaseParsed, art))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"job_id": "j1",
		"phase": "parsed",
		"browser_id": "b",
		"url": "https://x.test",
		"content_type": "text/html",
		"artifacts": {
			"raw_html": {"key": "raw", "sha256": "r", "bytes": 10},
			"parsed_data": {"key": "parsed", "sha256": "p", "bytes": 5}
		},
		"timestamps": {
			"created_at": "2025-01-01T00:00:00Z",
			"ingested_at": "2025-01-01T00:01:00Z",
			"parsed_at": "2025-01-01T00:02:00Z"
		}
	}`, string(body))
}

func TestBuildPayloadWithoutArtifact(t *testing.T) {
	t.Parallel()

	p := BuildPayload(jobs.Job{ID: "j1"}, jobs.PhaseIngested, nil)
	require.Nil(t, p.Artifacts.RawHTML)
	require.Nil(t, p.Timestamps.IngestedAt)
}

func TestSenderHeadersAndTimeout(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSender(50*time.Millisecond, nil)
	code, err := s.Send(context.Background(), Request{URL: srv.URL, DeliveryID: "d1", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, code)
	got := <-headers
	require.Equal(t, "d1", got.Get(HeaderDeliveryID))
	require.Empty(t, got.Get(HeaderSignature))
	require.Equal(t, "application/json", got.Get("Content-Type"))

	_, err = s.Send(context.Background(), Request{URL: srv.URL + "/slow", DeliveryID: "d2"})
	require.Error(t, err)
}

type stubLimiter struct {
	urls []string
	err  error
}

func (l *stubLimiter) Wait(_ context.Context, rawURL string) error {
	l.urls = append(l.urls, rawURL)
	return l.err
}

func TestSenderWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lim := &stubLimiter{}
	s := NewSender(time.Second, nil).WithLimiter(lim)
	_, err := s.Send(context.Background(), Request{URL: srv.URL, DeliveryID: "d1"})
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL}, lim.urls)
	require.Equal(t, int32(1), hits.Load())

	lim.err = errors.New("throttled")
	_, err = s.Send(context.Background(), Request{URL: srv.URL, DeliveryID: "d2"})
	require.ErrorContains(t, err, "throttled")
	require.Equal(t, int32(1), hits.Load())
}
