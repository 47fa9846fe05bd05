package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/scrapeq/internal/config"
)

type callback struct {
	body      []byte
	signature string
	id        string
}

type callbackRecorder struct {
	mu    sync.Mutex
	calls []callback
}

func (c *callbackRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.calls = append(c.calls, callback{
		body:      body,
		signature: r.Header.Get("X-Signature"),
		id:        r.Header.Get("X-Delivery-Id"),
	})
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (c *callbackRecorder) snapshot() []callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]callback(nil), c.calls...)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("", "")
	require.NoError(t, err)
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Delivery.PollInterval = 20 * time.Millisecond
	cfg.Progress.MaxBatchWait = 10 * time.Millisecond
	cfg.Secrets = map[string]string{"hook": "s3cret"}
	return cfg
}

func startApp(t *testing.T, cfg config.Config) string {
	t.Helper()
	app, err := build(context.Background(), cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("app did not shut down")
		}
	})
	return "http://" + ln.Addr().String()
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServeEndToEndDelivery(t *testing.T) {
	hook := &callbackRecorder{}
	consumer := httptest.NewServer(hook)
	t.Cleanup(consumer.Close)

	base := startApp(t, testConfig(t))

	var job struct {
		JobID string `json:"job_id"`
		State string `json:"state"`
	}
	code := postJSON(t, base+"/v1/jobs", `{"url":"https://shop.example/p/1","callback_url":"`+
		consumer.URL+`","callback_secret_ref":"hook"}`, &job)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "queued", job.State)

	var batch struct {
		Items []struct {
			JobID   string `json:"job_id"`
			LeaseID string `json:"lease_id"`
		} `json:"items"`
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, postJSON(t, base+"/v1/leases", `{"browser_id":"b1","max":1}`, &batch))
	require.Equal(t, 1, batch.Count)
	require.Equal(t, job.JobID, batch.Items[0].JobID)

	code = postJSON(t, base+"/v1/jobs/"+job.JobID+"/submit",
		`{"lease_id":"`+batch.Items[0].LeaseID+`","content":"<html>ok</html>","content_type":"text/html"}`, nil)
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool { return len(hook.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	got := hook.snapshot()[0]
	require.NotEmpty(t, got.id)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(got.body)
	require.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), got.signature)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/jobs/" + job.JobID)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var status struct {
			Job struct {
				State string `json:"state"`
			} `json:"job"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return status.Job.State == "delivered"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServeProbes(t *testing.T) {
	base := startApp(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestBuildLocalStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.Local.BaseDir = t.TempDir()

	app, err := build(context.Background(), cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, app.Handler())
	app.Close(context.Background())
}

func TestBuildFailsOnBadDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.DSN = "::not a dsn::"

	_, err := build(context.Background(), cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.ErrorContains(t, err, "postgres init failed")
}
