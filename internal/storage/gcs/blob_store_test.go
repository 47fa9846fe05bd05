package gcs_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/storage/gcs"
)

const bucket = "test-bucket"

func newTestStore(t *testing.T, handler http.Handler) *gcs.BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gstorage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: bucket})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: bucket})
	require.Error(t, err)

	client, err := gstorage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestPutObject(t *testing.T) {
	key := "artifacts/job-1/raw"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucket))
		assert.Equal(t, key, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html/>")
		_, _ = fmt.Fprintln(w, `{ "name": "`+key+`" }`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), key, "text/html", bytes.NewBufferString("<html/>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/artifacts/job-1/raw", uri)
}

func TestPutObjectChecksCRC32C(t *testing.T) {
	crc := func(data string) string {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], crc32.Checksum([]byte(data), crc32.MakeTable(crc32.Castagnoli)))
		return base64.StdEncoding.EncodeToString(b[:])
	}
	tests := []struct {
		name    string
		stored  string
		wantErr bool
	}{
		{"match", "<html/>", false},
		{"corrupted in transit", "<html>", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				_, _ = fmt.Fprintf(w, `{"name":"k","crc32c":%q}`, crc(tc.stored))
			}))
			_, err := store.PutObject(context.Background(), "k", "text/html", bytes.NewBufferString("<html/>"))
			if tc.wantErr {
				require.ErrorContains(t, err, "crc32c")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPutObjectServerError(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := store.PutObject(context.Background(), "k", "", bytes.NewBufferString("x"))
	require.Error(t, err)
}

func TestGetObjectMissing(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := store.GetObject(context.Background(), "artifacts/none/raw")
	require.ErrorIs(t, err, jobs.ErrNotFound)

	_, err = store.GetObject(context.Background(), "")
	require.Error(t, err)
}
