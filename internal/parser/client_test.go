package parser

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseReturnsJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "<html>ok</html>" || r.Header.Get("X-Job-Id") != "job-1" || r.Header.Get("Content-Type") != "text/html" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 9.99}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	got, err := c.Parse(context.Background(), "job-1", "text/html", []byte("<html>ok</html>"))
	require.NoError(t, err)
	require.JSONEq(t, `{"price": 9.99}`, string(got))
}

func TestParseRejectsBadResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := New(srv.URL+"/fail", time.Second, nil).Parse(context.Background(), "j", "", nil)
	require.ErrorIs(t, err, ErrInvalidResponse)
	_, err = New(srv.URL, time.Second, nil).Parse(context.Background(), "j", "", nil)
	require.ErrorIs(t, err, ErrInvalidResponse)
}
