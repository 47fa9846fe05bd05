package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/raw", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/raw", uri)

	payload[0] = 'C'
	stored, err := store.GetObject(context.Background(), "path/raw")
	require.NoError(t, err)
	require.Equal(t, "content", string(stored))

	_, err = store.GetObject(context.Background(), "missing")
	require.ErrorIs(t, err, jobs.ErrNotFound)
}
