package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestHasherEmptyInput(t *testing.T) {
	t.Parallel()

	got, err := New().Hash(nil)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
}

func TestHasherVerify(t *testing.T) {
	t.Parallel()

	h := New()
	digest, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, h.Verify([]byte("hello world"), digest))
	require.NoError(t, h.Verify([]byte("hello world"), strings.ToUpper(digest)))

	tests := []struct {
		name   string
		data   string
		digest string
	}{
		{"tampered content", "hello world!", digest},
		{"truncated digest", "hello world", digest[:10]},
		{"not hex", "hello world", strings.Repeat("z", 64)},
		{"empty digest", "hello world", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, h.Verify([]byte(tc.data), tc.digest), jobs.ErrDigestMismatch)
		})
	}
}
