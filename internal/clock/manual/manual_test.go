package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.UnixMilli(0).UTC()
	clk := New(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(1500 * time.Millisecond)
	require.Equal(t, int64(1500), clk.Now().UnixMilli())

	clk.Set(start)
	require.Equal(t, start, clk.Now())
}
