package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := New(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(15 * time.Minute)
	require.Equal(t, start.Add(15*time.Minute), clk.Now())

	clk.Set(start)
	require.Equal(t, start, clk.Now())
}
