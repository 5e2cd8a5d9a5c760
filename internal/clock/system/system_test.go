package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "clock drifted: %v", got)
}

func TestClockDrivesEntryLifecycle(t *testing.T) {
	t.Parallel()

	var clk artifact.Clock = New()
	created := clk.Now()
	entry := artifact.Entry{
		CreatedAt:  created,
		StaleAfter: created.Add(time.Hour),
		ExpiresAt:  created.Add(24 * time.Hour),
	}

	now := clk.Now()
	require.False(t, now.Before(created))
	require.True(t, entry.IsFresh(now))
	require.False(t, entry.IsStaleButValid(now))
	require.False(t, entry.IsExpired(now))
}
