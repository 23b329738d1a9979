package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredLimiter_AllowsUpToPerSecondCap(t *testing.T) {
	l := NewTieredLimiter(3, 100, 1500)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(), "send %d should be allowed", i+1)
		l.Record()
	}
	assert.False(t, l.Allow(), "fourth send in the same second must be deferred")
}

func TestTieredLimiter_SecondWindowResets(t *testing.T) {
	l := NewTieredLimiter(1, 100, 1500)

	require.True(t, l.Allow())
	l.Record()
	require.False(t, l.Allow())

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, l.Allow(), "budget must return once the window rolls over")
}

func TestTieredLimiter_SlowestTierWins(t *testing.T) {
	// Generous per-second budget, tight per-minute budget.
	l := NewTieredLimiter(10, 2, 1500)

	l.Record()
	l.Record()
	assert.False(t, l.Allow(), "the minute tier must gate even when the second tier has budget")
}

func TestTieredLimiter_RecordChargesAllTiers(t *testing.T) {
	l := NewTieredLimiter(3, 100, 1500)
	l.Record()
	l.Record()

	status := l.Status()
	require.Len(t, status, 3)
	for _, tier := range status {
		assert.Equal(t, 2, tier.Count, "tier %s", tier.Tier)
		assert.Greater(t, tier.ResetsIn, time.Duration(0), "tier %s", tier.Tier)
	}
	assert.Equal(t, TierSecond, status[0].Tier)
	assert.Equal(t, TierMinute, status[1].Tier)
	assert.Equal(t, TierHour, status[2].Tier)
	assert.Equal(t, 3, status[0].Limit)
	assert.Equal(t, 100, status[1].Limit)
	assert.Equal(t, 1500, status[2].Limit)
}
