package sifcore

import (
	"testing"
	"time"

	"github.com/IMQS/log"
	"github.com/stretchr/testify/assert"
	"github.com/thejerf/abtime"
)

func newTestRateLimits(cfg *ConfigRateLimit) (*RateLimitTable, *abtime.ManualTime) {
	clock := abtime.NewManualAtTime(time.Unix(1500000000, 0).UTC())
	table := NewRateLimitTable(cfg, clock, log.New("", false))
	return table, clock
}

func TestRateLimitRepeatedSecretCountsOnce(t *testing.T) {
	table, _ := newTestRateLimits(&ConfigRateLimit{MaxUserHits: 3, FailTTLSeconds: 120})

	badHash := HashSecret("wrong-password")
	for i := 0; i < 10; i++ {
		table.Update("https", "10.0.0.1", "alice", false, badHash)
	}
	// A stuck client hammering the same wrong secret is one failure, not ten
	assert.Equal(t, 1, table.Count("https", "10.0.0.1", "alice"))
	assert.False(t, table.Hit("https", "10.0.0.1", "alice"))

	table.Update("https", "10.0.0.1", "alice", false, HashSecret("another-guess"))
	assert.Equal(t, 2, table.Count("https", "10.0.0.1", "alice"))
}

func TestRateLimitRefusalThreshold(t *testing.T) {
	table, _ := newTestRateLimits(&ConfigRateLimit{MaxUserHits: 3, FailTTLSeconds: 120})

	for i := 0; i < 3; i++ {
		table.Update("https", "10.0.0.1", "alice", false, HashSecret(string(rune('a'+i))))
	}
	assert.True(t, table.Hit("https", "10.0.0.1", "alice"))
	// The aggregate IP entry also trips, so a different username from the same
	// address is refused too
	assert.True(t, table.Hit("https", "10.0.0.1", "bob"))
	// A different address is unaffected
	assert.False(t, table.Hit("https", "10.0.0.2", "alice"))
}

func TestRateLimitSuccessClears(t *testing.T) {
	table, _ := newTestRateLimits(&ConfigRateLimit{MaxUserHits: 2, FailTTLSeconds: 120})

	table.Update("https", "10.0.0.1", "alice", false, HashSecret("x"))
	table.Update("https", "10.0.0.1", "alice", false, HashSecret("y"))
	assert.True(t, table.Hit("https", "10.0.0.1", "alice"))

	table.Update("https", "10.0.0.1", "alice", true, HashSecret("the-right-one"))
	assert.False(t, table.Hit("https", "10.0.0.1", "alice"))
	assert.Equal(t, 0, table.Count("https", "10.0.0.1", "alice"))
}

func TestRateLimitPenaltyDelay(t *testing.T) {
	table, _ := newTestRateLimits(&ConfigRateLimit{MaxUserHits: 3, FailTTLSeconds: 120})

	assert.Equal(t, time.Duration(0), table.PenaltyDelay(0))
	assert.Equal(t, time.Duration(0), table.PenaltyDelay(3))
	assert.Equal(t, 4*1000*time.Millisecond, table.PenaltyDelay(4))
	assert.Equal(t, 25*250*time.Millisecond, table.PenaltyDelay(5))
	// Quadratic growth is capped at 30 seconds
	assert.Equal(t, 30*time.Second, table.PenaltyDelay(50))
}

func TestRateLimitPenalizeSleeps(t *testing.T) {
	table, _ := newTestRateLimits(&ConfigRateLimit{MaxUserHits: 2, FailTTLSeconds: 120})
	var slept time.Duration
	table.sleep = func(d time.Duration) { slept = d }

	table.Penalize("https", "10.0.0.1", "alice", 2)
	assert.Equal(t, time.Duration(0), slept)

	table.Penalize("https", "10.0.0.1", "alice", 4)
	assert.Equal(t, 16*250*time.Millisecond, slept)
}

func TestRateLimitExpiry(t *testing.T) {
	table, clock := newTestRateLimits(&ConfigRateLimit{MaxUserHits: 1, FailTTLSeconds: 60})

	table.Update("https", "10.0.0.1", "alice", false, HashSecret("x"))
	assert.True(t, table.Hit("https", "10.0.0.1", "alice"))

	clock.Advance(61 * time.Second)
	assert.False(t, table.Hit("https", "10.0.0.1", "alice"))

	table.Expire()
	assert.Equal(t, 0, table.Count("https", "10.0.0.1", "alice"))
}
