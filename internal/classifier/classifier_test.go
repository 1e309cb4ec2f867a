package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mail-optout-bridge/internal/model"
)

func boolPtr(b bool) *bool { return &b }

func TestDigestNever(t *testing.T) {
	// Explicitly disabled
	assert.True(t, DigestNever(model.Snapshot{
		EmailDigestsEnabled:   boolPtr(false),
		DigestIntervalMinutes: 1440,
	}))

	// Interval of zero means never
	assert.True(t, DigestNever(model.Snapshot{
		EmailDigestsEnabled:   boolPtr(true),
		DigestIntervalMinutes: 0,
	}))

	// Negative interval means never
	assert.True(t, DigestNever(model.Snapshot{
		EmailDigestsEnabled:   boolPtr(true),
		DigestIntervalMinutes: -30,
	}))

	// Enabled with a positive interval is active
	assert.False(t, DigestNever(model.Snapshot{
		EmailDigestsEnabled:   boolPtr(true),
		DigestIntervalMinutes: 30,
	}))

	// Unset flag falls back to the interval
	assert.True(t, DigestNever(model.Snapshot{DigestIntervalMinutes: 0}))
	assert.False(t, DigestNever(model.Snapshot{DigestIntervalMinutes: 60}))
}

func TestAllMailOff(t *testing.T) {
	resolver := StaticResolver{NeverOrdinal: 2}

	assert.True(t, AllMailOff(model.Snapshot{EmailLevel: 2}, resolver))
	assert.False(t, AllMailOff(model.Snapshot{EmailLevel: 0}, resolver))
	assert.False(t, AllMailOff(model.Snapshot{EmailLevel: 1}, resolver))
}

func TestAllMailOffFailsClosed(t *testing.T) {
	// An unresolved ordinal must never misfire
	unresolved := StaticResolver{NeverOrdinal: -1}
	assert.False(t, AllMailOff(model.Snapshot{EmailLevel: 2}, unresolved))

	// Nil resolver likewise
	assert.False(t, AllMailOff(model.Snapshot{EmailLevel: 2}, nil))
}

func TestTooNewBoundary(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	minAge := 10 * time.Minute

	// Exactly at the threshold is not too new
	assert.False(t, TooNew(now.Add(-10*time.Minute), minAge, now))

	// One second inside the threshold is too new
	assert.True(t, TooNew(now.Add(-9*time.Minute-59*time.Second), minAge, now))

	// Well past the threshold
	assert.False(t, TooNew(now.Add(-30*time.Minute), minAge, now))

	// Unknown creation time is never gated
	assert.False(t, TooNew(time.Time{}, minAge, now))
}
