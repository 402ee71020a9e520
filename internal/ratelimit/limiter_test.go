package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstThenThrottle(t *testing.T) {
	l := NewLimiter(1, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("caller-a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("caller-a"))
	assert.Greater(t, l.RetryAfter("caller-a"), time.Duration(0))

	// buckets are per caller
	assert.True(t, l.Allow("caller-b"))
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter(5, 5)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("old")

	now = now.Add(idleAfter + time.Second)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 1, l.Len())
}
