package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"), "third attempt inside the window")
	assert.True(t, rl.Allow("u2"), "other users are independent")

	clock = clock.Add(11 * time.Second)
	assert.True(t, rl.Allow("u1"), "window slid past old attempts")
}

func TestRateLimiterDisabled(t *testing.T) {
	var rl *RateLimiter = NewRateLimiter(0, time.Second)

	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("u1"))
	}
	rl.Forget("u1")
}

func TestRateLimiterForget(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	rl.Forget("u1")
	assert.True(t, rl.Allow("u1"))
}
