package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeat_NeverMovesBackwards(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	hb := &Heartbeat{now: func() time.Time { return current }}

	assert.True(t, hb.Last().IsZero())
	assert.True(t, hb.Stale(time.Second))

	hb.Beat()
	assert.Equal(t, base, hb.Last().UTC())

	current = base.Add(-time.Minute)
	hb.Beat()
	assert.Equal(t, base, hb.Last().UTC(), "clock going back must not rewind the heartbeat")

	current = base.Add(10 * time.Second)
	hb.Beat()
	assert.Equal(t, current, hb.Last().UTC())
	assert.False(t, hb.Stale(time.Second))

	current = base.Add(time.Minute)
	assert.True(t, hb.Stale(30*time.Second))
	assert.False(t, hb.Stale(0))
}
