package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equalf(t, w, b.Next(i+1), "attempt %d", i+1)
	}
}

func TestBackoffClampsAttempt(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, time.Second, b.Next(0))
	assert.Equal(t, time.Second, b.Next(-3))
	assert.Equal(t, 30*time.Second, b.Next(100))
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := b.Next(3)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}

func TestBackoffMinAboveMax(t *testing.T) {
	b := Backoff{Min: time.Minute, Max: 30 * time.Second}
	assert.Equal(t, 30*time.Second, b.Next(1))
}
