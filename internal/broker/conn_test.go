package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelayMonotoneAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for k := 0; k < 12; k++ {
		d := BackoffDelay(k)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink")
		assert.LessOrEqual(t, d, 300*time.Second)
		prev = d
	}
	assert.Equal(t, 30*time.Second, BackoffDelay(0))
	assert.Equal(t, 60*time.Second, BackoffDelay(1))
	assert.Equal(t, 300*time.Second, BackoffDelay(4))
	assert.Equal(t, 300*time.Second, BackoffDelay(10))
}

func TestConnTrackerFailsAfterRetryCap(t *testing.T) {
	var events []Event
	tr := NewConnTracker(ChannelAPI, 3, func(ev Event) { events = append(events, ev) })

	now := time.Unix(1000, 0)
	require.True(t, tr.ShouldAttempt(now))
	assert.Equal(t, ConnConnecting, tr.State())

	tr.OnFailure(now)
	assert.Equal(t, ConnBackoff, tr.State())

	// Not due yet.
	assert.False(t, tr.ShouldAttempt(now.Add(time.Second)))

	now = now.Add(BackoffDelay(0))
	require.True(t, tr.ShouldAttempt(now))
	tr.OnFailure(now)

	now = now.Add(BackoffDelay(1))
	require.True(t, tr.ShouldAttempt(now))
	tr.OnFailure(now)

	assert.Equal(t, ConnFailed, tr.State())
	require.Len(t, events, 1)
	dc, ok := events[0].(DisconnectedEvent)
	require.True(t, ok)
	assert.Equal(t, DisconnectRetriesExhausted, dc.Code)

	// FAILED is terminal.
	assert.False(t, tr.ShouldAttempt(now.Add(time.Hour)))
}

func TestConnTrackerTransientLossRetriesForever(t *testing.T) {
	var events []Event
	tr := NewConnTracker(ChannelFeed, 2, func(ev Event) { events = append(events, ev) })

	now := time.Unix(1000, 0)
	require.True(t, tr.ShouldAttempt(now))
	tr.OnSuccess()
	assert.True(t, tr.Connected())

	tr.OnLost(now)
	assert.Equal(t, ConnBackoff, tr.State())

	// The retry cap no longer applies after a successful connect.
	for i := 0; i < 10; i++ {
		now = now.Add(350 * time.Second)
		require.True(t, tr.ShouldAttempt(now), "attempt %d", i)
		tr.OnFailure(now)
		assert.NotEqual(t, ConnFailed, tr.State())
	}

	var transient, exhausted int
	for _, ev := range events {
		if dc, ok := ev.(DisconnectedEvent); ok {
			switch dc.Code {
			case DisconnectTransient:
				transient++
			case DisconnectRetriesExhausted:
				exhausted++
			}
		}
	}
	assert.Equal(t, 1, transient)
	assert.Zero(t, exhausted)
}
