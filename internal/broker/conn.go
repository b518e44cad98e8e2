package broker

import (
	"time"
)

// Channel identifies one of the two broker connections.
type Channel int

const (
	ChannelAPI Channel = iota
	ChannelFeed
)

func (c Channel) String() string {
	switch c {
	case ChannelAPI:
		return "api"
	case ChannelFeed:
		return "feed"
	default:
		return "unknown"
	}
}

// ConnState is the state of one connection channel.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnBackoff
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "DISCONNECTED"
	case ConnConnecting:
		return "CONNECTING"
	case ConnConnected:
		return "CONNECTED"
	case ConnBackoff:
		return "BACKOFF"
	case ConnFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	backoffBase = 30 * time.Second
	backoffMax  = 300 * time.Second
)

// BackoffDelay returns the reconnect delay after k consecutive failures:
// min(300s, 30s * 2^k).
func BackoffDelay(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	d := backoffBase
	for i := 0; i < k; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// ConnTracker drives the per-channel connection state machine. Concrete
// adapters own one tracker per channel and call the transition hooks from
// their Tick; the tracker decides when a connect attempt is due and emits
// connect/disconnect events.
type ConnTracker struct {
	channel      Channel
	state        ConnState
	failures     int
	retryCap     int
	nextAttempt  time.Time
	wasConnected bool
	emit         func(Event)
}

// NewConnTracker creates a tracker in DISCONNECTED with the given retry
// cap (the cap applies only before the first successful connect).
func NewConnTracker(ch Channel, retryCap int, emit func(Event)) *ConnTracker {
	if retryCap <= 0 {
		retryCap = 10
	}
	return &ConnTracker{channel: ch, retryCap: retryCap, emit: emit}
}

// State returns the current channel state.
func (t *ConnTracker) State() ConnState { return t.state }

// ShouldAttempt reports whether the adapter should start a connect attempt
// now, moving the tracker to CONNECTING when it does.
func (t *ConnTracker) ShouldAttempt(now time.Time) bool {
	switch t.state {
	case ConnDisconnected:
		t.state = ConnConnecting
		return true
	case ConnBackoff:
		if !now.Before(t.nextAttempt) {
			t.state = ConnConnecting
			return true
		}
	}
	return false
}

// OnSuccess records a successful connect.
func (t *ConnTracker) OnSuccess() {
	t.state = ConnConnected
	t.failures = 0
	t.wasConnected = true
	t.emit(ConnectedEvent{Channel: t.channel})
}

// OnFailure records a failed connect attempt. Before the channel has ever
// connected the retry cap applies and exhausting it is terminal; after a
// successful connect the channel retries indefinitely.
func (t *ConnTracker) OnFailure(now time.Time) {
	t.failures++
	if !t.wasConnected && t.failures >= t.retryCap {
		t.state = ConnFailed
		t.emit(DisconnectedEvent{Channel: t.channel, Code: DisconnectRetriesExhausted})
		return
	}
	t.state = ConnBackoff
	t.nextAttempt = now.Add(BackoffDelay(t.failures - 1))
}

// OnLost records loss of an established connection.
func (t *ConnTracker) OnLost(now time.Time) {
	if t.state != ConnConnected {
		return
	}
	t.failures = 0
	t.state = ConnBackoff
	t.nextAttempt = now.Add(BackoffDelay(0))
	t.emit(DisconnectedEvent{Channel: t.channel, Code: DisconnectTransient})
}

// Connected reports whether the channel is usable.
func (t *ConnTracker) Connected() bool { return t.state == ConnConnected }
