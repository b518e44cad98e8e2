package marketdata

import (
	"maotrade/internal/core"
)

// aggregator rolls broker-native bars up into one strategy timeframe. It
// emits an in-progress bar (Closed=false) for every native bar inside the
// window and the completed bar (Closed=true) on the first native bar whose
// timestamp reaches the next window.
type aggregator struct {
	timeframe int64 // seconds

	active      bool
	windowStart int64
	cur         core.Bar
	lastNative  int64
}

func newAggregator(timeframe core.Timeframe) *aggregator {
	return &aggregator{timeframe: int64(timeframe)}
}

// push consumes one native bar and returns the bars to deliver, closed bar
// first when a window rolls over. Retrograde bars are dropped.
func (a *aggregator) push(native core.Bar) []core.Bar {
	if a.lastNative != 0 && native.Time <= a.lastNative {
		return nil
	}
	a.lastNative = native.Time

	w := native.Time - native.Time%a.timeframe
	var out []core.Bar

	if a.active && native.Time >= a.windowStart+a.timeframe {
		done := a.cur
		done.Closed = true
		out = append(out, done)
		a.active = false
	}

	if !a.active {
		a.active = true
		a.windowStart = w
		a.cur = core.Bar{
			Time:   w,
			Open:   native.Open,
			High:   native.High,
			Low:    native.Low,
			Close:  native.Close,
			Volume: native.Volume,
		}
	} else {
		if native.High > a.cur.High {
			a.cur.High = native.High
		}
		if native.Low < a.cur.Low {
			a.cur.Low = native.Low
		}
		a.cur.Close = native.Close
		a.cur.Volume += native.Volume
	}

	progress := a.cur
	progress.Closed = false
	out = append(out, progress)
	return out
}

// replay seeds the aggregator position after recovery so the next live bar
// does not re-emit an already persisted window.
func (a *aggregator) replay(lastClosed core.Bar) {
	a.active = false
	a.lastNative = lastClosed.Time + a.timeframe - 1
}
