package marketdata

import (
	"context"
	"testing"
	"time"

	"maotrade/internal/broker"
	"maotrade/internal/core"
	"maotrade/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	subscribes   []string
	unsubscribes []string
}

func (a *stubAdapter) Name() string                                   { return "stub" }
func (a *stubAdapter) Init(context.Context) (*broker.InitResult, error) { return &broker.InitResult{}, nil }
func (a *stubAdapter) Tick(time.Time)                                 {}
func (a *stubAdapter) RequestAccountInfo()                            {}
func (a *stubAdapter) RequestPortfolio()                              {}
func (a *stubAdapter) RequestSubscribe(instrument string, _ core.Timeframe) {
	a.subscribes = append(a.subscribes, instrument)
}
func (a *stubAdapter) RequestUnsubscribe(instrument string) {
	a.unsubscribes = append(a.unsubscribes, instrument)
}
func (a *stubAdapter) RequestOpen(*core.Order)                  {}
func (a *stubAdapter) RequestClose(*core.Order)                 {}
func (a *stubAdapter) RequestStop(*core.Order)                  {}
func (a *stubAdapter) RequestCancel(*core.Order)                {}
func (a *stubAdapter) RequestOpenDeals()                        {}
func (a *stubAdapter) Events() <-chan broker.Event              { return nil }
func (a *stubAdapter) ConnState(broker.Channel) broker.ConnState { return broker.ConnConnected }
func (a *stubAdapter) Shutdown(context.Context) error           { return nil }

type recordedBar struct {
	strategyID string
	instrument string
	bar        core.Bar
}

type recordingSink struct {
	bars     []recordedBar
	errors   []string
	restores []string
}

func (s *recordingSink) OnBar(strategyID, instrument string, bar core.Bar) {
	s.bars = append(s.bars, recordedBar{strategyID, instrument, bar})
}
func (s *recordingSink) OnMarketDataError(strategyID, instrument string, _ core.ErrorCode) {
	s.errors = append(s.errors, strategyID+"/"+instrument)
}
func (s *recordingSink) OnMarketDataRestore(strategyID, instrument string) {
	s.restores = append(s.restores, strategyID+"/"+instrument)
}

func nativeBar(ts int64, o, h, l, c, v float64) core.Bar {
	return core.Bar{Time: ts, Open: o, High: h, Low: l, Close: c, Volume: v, Closed: true}
}

func TestAggregatorRollsUpWindow(t *testing.T) {
	agg := newAggregator(300)

	// Five one-minute bars inside [0, 300).
	var inProgress []core.Bar
	for i, bar := range []core.Bar{
		nativeBar(0, 10, 12, 9, 11, 100),
		nativeBar(60, 11, 15, 11, 14, 50),
		nativeBar(120, 14, 14, 8, 9, 30),
		nativeBar(180, 9, 10, 9, 10, 20),
		nativeBar(240, 10, 11, 10, 10.5, 10),
	} {
		out := agg.push(bar)
		require.Len(t, out, 1, "bar %d", i)
		assert.False(t, out[0].Closed)
		inProgress = append(inProgress, out[0])
	}

	// Partial windows accumulate as they go.
	assert.Equal(t, 10.0, inProgress[0].Open)
	assert.Equal(t, 15.0, inProgress[1].High)
	assert.Equal(t, 8.0, inProgress[2].Low)
	assert.Equal(t, 200.0, inProgress[4].Volume)

	// The first bar at ts >= 300 closes the window.
	out := agg.push(nativeBar(300, 10.5, 11, 10, 10.8, 5))
	require.Len(t, out, 2)

	closed := out[0]
	assert.True(t, closed.Closed)
	assert.Equal(t, int64(0), closed.Time)
	assert.Equal(t, 10.0, closed.Open)
	assert.Equal(t, 15.0, closed.High)
	assert.Equal(t, 8.0, closed.Low)
	assert.Equal(t, 10.5, closed.Close)
	assert.Equal(t, 210.0, closed.Volume)

	next := out[1]
	assert.False(t, next.Closed)
	assert.Equal(t, int64(300), next.Time)
	assert.Equal(t, 10.5, next.Open)
}

func TestAggregatorDropsRetrogradeBars(t *testing.T) {
	agg := newAggregator(300)
	require.Len(t, agg.push(nativeBar(120, 10, 10, 10, 10, 1)), 1)
	assert.Empty(t, agg.push(nativeBar(60, 99, 99, 99, 99, 1)))
	assert.Empty(t, agg.push(nativeBar(120, 99, 99, 99, 99, 1)))

	out := agg.push(nativeBar(180, 11, 11, 11, 11, 1))
	require.Len(t, out, 1)
	assert.Equal(t, 11.0, out[0].High, "retrograde bars must not contaminate the window")
}

func TestAggregatorHandlesGapAcrossWindows(t *testing.T) {
	agg := newAggregator(300)
	agg.push(nativeBar(0, 10, 10, 10, 10, 1))

	// A gap straight into a later window still closes the open one first.
	out := agg.push(nativeBar(660, 12, 12, 12, 12, 1))
	require.Len(t, out, 2)
	assert.True(t, out[0].Closed)
	assert.Equal(t, int64(0), out[0].Time)
	assert.Equal(t, int64(600), out[1].Time)
}

func TestRouterSingleBrokerSubscriptionFanOut(t *testing.T) {
	adapter := &stubAdapter{}
	sink := &recordingSink{}
	r := NewRouter(adapter, 60, sink, logging.NewNop(), nil)
	now := time.Unix(0, 0)

	require.NoError(t, r.Subscribe("s1", "FIB", 300, now))
	require.NoError(t, r.Subscribe("s2", "FIB", 60, now))
	assert.Equal(t, []string{"FIB"}, adapter.subscribes, "one broker subscription per instrument")

	// Timeframe not a multiple of the broker timeframe is rejected.
	require.Error(t, r.Subscribe("s3", "FIB", 90, now))
	// Double subscription is rejected.
	require.Error(t, r.Subscribe("s1", "FIB", 300, now))

	r.HandleMarketData(broker.MarketDataEvent{Instrument: "FIB", Bar: nativeBar(0, 10, 10, 10, 10, 1)}, now)
	r.HandleMarketData(broker.MarketDataEvent{Instrument: "FIB", Bar: nativeBar(60, 11, 11, 11, 11, 1)}, now.Add(time.Minute))

	var s1Bars, s2Closed int
	for _, b := range sink.bars {
		if b.strategyID == "s1" {
			s1Bars++
		}
		if b.strategyID == "s2" && b.bar.Closed {
			s2Closed++
		}
	}
	assert.Equal(t, 2, s1Bars, "s1 sees two in-progress bars of its 5m window")
	assert.Equal(t, 1, s2Closed, "s2's 1m window closed on the second native bar")

	// Last unsubscriber releases the broker subscription.
	r.Unsubscribe("s1", "FIB")
	assert.Empty(t, adapter.unsubscribes)
	r.Unsubscribe("s2", "FIB")
	assert.Equal(t, []string{"FIB"}, adapter.unsubscribes)
}

func TestRouterStalenessAndRestore(t *testing.T) {
	adapter := &stubAdapter{}
	sink := &recordingSink{}
	r := NewRouter(adapter, 60, sink, logging.NewNop(), nil)
	start := time.Unix(1000, 0)

	require.NoError(t, r.Subscribe("s1", "FIB", 60, start))
	r.HandleMarketData(broker.MarketDataEvent{Instrument: "FIB", Bar: nativeBar(960, 10, 10, 10, 10, 1)}, start)

	// Inside the window: max(5*60s, 60s) = 5m of silence is tolerated.
	r.CheckStaleness(start.Add(4 * time.Minute))
	assert.Empty(t, sink.errors)

	// Past the window: error once, resubscribe fired.
	r.CheckStaleness(start.Add(5 * time.Minute))
	assert.Equal(t, []string{"s1/FIB"}, sink.errors)
	assert.Equal(t, []string{"FIB", "FIB"}, adapter.subscribes)

	// Still stale a second later: no duplicate error, no probe spam.
	r.CheckStaleness(start.Add(5*time.Minute + time.Second))
	assert.Len(t, sink.errors, 1)
	assert.Len(t, adapter.subscribes, 2)

	// The next probe goes out one staleness window later.
	r.CheckStaleness(start.Add(10 * time.Minute))
	assert.Len(t, adapter.subscribes, 3)

	// Data resumes: restore exactly once.
	r.HandleMarketData(broker.MarketDataEvent{Instrument: "FIB", Bar: nativeBar(1560, 10, 10, 10, 10, 1)}, start.Add(11*time.Minute))
	r.HandleMarketData(broker.MarketDataEvent{Instrument: "FIB", Bar: nativeBar(1620, 10, 10, 10, 10, 1)}, start.Add(12*time.Minute))
	assert.Equal(t, []string{"s1/FIB"}, sink.restores)
}

func TestRouterAbandonsAfterRepeatedSubscribeFailures(t *testing.T) {
	adapter := &stubAdapter{}
	sink := &recordingSink{}
	r := NewRouter(adapter, 60, sink, logging.NewNop(), nil)
	now := time.Unix(1000, 0)

	require.NoError(t, r.Subscribe("s1", "FIB", 60, now))

	for i := 0; i < maxResubFailures; i++ {
		r.HandleSubscribeAck(broker.SubscribeAckEvent{Instrument: "FIB", OK: false, Code: core.ErrNetwork}, now)
	}
	require.Len(t, sink.errors, 1)

	// Abandoned instruments are not probed any further.
	before := len(adapter.subscribes)
	r.CheckStaleness(now.Add(time.Hour))
	assert.Equal(t, before, len(adapter.subscribes))

	// A successful ack after recovery clears the failure counter.
	r.HandleMarketData(broker.MarketDataEvent{Instrument: "FIB", Bar: nativeBar(960, 10, 10, 10, 10, 1)}, now.Add(time.Hour))
	assert.Equal(t, []string{"s1/FIB"}, sink.restores)
}
