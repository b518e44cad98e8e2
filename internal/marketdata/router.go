// Package marketdata implements the Market Data Router: the instrument
// subscription registry, broker-to-strategy bar aggregation and staleness
// detection.
package marketdata

import (
	"fmt"
	"time"

	"maotrade/internal/broker"
	"maotrade/internal/core"
	"maotrade/pkg/telemetry"
)

// maxResubFailures is the number of consecutive failed resubscribe
// attempts after which an instrument is given up on.
const maxResubFailures = 5

// minStaleness floors the staleness window for fast broker timeframes.
const minStaleness = 60 * time.Second

// Sink receives routed market data callbacks on the engine goroutine.
type Sink interface {
	OnBar(strategyID, instrument string, bar core.Bar)
	OnMarketDataError(strategyID, instrument string, code core.ErrorCode)
	OnMarketDataRestore(strategyID, instrument string)
}

type subscriber struct {
	strategyID string
	timeframe  core.Timeframe
	agg        *aggregator
}

type subscription struct {
	instrument  string
	subscribers []*subscriber

	lastSeen      time.Time
	stale         bool
	abandoned     bool
	resubFailures int
	nextProbe     time.Time
}

func (s *subscription) staleness(brokerTF core.Timeframe) time.Duration {
	d := 5 * brokerTF.Duration()
	if d < minStaleness {
		d = minStaleness
	}
	return d
}

// Router owns the instrument -> subscribers mapping. One live broker
// subscription exists per instrument regardless of subscriber count. All
// methods run on the engine goroutine.
type Router struct {
	logger   core.ILogger
	adapter  broker.Adapter
	metrics  *telemetry.Metrics
	sink     Sink
	brokerTF core.Timeframe

	subs map[string]*subscription
}

// NewRouter creates a router that subscribes through the given adapter at
// the broker-native timeframe.
func NewRouter(adapter broker.Adapter, brokerTF core.Timeframe, sink Sink, logger core.ILogger, metrics *telemetry.Metrics) *Router {
	return &Router{
		logger:   logger.WithField("component", "marketdata_router"),
		adapter:  adapter,
		metrics:  metrics,
		sink:     sink,
		brokerTF: brokerTF,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe registers a strategy for aggregated bars of an instrument. The
// strategy timeframe must be a multiple of the broker timeframe. The first
// subscriber of an instrument triggers the broker subscription.
func (r *Router) Subscribe(strategyID, instrument string, timeframe core.Timeframe, now time.Time) error {
	if timeframe < r.brokerTF || timeframe%r.brokerTF != 0 {
		return fmt.Errorf("timeframe %ds is not a multiple of broker timeframe %ds", timeframe, r.brokerTF)
	}

	sub, ok := r.subs[instrument]
	if !ok {
		sub = &subscription{instrument: instrument, lastSeen: now}
		r.subs[instrument] = sub
		r.adapter.RequestSubscribe(instrument, r.brokerTF)
		r.logger.Info("Instrument subscribed", "instrument", instrument, "broker_timeframe", int64(r.brokerTF))
	}

	for _, s := range sub.subscribers {
		if s.strategyID == strategyID {
			return fmt.Errorf("strategy %s already subscribed to %s", strategyID, instrument)
		}
	}
	sub.subscribers = append(sub.subscribers, &subscriber{
		strategyID: strategyID,
		timeframe:  timeframe,
		agg:        newAggregator(timeframe),
	})
	return nil
}

// Unsubscribe removes a strategy's subscription. The last subscriber going
// away releases the broker subscription.
func (r *Router) Unsubscribe(strategyID, instrument string) {
	sub, ok := r.subs[instrument]
	if !ok {
		return
	}
	kept := sub.subscribers[:0]
	for _, s := range sub.subscribers {
		if s.strategyID != strategyID {
			kept = append(kept, s)
		}
	}
	sub.subscribers = kept
	if len(sub.subscribers) == 0 {
		delete(r.subs, instrument)
		r.adapter.RequestUnsubscribe(instrument)
		r.logger.Info("Instrument released", "instrument", instrument)
	}
}

// Replay seeds the aggregators from the persisted closed-bar log so the
// next live bar continues after the last recovered window.
func (r *Router) Replay(strategyID, instrument string, bars []core.Bar) {
	sub, ok := r.subs[instrument]
	if !ok || len(bars) == 0 {
		return
	}
	last := bars[len(bars)-1]
	for _, s := range sub.subscribers {
		if s.strategyID == strategyID {
			s.agg.replay(last)
		}
	}
}

// HandleMarketData routes one broker-native bar: it refreshes the staleness
// clock, fires the restore hook when recovering from a stall, and fans the
// aggregated bars out to every subscriber.
func (r *Router) HandleMarketData(ev broker.MarketDataEvent, now time.Time) {
	sub, ok := r.subs[ev.Instrument]
	if !ok {
		return
	}
	sub.lastSeen = now

	if sub.stale || sub.abandoned {
		sub.stale = false
		sub.resubFailures = 0
		sub.abandoned = false
		for _, s := range sub.subscribers {
			r.sink.OnMarketDataRestore(s.strategyID, ev.Instrument)
		}
		r.logger.Info("Market data restored", "instrument", ev.Instrument)
	}

	for _, s := range sub.subscribers {
		for _, bar := range s.agg.push(ev.Bar) {
			if r.metrics != nil && bar.Closed {
				r.metrics.BarsTotal.WithLabelValues(ev.Instrument).Inc()
			}
			r.sink.OnBar(s.strategyID, ev.Instrument, bar)
		}
	}
}

// HandleSubscribeAck processes the broker's answer to a subscribe request.
// Failed resubscriptions count toward the give-up threshold.
func (r *Router) HandleSubscribeAck(ev broker.SubscribeAckEvent, now time.Time) {
	sub, ok := r.subs[ev.Instrument]
	if !ok {
		return
	}
	if ev.OK {
		sub.resubFailures = 0
		return
	}

	sub.resubFailures++
	r.logger.Warn("Subscribe failed",
		"instrument", ev.Instrument,
		"code", ev.Code.String(),
		"failures", sub.resubFailures)
	if sub.resubFailures >= maxResubFailures && !sub.abandoned {
		sub.abandoned = true
		for _, s := range sub.subscribers {
			r.sink.OnMarketDataError(s.strategyID, ev.Instrument, core.ErrInvalidInstrument)
		}
		r.logger.Error("Giving up on instrument after repeated subscribe failures", "instrument", ev.Instrument)
	}
}

// CheckStaleness fires the market-data-error hook and a resubscribe for
// every instrument that has been silent longer than its staleness window
// (5 broker bars, floored at one minute). The error hook fires once per
// stall; resubscribe attempts repeat each window until data resumes or the
// failure threshold abandons the instrument.
func (r *Router) CheckStaleness(now time.Time) {
	for instrument, sub := range r.subs {
		if sub.abandoned {
			continue
		}
		window := sub.staleness(r.brokerTF)
		if now.Sub(sub.lastSeen) < window {
			continue
		}
		if !sub.stale {
			sub.stale = true
			sub.nextProbe = now
			for _, s := range sub.subscribers {
				r.sink.OnMarketDataError(s.strategyID, instrument, core.ErrNetwork)
			}
			r.logger.Warn("Market data stale", "instrument", instrument, "silent_for", now.Sub(sub.lastSeen).String())
		}
		if !now.Before(sub.nextProbe) {
			sub.nextProbe = now.Add(window)
			r.adapter.RequestSubscribe(instrument, r.brokerTF)
		}
	}
}

// Instruments lists the currently subscribed instruments.
func (r *Router) Instruments() []string {
	out := make([]string, 0, len(r.subs))
	for instrument := range r.subs {
		out = append(out, instrument)
	}
	return out
}
