// Package sma implements a moving-average crossover strategy: long when
// the fast average is above the slow one, flat on the cross back down.
package sma

import (
	"fmt"

	"maotrade/internal/core"
	"maotrade/internal/strategy"

	talib "github.com/markcheno/go-talib"
)

const (
	keyCloses  = "closes"
	keyLastBar = "last_bar"

	defaultQty     = 100.0
	defaultStopPct = 2.0
)

func init() {
	strategy.Register("sma_cross", func() strategy.Strategy { return &SMA{} })
}

// SMA is the crossover strategy. Parameters: fast and slow (periods,
// required, fast < slow), qty (order size, default 100), stop_percent
// (protective stop distance below the entry close, default 2).
type SMA struct {
	strategy.Base

	fast    int
	slow    int
	qty     float64
	stopPct float64
}

func (s *SMA) Validate(ctx *strategy.Context) error {
	if !ctx.Params.Has("fast") || !ctx.Params.Has("slow") {
		return fmt.Errorf("parameters fast and slow are required")
	}
	fast, slow := ctx.Params.Int("fast", 0), ctx.Params.Int("slow", 0)
	if fast <= 0 || slow <= 0 || fast >= slow {
		return fmt.Errorf("need 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	if ctx.Params.Float("stop_percent", defaultStopPct) < 0 {
		return fmt.Errorf("stop_percent must not be negative")
	}
	return nil
}

func (s *SMA) Initialize(ctx *strategy.Context, firstInit bool) error {
	s.fast = ctx.Params.Int("fast", 0)
	s.slow = ctx.Params.Int("slow", 0)
	s.qty = ctx.Params.Float("qty", defaultQty)
	s.stopPct = ctx.Params.Float("stop_percent", defaultStopPct)

	if firstInit {
		if err := ctx.State.Set(keyCloses, []float64{}); err != nil {
			return err
		}
		if err := ctx.State.Set(keyLastBar, int64(-1)); err != nil {
			return err
		}
	}
	return nil
}

// warmup is the number of closed bars required before the first
// evaluation; it keeps the averages clear of their startup transient.
func (s *SMA) warmup() int { return 2 * s.slow }

func (s *SMA) Process(ctx *strategy.Context, bar core.Bar) core.Decision {
	if !bar.Closed {
		return core.Decision{Action: core.NoAction}
	}
	closes, err := s.appendClose(ctx, bar)
	if err != nil {
		ctx.Logger.Error("Close history update failed", "error", err)
		return core.Decision{Action: core.NoAction}
	}
	return s.evaluate(ctx, closes, bar.Close)
}

func (s *SMA) evaluate(ctx *strategy.Context, closes []float64, lastClose float64) core.Decision {
	if len(closes) < s.warmup() {
		return core.Decision{Action: core.NoAction}
	}

	fastMA := talib.Sma(closes, s.fast)
	slowMA := talib.Sma(closes, s.slow)
	fast, slow := fastMA[len(fastMA)-1], slowMA[len(slowMA)-1]
	position := ctx.PositionQty()

	switch {
	case fast > slow && position == 0:
		stop := lastClose * (1 - s.stopPct/100)
		ctx.State.Log(ctx.Now, "INFO", fmt.Sprintf("golden cross: fast=%.4f slow=%.4f, buying %.0f stop %.4f", fast, slow, s.qty, stop))
		return core.Decision{Action: core.ActionBuy, Qty: s.qty, Stop: stop}
	case fast < slow && position > 0:
		ctx.State.Log(ctx.Now, "INFO", fmt.Sprintf("death cross: fast=%.4f slow=%.4f, flattening", fast, slow))
		return core.Decision{Action: core.ActionFlat}
	default:
		return core.Decision{Action: core.NoAction}
	}
}

func (s *SMA) appendClose(ctx *strategy.Context, bar core.Bar) ([]float64, error) {
	var lastBar int64
	if _, err := ctx.State.Get(keyLastBar, &lastBar); err != nil {
		return nil, err
	}
	var closes []float64
	if _, err := ctx.State.Get(keyCloses, &closes); err != nil {
		return nil, err
	}
	// Duplicates and replays of already-consumed bars are ignored.
	if lastBar >= 0 && bar.Time <= lastBar {
		return closes, nil
	}

	closes = append(closes, bar.Close)
	// The history only needs to cover the warmup plus the slow window.
	if max := 4 * s.slow; len(closes) > max {
		closes = closes[len(closes)-max:]
	}
	if err := ctx.State.Set(keyCloses, closes); err != nil {
		return nil, err
	}
	if err := ctx.State.Set(keyLastBar, bar.Time); err != nil {
		return nil, err
	}
	return closes, nil
}

// Resume folds any closed bars missing from the persisted history back in.
// The averages themselves are recomputed from the close history, so no
// other state needs rebuilding.
func (s *SMA) Resume(ctx *strategy.Context, bars []core.Bar) error {
	for _, bar := range bars {
		if !bar.Closed {
			continue
		}
		if _, err := s.appendClose(ctx, bar); err != nil {
			return err
		}
	}
	ctx.State.Log(ctx.Now, "INFO", fmt.Sprintf("resumed with %d bars of history", len(bars)))
	return nil
}

func (s *SMA) OnOrderFilled(ctx *strategy.Context, o *core.Order, fill core.Fill) {
	ctx.State.Log(ctx.Now, "INFO", fmt.Sprintf("order %s filled %s @ %s", o.ID, fill.Qty, fill.Price))
}

func (s *SMA) OnOrderError(ctx *strategy.Context, o *core.Order, code core.ErrorCode, reason string) {
	ctx.State.Log(ctx.Now, "ERROR", fmt.Sprintf("order %s failed: %s %s", o.ID, code, reason))
}

func (s *SMA) OnMarketDataError(ctx *strategy.Context, code core.ErrorCode) {
	ctx.State.Log(ctx.Now, "WARNING", fmt.Sprintf("market data stalled: %s", code))
}

func (s *SMA) OnMarketDataRestore(ctx *strategy.Context) {
	ctx.State.Log(ctx.Now, "INFO", "market data restored")
}
