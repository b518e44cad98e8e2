package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maotrade/internal/core"
	"maotrade/internal/strategy"

	"github.com/shopspring/decimal"
)

// Client protocol service numbers.
const (
	ServiceLog      = 1
	ServiceTrading  = 2
	ServiceMetadata = 3
	ServiceBacktest = 4
	ServiceActivity = 5
)

// Trading sub-operations of ServiceTrading.
const (
	TradingOpOpen         = 1
	TradingOpClose        = 2
	TradingOpUpdateConfig = 5
	TradingOpValidate     = 8
	TradingOpReset        = 9
)

// Command is one client request handed to the engine loop. Reply is
// invoked exactly once, on the engine goroutine.
type Command struct {
	Service int
	OpID    int
	Data    json.RawMessage
	Reply   func(resp map[string]interface{})
}

// Submit enqueues a command for the next loop iteration. It reports false
// when the inbound queue is full.
func (e *Engine) Submit(cmd *Command) bool {
	select {
	case e.commands <- cmd:
		return true
	default:
		return false
	}
}

func errorResp(format string, args ...interface{}) map[string]interface{} {
	return map[string]interface{}{"result": "error", "message": fmt.Sprintf(format, args...)}
}

func okResp() map[string]interface{} {
	return map[string]interface{}{"result": "ok"}
}

func (e *Engine) handleCommand(ctx context.Context, cmd *Command, now time.Time) {
	var resp map[string]interface{}
	switch cmd.Service {
	case ServiceTrading:
		resp = e.handleTrading(ctx, cmd, now)
	case ServiceMetadata:
		resp = e.handleMetadata()
	case ServiceActivity:
		resp = e.handleActivity()
	case ServiceBacktest:
		resp = e.handleBacktest(cmd)
	default:
		resp = errorResp("unsupported service %d", cmd.Service)
	}
	if cmd.Reply != nil {
		cmd.Reply(resp)
	}
}

type tradingRequest struct {
	StrategyID    string                 `json:"strategyId"`
	Instrument    string                 `json:"instrument"`
	Side          int                    `json:"side"`
	Qty           float64                `json:"qty"`
	Stop          float64                `json:"stop"`
	Class         string                 `json:"class"`
	Params        map[string]interface{} `json:"params"`
	TradingEnable *bool                  `json:"tradingEnable"`
}

func (e *Engine) handleTrading(ctx context.Context, cmd *Command, now time.Time) map[string]interface{} {
	var req tradingRequest
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return errorResp("bad request: %v", err)
		}
	}

	switch cmd.OpID {
	case TradingOpOpen:
		if req.Instrument == "" || req.Qty <= 0 {
			return errorResp("instrument and positive qty are required")
		}
		action := core.ActionBuy
		if req.Side == int(core.SideSell) {
			action = core.ActionSell
		}
		e.dispatchDecision(ctx, req.StrategyID, req.Instrument,
			core.Decision{Action: action, Qty: req.Qty, Stop: req.Stop}, core.AuthorUser, now)
		return okResp()

	case TradingOpClose:
		if req.Instrument == "" {
			return errorResp("instrument is required")
		}
		e.dispatchDecision(ctx, req.StrategyID, req.Instrument,
			core.Decision{Action: core.ActionFlat}, core.AuthorUser, now)
		return okResp()

	case TradingOpUpdateConfig:
		if req.TradingEnable != nil {
			e.cfg.App.TradingEnable = *req.TradingEnable
			e.logger.Warn("Trading enable updated by client", "enabled", *req.TradingEnable)
		}
		return okResp()

	case TradingOpValidate:
		if err := e.validateSignal(req); err != nil {
			return map[string]interface{}{"result": "ok", "valid": false, "message": err.Error()}
		}
		return map[string]interface{}{"result": "ok", "valid": true}

	case TradingOpReset:
		if err := e.strategies.Reset(req.StrategyID); err != nil {
			return errorResp("%v", err)
		}
		return okResp()

	default:
		return errorResp("unsupported trading op %d", cmd.OpID)
	}
}

// validateSignal dry-runs a strategy's Validate against the live
// portfolio without creating an instance.
func (e *Engine) validateSignal(req tradingRequest) error {
	s, err := strategy.NewStrategy(req.Class)
	if err != nil {
		return err
	}
	cctx := &strategy.Context{
		StrategyID: "validate",
		Instrument: req.Instrument,
		Params:     strategy.Params(req.Params),
		State:      strategy.NewState(),
		Portfolio:  e.portfolio.Clone(),
		Logger:     e.logger,
		Now:        e.clock(),
	}
	return s.Validate(cctx)
}

func (e *Engine) handleMetadata() map[string]interface{} {
	instances := make([]map[string]interface{}, 0)
	for _, inst := range e.strategies.Instances() {
		instances = append(instances, map[string]interface{}{
			"id":          inst.ID,
			"class":       inst.Class,
			"instrument":  inst.Instrument,
			"timeframe":   int64(inst.Timeframe),
			"initialized": inst.Initialized(),
			"errored":     inst.Errored(),
			"completed":   inst.Completed(),
			"blocked":     inst.Blocked(),
			"version":     inst.Version(),
			"log":         inst.State().Logs(),
		})
	}
	return map[string]interface{}{
		"result":     "ok",
		"classes":    strategy.Classes(),
		"strategies": instances,
	}
}

func (e *Engine) handleActivity() map[string]interface{} {
	orders := make([]*core.Order, 0)
	orders = append(orders, e.tracker.Open()...)
	resp := map[string]interface{}{
		"result":    "ok",
		"account":   e.account,
		"portfolio": e.portfolio.Clone(),
		"orders":    orders,
	}
	if e.session != nil {
		resp["session"] = e.session
	}
	if e.checks != nil {
		resp["health"] = e.checks.Last()
	}
	return resp
}

type backtestRequest struct {
	Class      string                 `json:"class"`
	Instrument string                 `json:"instrument"`
	Params     map[string]interface{} `json:"params"`
	Bars       []core.Bar             `json:"bars"`
}

type backtestTrade struct {
	Bar    int64   `json:"bar"`
	Action string  `json:"action"`
	Qty    float64 `json:"qty"`
	Stop   float64 `json:"stop,omitempty"`
	Price  float64 `json:"price"`
}

// handleBacktest runs a strategy offline over the supplied bars with a
// simulated position, outside the live framework.
func (e *Engine) handleBacktest(cmd *Command) map[string]interface{} {
	var req backtestRequest
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return errorResp("bad request: %v", err)
	}
	if len(req.Bars) == 0 {
		return errorResp("bars are required")
	}

	trades, err := runBacktest(req, e.logger)
	if err != nil {
		return errorResp("%v", err)
	}
	return map[string]interface{}{"result": "ok", "trades": trades}
}

func runBacktest(req backtestRequest, logger core.ILogger) ([]backtestTrade, error) {
	s, err := strategy.NewStrategy(req.Class)
	if err != nil {
		return nil, err
	}
	instrument := req.Instrument
	if instrument == "" {
		instrument = "BACKTEST"
	}

	pf := core.Portfolio{}
	cctx := &strategy.Context{
		StrategyID: "backtest",
		Instrument: instrument,
		Params:     strategy.Params(req.Params),
		State:      strategy.NewState(),
		Portfolio:  pf,
		Logger:     logger,
	}
	if err := s.Validate(cctx); err != nil {
		return nil, err
	}
	if err := s.Initialize(cctx, true); err != nil {
		return nil, err
	}

	trades := make([]backtestTrade, 0)
	for _, bar := range req.Bars {
		cctx.Now = time.Unix(bar.Time, 0)
		d := s.Process(cctx, bar)
		if d.Action == core.NoAction {
			continue
		}
		trades = append(trades, backtestTrade{
			Bar: bar.Time, Action: d.Action.String(), Qty: d.Qty, Stop: d.Stop, Price: bar.Close,
		})
		applySimulatedFill(pf, instrument, d)
	}
	return trades, nil
}

func applySimulatedFill(pf core.Portfolio, instrument string, d core.Decision) {
	switch d.Action {
	case core.ActionBuy:
		pos := pf[instrument]
		pos.Qty = pos.Qty.Add(decimal.NewFromFloat(d.Qty))
		pf[instrument] = pos
	case core.ActionSell:
		pos := pf[instrument]
		pos.Qty = pos.Qty.Sub(decimal.NewFromFloat(d.Qty))
		pf[instrument] = pos
	case core.ActionFlat, core.ActionBuySell:
		delete(pf, instrument)
	}
}
