package engine

import (
	"context"
	"time"

	"maotrade/internal/alert"
	"maotrade/internal/broker"
	"maotrade/internal/core"
	"maotrade/internal/order"

	"github.com/shopspring/decimal"
)

func (e *Engine) handleEvent(ctx context.Context, ev broker.Event, now time.Time) {
	switch event := ev.(type) {
	case broker.ConnectedEvent:
		e.logger.Info("Broker channel connected", "channel", event.Channel.String())

	case broker.DisconnectedEvent:
		if event.Code == broker.DisconnectRetriesExhausted {
			e.alerts.Fire(alert.LevelCritical, "broker",
				"channel %s failed permanently after retry cap", event.Channel)
		} else {
			e.alerts.Fire(alert.LevelWarning, "broker",
				"channel %s dropped, reconnecting", event.Channel)
		}

	case broker.AccountInfoEvent:
		e.account = event.Info
		if event.Info.Status != core.AccountEnabled {
			e.alerts.Fire(alert.LevelError, "broker",
				"account %s is not enabled (status %d)", event.Info.AccountID, event.Info.Status)
		}

	case broker.PortfolioEvent:
		e.portfolio = event.Portfolio.Clone()

	case broker.OpenDealsEvent:
		e.reconcile(ctx, event.Deals, now)

	case broker.SubscribeAckEvent:
		e.router.HandleSubscribeAck(event, now)
		if reason, auth := authFailure(ev); auth {
			e.fatalAuth(ctx, reason)
		}

	case broker.MarketDataEvent:
		e.router.HandleMarketData(event, now)

	case broker.OrderAcceptedEvent, broker.OrderRejectedEvent, broker.OrderFilledEvent,
		broker.OrderCancelledEvent, broker.OrderErrorEvent:
		if e.frozen {
			// The tracker must not transition while the store is down; the
			// broker keeps its own truth and reconciliation catches up.
			e.logger.Error("Dropping order event while store unhealthy", "kind", ev.Kind())
			return
		}
		if err := e.tracker.HandleBrokerEvent(ctx, ev, now); err != nil {
			e.logger.Error("Order event failed", "kind", ev.Kind(), "error", err)
		}
		if reason, auth := authFailure(ev); auth {
			e.fatalAuth(ctx, reason)
		}
	}
}

// authFailure reports whether a broker event carries an AUTH error code.
// Credentials do not come back on their own, so any such event is fatal
// for the session.
func authFailure(ev broker.Event) (string, bool) {
	switch e := ev.(type) {
	case broker.OrderRejectedEvent:
		if e.Code == core.ErrAuth {
			return "order " + e.OrderID + " rejected: " + e.Reason, true
		}
	case broker.OrderErrorEvent:
		if e.Code == core.ErrAuth {
			return "order " + e.OrderID + " errored: " + e.Reason, true
		}
	case broker.SubscribeAckEvent:
		if !e.OK && e.Code == core.ErrAuth {
			return "subscribe " + e.Instrument + " refused", true
		}
	}
	return "", false
}

// fatalAuth halts trading after the broker reports an authentication
// failure mid-session: the session moves to ERROR and the loop idles,
// still serving events and client commands.
func (e *Engine) fatalAuth(ctx context.Context, reason string) {
	if e.authFailed {
		return
	}
	e.authFailed = true
	e.alerts.Fire(alert.LevelCritical, "trade_manager",
		"broker authentication failed, trading halted: %s", reason)
	if e.session != nil && e.session.Status == core.SessionOpen {
		e.session.Status = core.SessionError
		e.session.Phase = core.PhaseClosed
		if err := e.db.PutSession(ctx, e.session); err != nil {
			e.logger.Error("Session error write failed", "error", err)
		}
	}
}

// reconcile settles orders the engine lost track of across a restart
// against the broker's open deals. A deal matching by reference, or by
// instrument, side and quantity for orders that never learned their
// reference, moves the order forward; no match means the submit was lost.
func (e *Engine) reconcile(ctx context.Context, deals []broker.Deal, now time.Time) {
	claimed := make(map[int]bool)
	for _, id := range e.tracker.PendingReconciliation() {
		o := e.tracker.Get(id)
		if o == nil {
			continue
		}
		matched := -1
		for i, d := range deals {
			if claimed[i] {
				continue
			}
			if o.DealReference != "" && d.Reference == o.DealReference {
				matched = i
				break
			}
			if o.DealReference == "" && d.Instrument == o.Instrument &&
				d.Side == o.Side && d.Qty.Equal(o.Quantity) {
				matched = i
				break
			}
		}
		if matched >= 0 {
			claimed[matched] = true
			if err := e.tracker.ResolveRecovered(ctx, id, true, deals[matched].Reference, now); err != nil {
				e.logger.Error("Reconciliation failed", "order_id", id, "error", err)
			} else {
				e.logger.Info("Order reconciled against broker",
					"order_id", id, "deal_ref", deals[matched].Reference)
			}
			continue
		}
		if err := e.tracker.ResolveRecovered(ctx, id, false, "", now); err != nil {
			e.logger.Error("Reconciliation failed", "order_id", id, "error", err)
			continue
		}
		e.alerts.Fire(alert.LevelError, "order_tracker",
			"order %s has no broker record after restart, marked in error", id)
	}
}

// OnBar implements marketdata.Sink: persist closed bars, hand the bar to
// the owning strategy and translate its decision.
func (e *Engine) OnBar(strategyID, instrument string, bar core.Bar) {
	ctx := context.Background()
	now := e.clock()
	inst := e.strategies.Get(strategyID)
	if inst == nil {
		return
	}

	if bar.Closed && e.session != nil {
		if err := e.db.AppendBar(ctx, e.session.Day, instrument, int64(inst.Timeframe), bar); err != nil {
			e.logger.Error("Bar log append failed", "instrument", instrument, "error", err)
		}
	}

	d := e.strategies.ProcessBar(ctx, strategyID, bar, e.portfolio, now)
	e.dispatchDecision(ctx, strategyID, instrument, d, core.AuthorSystem, now)
}

// OnMarketDataError implements marketdata.Sink.
func (e *Engine) OnMarketDataError(strategyID, instrument string, code core.ErrorCode) {
	now := e.clock()
	e.strategies.OnMarketDataError(context.Background(), strategyID, code, e.portfolio, now)
	if code == core.ErrInvalidInstrument {
		e.alerts.Fire(alert.LevelError, "marketdata_router",
			"instrument %s abandoned after repeated subscribe failures, strategy %s blocked", instrument, strategyID)
	} else {
		e.alerts.Fire(alert.LevelWarning, "marketdata_router",
			"market data stale for %s", instrument)
	}
}

// OnMarketDataRestore implements marketdata.Sink.
func (e *Engine) OnMarketDataRestore(strategyID, instrument string) {
	now := e.clock()
	e.strategies.OnMarketDataRestore(context.Background(), strategyID, e.portfolio, now)
	e.alerts.Fire(alert.LevelInfo, "marketdata_router", "market data restored for %s", instrument)
}

// onOrderTransition is the tracker's notify hook: fan out to the strategy
// hooks, fire any on-filled follow-up leg and push the order to listeners.
func (e *Engine) onOrderTransition(n order.Notification) {
	ctx := context.Background()
	now := e.clock()

	e.strategies.OnOrderTransition(ctx, n.Order, n.To, n.Fill, n.Code, n.Reason, e.portfolio, now)

	if n.To == core.OrderFilled {
		// The broker is authoritative for positions; pull a fresh snapshot.
		e.lastPortfolioReq = time.Time{}
		if n.Order.OnFilled != nil {
			e.dispatchDecision(ctx, n.Order.StrategyID, n.Order.Instrument, *n.Order.OnFilled, n.Order.Author, now)
		}
	}
	e.notifyListeners(Notification{Kind: "order", Order: n.Order})
}

// pendingAction is a decision the engine could not act on yet: the
// strategy had an order in flight, the store was frozen, or a submit
// timed out inside its retry window.
type pendingAction struct {
	strategyID string
	instrument string
	decision   core.Decision
	author     core.OrderAuthor
	expiresAt  time.Time
	nextTry    time.Time
}

// dispatchDecision applies a decision immediately when possible and
// parks it for retry otherwise. A newer decision for the same strategy
// and instrument replaces a parked one.
func (e *Engine) dispatchDecision(ctx context.Context, strategyID, instrument string, d core.Decision, author core.OrderAuthor, now time.Time) {
	if !e.applyDecision(ctx, strategyID, instrument, d, author, now) {
		return
	}
	wait := time.Duration(e.cfg.Timing.OrderSubmitRetryWait) * time.Second
	e.pending[strategyID+"|"+instrument] = &pendingAction{
		strategyID: strategyID,
		instrument: instrument,
		decision:   d,
		author:     author,
		expiresAt:  now.Add(time.Duration(e.cfg.Timing.ActionTimeout) * time.Second),
		nextTry:    now.Add(wait),
	}
	e.logger.Info("Action deferred", "strategy", strategyID, "action", d.Action.String())
}

// parkSubmitRetry re-arms the decision behind a timed-out submit so it
// is tried again, paced by the retry wait, until the submit window runs
// out.
func (e *Engine) parkSubmitRetry(o *core.Order, now time.Time) {
	window := time.Duration(e.cfg.Timing.MaxOrderSubmitTime) * time.Second
	if !now.Before(o.CreatedAt.Add(window)) {
		return
	}
	e.pending[o.StrategyID+"|"+o.Instrument] = &pendingAction{
		strategyID: o.StrategyID,
		instrument: o.Instrument,
		decision:   decisionFromOrder(o),
		author:     o.Author,
		expiresAt:  o.CreatedAt.Add(window),
		nextTry:    now.Add(time.Duration(e.cfg.Timing.OrderSubmitRetryWait) * time.Second),
	}
	e.logger.Warn("Submit will be retried", "order_id", o.ID, "strategy", o.StrategyID)
}

// retryPending replays parked decisions whose pacing delay has elapsed
// and drops the ones past their deadline.
func (e *Engine) retryPending(ctx context.Context, now time.Time) {
	for key, pa := range e.pending {
		if now.After(pa.expiresAt) {
			delete(e.pending, key)
			e.logger.Warn("Deferred action expired",
				"strategy", pa.strategyID, "action", pa.decision.Action.String())
			continue
		}
		if now.Before(pa.nextTry) {
			continue
		}
		if e.applyDecision(ctx, pa.strategyID, pa.instrument, pa.decision, pa.author, now) {
			pa.nextTry = now.Add(time.Duration(e.cfg.Timing.OrderSubmitRetryWait) * time.Second)
			continue
		}
		delete(e.pending, key)
	}
}

// decisionFromOrder rebuilds the decision a timed-out order was placed
// for, so the retry goes through the same gating as the original.
func decisionFromOrder(o *core.Order) core.Decision {
	qty, _ := o.Quantity.Float64()
	stop, _ := o.StopPrice.Float64()
	d := core.Decision{Action: o.Action, Qty: qty, Stop: stop, Complete: o.CompleteOnFill}
	if o.OnFilled != nil {
		d.Qty, d.Stop, d.Complete = o.OnFilled.Qty, o.OnFilled.Stop, o.OnFilled.Complete
	}
	return d
}

// applyDecision translates a strategy action into orders. Informational
// actions never produce an order; they surface in the instance state
// only. It reports whether the decision was deferred and should be
// retried later.
func (e *Engine) applyDecision(ctx context.Context, strategyID, instrument string, d core.Decision, author core.OrderAuthor, now time.Time) bool {
	if d.Action == core.NoAction {
		return false
	}
	if !d.Action.Tradeable() {
		e.logger.Info("Strategy flag", "strategy", strategyID, "action", d.Action.String())
		return false
	}
	if !e.cfg.App.TradingEnable {
		e.logger.Warn("Trading disabled, action suppressed",
			"strategy", strategyID, "action", d.Action.String())
		return false
	}
	if e.quitting || !e.sessionOpen() {
		e.logger.Warn("Action refused",
			"strategy", strategyID,
			"action", d.Action.String(),
			"quitting", e.quitting)
		return false
	}
	if e.frozen {
		e.logger.Warn("Action deferred while store unhealthy",
			"strategy", strategyID, "action", d.Action.String())
		return true
	}
	if e.adapter.ConnState(broker.ChannelAPI) != broker.ConnConnected {
		e.logger.Warn("Action deferred, broker api channel down",
			"strategy", strategyID, "action", d.Action.String())
		return true
	}
	if e.tracker.OpenFor(strategyID) {
		e.logger.Warn("Action deferred, strategy has an in-flight order",
			"strategy", strategyID, "action", d.Action.String())
		return true
	}

	pos, _ := e.portfolio.QtyOf(instrument).Float64()

	switch d.Action {
	case core.ActionBuy:
		e.placeOrder(ctx, strategyID, instrument, placement{
			action: d.Action, side: core.SideBuy, qty: d.Qty, stop: d.Stop,
			author: author, complete: d.Complete,
		}, now)

	case core.ActionSell:
		e.placeOrder(ctx, strategyID, instrument, placement{
			action: d.Action, side: core.SideSell, qty: d.Qty, stop: d.Stop,
			author: author, complete: d.Complete,
		}, now)

	case core.ActionFlat:
		if pos == 0 {
			return false
		}
		side := core.SideSell
		if pos < 0 {
			side = core.SideBuy
			pos = -pos
		}
		e.placeOrder(ctx, strategyID, instrument, placement{
			action: d.Action, side: side, qty: pos,
			author: author, close: true, complete: d.Complete,
		}, now)

	case core.ActionBuySell:
		// Reversal: close the current position first, then open the
		// opposite leg once the close fills.
		if pos == 0 {
			e.placeOrder(ctx, strategyID, instrument, placement{
				action: d.Action, side: core.SideBuy, qty: d.Qty, stop: d.Stop,
				author: author, complete: d.Complete,
			}, now)
			return false
		}
		closeSide, openAction := core.SideSell, core.ActionSell
		qty := pos
		if pos < 0 {
			closeSide, openAction = core.SideBuy, core.ActionBuy
			qty = -pos
		}
		followUp := &core.Decision{Action: openAction, Qty: d.Qty, Stop: d.Stop, Complete: d.Complete}
		e.placeOrder(ctx, strategyID, instrument, placement{
			action: d.Action, side: closeSide, qty: qty,
			author: author, close: true, onFilled: followUp,
		}, now)

	case core.ActionStopReq:
		if pos == 0 {
			return false
		}
		side := core.SideSell
		if pos < 0 {
			side = core.SideBuy
			pos = -pos
		}
		e.placeStopUpdate(ctx, strategyID, instrument, side, pos, d.Stop, author, now)
	}
	return false
}

// placement is the order draft derived from a decision.
type placement struct {
	action   core.Action
	side     core.OrderSide
	qty      float64
	stop     float64
	author   core.OrderAuthor
	close    bool
	complete bool
	onFilled *core.Decision
}

func (e *Engine) placeOrder(ctx context.Context, strategyID, instrument string, d placement, now time.Time) {
	draft := core.Order{
		Instrument:     instrument,
		Action:         d.action,
		Side:           d.side,
		Close:          d.close,
		Quantity:       decimal.NewFromFloat(d.qty),
		Author:         d.author,
		StrategyID:     strategyID,
		OnFilled:       d.onFilled,
		CompleteOnFill: d.complete,
	}
	if d.stop > 0 {
		draft.StopPrice = decimal.NewFromFloat(d.stop)
	}

	id, err := e.tracker.Create(ctx, draft, now)
	if err != nil {
		e.alerts.Fire(alert.LevelError, "trade_manager", "order creation failed: %v", err)
		return
	}
	o, err := e.tracker.Submit(ctx, id, now)
	if err != nil {
		e.logger.Error("Order submit failed", "order_id", id, "error", err)
		return
	}
	if d.close {
		e.adapter.RequestClose(o)
	} else {
		e.adapter.RequestOpen(o)
	}
}

func (e *Engine) placeStopUpdate(ctx context.Context, strategyID, instrument string, side core.OrderSide, qty, stop float64, author core.OrderAuthor, now time.Time) {
	draft := core.Order{
		Instrument: instrument,
		Action:     core.ActionStopReq,
		Side:       side,
		Quantity:   decimal.NewFromFloat(qty),
		StopPrice:  decimal.NewFromFloat(stop),
		Author:     author,
		StrategyID: strategyID,
	}
	id, err := e.tracker.Create(ctx, draft, now)
	if err != nil {
		e.alerts.Fire(alert.LevelError, "trade_manager", "stop update creation failed: %v", err)
		return
	}
	o, err := e.tracker.Submit(ctx, id, now)
	if err != nil {
		e.logger.Error("Stop update submit failed", "order_id", id, "error", err)
		return
	}
	e.adapter.RequestStop(o)
}
