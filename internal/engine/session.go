package engine

import (
	"context"
	"errors"
	"time"

	"maotrade/internal/alert"
	"maotrade/internal/broker"
	"maotrade/internal/core"
	"maotrade/internal/store"
	"maotrade/internal/strategy"
)

func dayOf(now time.Time) string { return now.Format("2006-01-02") }

func (e *Engine) sessionOpen() bool {
	return e.session != nil && e.session.Status == core.SessionOpen
}

// tradingHours reports whether now falls inside the configured window.
func (e *Engine) tradingHours(now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= e.tradeStart.Minutes() && minutes < e.tradeEnd.Minutes()
}

func (e *Engine) phaseFor(now time.Time) core.TradingPhase {
	if e.tradingHours(now) {
		return core.PhaseOpen
	}
	minutes := now.Hour()*60 + now.Minute()
	if minutes < e.tradeStart.Minutes() {
		return core.PhaseToOpen
	}
	return core.PhaseClosed
}

// manageSession opens the day's session on entering trading hours and
// moves it to TO_CLOSE past the end of the window.
func (e *Engine) manageSession(ctx context.Context, now time.Time) {
	if e.adapter.ConnState(broker.ChannelAPI) != broker.ConnConnected {
		return
	}
	inHours := e.tradingHours(now)

	if inHours && !e.sessionOpen() {
		if e.session != nil && e.session.Day == dayOf(now) && e.session.Status != core.SessionPending {
			// Already closed or errored today; stay out.
			return
		}
		e.openSession(ctx, now)
		return
	}

	if !inHours && e.sessionOpen() && e.session.Phase == core.PhaseOpen {
		e.session.Phase = core.PhaseToClose
		if err := e.db.PutSession(ctx, e.session); err != nil {
			e.logger.Error("Session phase write failed", "error", err)
		}
		e.logger.Info("Trading window closed", "day", e.session.Day)
	}
}

// openSession creates the day's session, then validates, initializes and
// subscribes every configured strategy in instance order.
func (e *Engine) openSession(ctx context.Context, now time.Time) {
	s := &store.Session{
		Day:      dayOf(now),
		Account:  e.cfg.App.AccountID,
		Status:   core.SessionOpen,
		Phase:    core.PhaseOpen,
		OpenedAt: now,
	}
	if err := e.db.PutSession(ctx, s); err != nil {
		e.logger.Error("Session open failed", "error", err)
		return
	}
	e.session = s
	e.tracker.BindSession(s.ID())
	e.strategies.BindSession(s.ID())

	e.createInstances()
	for _, inst := range e.strategies.Instances() {
		if err := e.strategies.Startup(ctx, inst, e.portfolio, now, true); err != nil {
			e.alerts.Fire(alert.LevelError, "strategy_framework",
				"strategy %s rejected: %v", inst.ID, err)
			continue
		}
		if err := e.router.Subscribe(inst.ID, inst.Instrument, inst.Timeframe, now); err != nil {
			e.alerts.Fire(alert.LevelError, "marketdata_router",
				"subscribe %s for %s: %v", inst.Instrument, inst.ID, err)
		}
	}
	e.logger.Info("Session opened", "day", s.Day, "strategies", len(e.strategies.Instances()))
}

// createInstances builds instances from configuration, skipping ones that
// already exist (recovery creates them first).
func (e *Engine) createInstances() {
	for _, sc := range e.cfg.Strategies {
		if e.strategies.Get(sc.ID) != nil {
			continue
		}
		_, err := e.strategies.Create(sc.ID, sc.Name, sc.Instrument,
			core.Timeframe(sc.Timeframe), strategy.Params(sc.Params), sc.EvaluatePartial)
		if err != nil {
			e.alerts.Fire(alert.LevelError, "strategy_framework",
				"strategy %s not created: %v", sc.ID, err)
		}
	}
}

// dailyCleanup closes the session, flushes state and prepares the next
// day. Triggered by the cron schedule.
func (e *Engine) dailyCleanup(ctx context.Context, now time.Time) {
	e.logger.Info("Daily cleanup started", "day", dayOf(now))
	if e.session != nil {
		for _, inst := range e.strategies.Instances() {
			e.router.Unsubscribe(inst.ID, inst.Instrument)
		}
		e.session.Status = core.SessionClosed
		e.session.Phase = core.PhaseClosed
		e.session.ClosedAt = now
		if err := e.db.PutSession(ctx, e.session); err != nil {
			e.logger.Error("Session close failed", "error", err)
		}
		// The closed session stays cached so the same day is not reopened.
	}
	e.strategies.CloseDay()
	e.pending = make(map[string]*pendingAction)
	e.logger.Info("Daily cleanup finished")
}

// recover loads today's persisted session and, when it was left OPEN,
// rebuilds the strategy instances, replays the day's bar log and starts
// broker reconciliation for in-flight orders.
func (e *Engine) recover(ctx context.Context) error {
	now := e.clock()
	rc, err := e.db.LoadRecoveryContext(ctx, e.cfg.App.AccountID, dayOf(now))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rc.Session.Status != core.SessionOpen {
		if rc.Session.Status == core.SessionClosed {
			// The day was already cleaned up; remember it so the session is
			// not reopened before the next one.
			e.session = rc.Session
		}
		return nil
	}

	e.session = rc.Session
	e.tracker.BindSession(rc.Session.ID())
	e.strategies.BindSession(rc.Session.ID())
	e.createInstances()
	e.strategies.Rehydrate(rc.States)
	e.tracker.Restore(rc.OpenOrders)

	for _, inst := range e.strategies.Instances() {
		if err := e.strategies.Startup(ctx, inst, e.portfolio, now, false); err != nil {
			e.alerts.Fire(alert.LevelError, "strategy_framework",
				"strategy %s failed re-initialization: %v", inst.ID, err)
			continue
		}
		if err := e.router.Subscribe(inst.ID, inst.Instrument, inst.Timeframe, now); err != nil {
			e.alerts.Fire(alert.LevelError, "marketdata_router",
				"resubscribe %s for %s: %v", inst.Instrument, inst.ID, err)
			continue
		}
		bars := rc.Bars[inst.Instrument]
		e.router.Replay(inst.ID, inst.Instrument, bars)
		if err := e.strategies.Resume(ctx, inst, bars, e.portfolio, now); err != nil {
			e.alerts.Fire(alert.LevelError, "strategy_framework",
				"strategy %s failed resume: %v", inst.ID, err)
		}
	}

	if pending := e.tracker.PendingReconciliation(); len(pending) > 0 {
		e.logger.Warn("Orders pending broker reconciliation", "count", len(pending))
		e.adapter.RequestOpenDeals()
	}
	e.logger.Info("Session recovered",
		"day", rc.Session.Day,
		"strategies", len(rc.States),
		"open_orders", len(rc.OpenOrders))
	return nil
}
