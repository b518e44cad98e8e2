// Package engine implements the Trade Manager: the single-threaded event
// loop that owns the day's session and wires the broker adapter, market
// data router, strategy framework and order tracker together.
package engine

import (
	"context"
	"fmt"
	"time"

	"maotrade/internal/alert"
	"maotrade/internal/broker"
	"maotrade/internal/config"
	"maotrade/internal/core"
	"maotrade/internal/health"
	"maotrade/internal/marketdata"
	"maotrade/internal/order"
	"maotrade/internal/store"
	"maotrade/internal/strategy"
	"maotrade/pkg/telemetry"

	"github.com/robfig/cron/v3"
)

// Engine is the Trade Manager. All session state is owned by the loop
// goroutine; the only concurrent entry points are Submit (client commands)
// and the cron trigger, both of which hand off through channels.
type Engine struct {
	cfg     *config.Config
	logger  core.ILogger
	db      store.IStore
	adapter broker.Adapter
	alerts  *alert.Manager
	checks  *health.Manager
	metrics *telemetry.Metrics

	tracker    *order.Tracker
	strategies *strategy.Framework
	router     *marketdata.Router

	tradeStart config.Clock
	tradeEnd   config.Clock
	cron       *cron.Cron

	clock func() time.Time

	brokerTF core.Timeframe

	session    *store.Session
	portfolio  core.Portfolio
	account    core.AccountInfo
	authFailed bool
	frozen     bool
	quitting   bool

	lastPortfolioReq time.Time
	lastAccountReq   time.Time

	commands   chan *Command
	cleanupReq chan struct{}
	listeners  []func(Notification)

	// pending holds deferred decisions awaiting retry, keyed by
	// strategy and instrument.
	pending map[string]*pendingAction
}

// Notification is pushed to registered listeners (the client channel) on
// order transitions and alerts.
type Notification struct {
	Kind  string       `json:"kind"`
	Order *core.Order  `json:"order,omitempty"`
	Alert *alert.Alert `json:"alert,omitempty"`
}

// New wires an engine from its collaborators. The broker-native timeframe
// is taken from the strategy configuration and must agree across
// strategies.
func New(cfg *config.Config, db store.IStore, adapter broker.Adapter, alerts *alert.Manager, checks *health.Manager, metrics *telemetry.Metrics, logger core.ILogger) (*Engine, error) {
	tradeStart, err := config.ParseClock(cfg.App.TradeStart)
	if err != nil {
		return nil, err
	}
	tradeEnd, err := config.ParseClock(cfg.App.TradeEnd)
	if err != nil {
		return nil, err
	}

	brokerTF := core.Timeframe(60)
	for i, sc := range cfg.Strategies {
		if i == 0 {
			brokerTF = core.Timeframe(sc.BrokerTimeframe)
			continue
		}
		if core.Timeframe(sc.BrokerTimeframe) != brokerTF {
			return nil, fmt.Errorf("strategy %s: broker timeframe %ds differs from %ds", sc.ID, sc.BrokerTimeframe, brokerTF)
		}
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger.WithField("component", "trade_manager"),
		db:         db,
		adapter:    adapter,
		alerts:     alerts,
		checks:     checks,
		metrics:    metrics,
		tradeStart: tradeStart,
		tradeEnd:   tradeEnd,
		clock:      time.Now,
		brokerTF:   brokerTF,
		portfolio:  make(core.Portfolio),
		commands:   make(chan *Command, 64),
		cleanupReq: make(chan struct{}, 1),
		pending:    make(map[string]*pendingAction),
	}

	e.tracker = order.NewTracker(db, logger, metrics, e.onOrderTransition,
		time.Duration(cfg.Timing.SubmitTimeout)*time.Second)
	e.strategies = strategy.NewFramework(db, logger, metrics)
	e.router = marketdata.NewRouter(adapter, brokerTF, e, logger, metrics)

	if alerts != nil {
		alerts.AddSink(func(a alert.Alert) {
			e.notifyListeners(Notification{Kind: "alert", Alert: &a})
		})
	}

	e.cron = cron.New()
	clean, err := config.ParseClock(cfg.App.DailyCleanTime)
	if err != nil {
		return nil, err
	}
	if _, err := e.cron.AddFunc(fmt.Sprintf("%d %d * * *", clean.Minute, clean.Hour), func() {
		select {
		case e.cleanupReq <- struct{}{}:
		default:
		}
	}); err != nil {
		return nil, err
	}

	if checks != nil {
		checks.Register("store", func(context.Context) error {
			if !db.Healthy() {
				return store.ErrUnhealthy
			}
			return nil
		})
		checks.Register("broker_api", func(context.Context) error {
			if s := adapter.ConnState(broker.ChannelAPI); s != broker.ConnConnected {
				return fmt.Errorf("api channel %s", s)
			}
			return nil
		})
	}
	return e, nil
}

// AddListener registers a notification callback. Listeners are invoked on
// the engine goroutine and must not block.
func (e *Engine) AddListener(fn func(Notification)) {
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notifyListeners(n Notification) {
	for _, fn := range e.listeners {
		fn(n)
	}
}

// Start performs broker initialization and crash recovery. An AUTH failure
// leaves the engine idling with no session; any other init error is
// returned to the caller.
func (e *Engine) Start(ctx context.Context) error {
	res, err := e.adapter.Init(ctx)
	if err != nil {
		if broker.CodeOf(err) == core.ErrAuth {
			e.authFailed = true
			e.alerts.Fire(alert.LevelCritical, "trade_manager",
				"broker authentication failed, engine idle: %v", err)
			return nil
		}
		return fmt.Errorf("broker init: %w", err)
	}
	e.account = res.Account
	e.portfolio = res.Portfolio.Clone()

	if err := e.recover(ctx); err != nil {
		return err
	}
	e.cron.Start()
	return nil
}

// Run drives the loop until the context is cancelled, then shuts down
// within the configured deadline.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.Timing.LoopInterval) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Trade manager started",
		"account", e.cfg.App.AccountID,
		"broker", e.adapter.Name(),
		"loop_interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case <-ticker.C:
			e.Iterate(ctx)
		}
	}
}

// Iterate runs one loop pass. Exposed for tests driving a fake clock.
func (e *Engine) Iterate(ctx context.Context) {
	started := time.Now()
	now := e.clock()

	e.adapter.Tick(now)
	if e.metrics != nil {
		e.metrics.ConnState.WithLabelValues("api").Set(float64(e.adapter.ConnState(broker.ChannelAPI)))
		e.metrics.ConnState.WithLabelValues("feed").Set(float64(e.adapter.ConnState(broker.ChannelFeed)))
	}

	e.drainEvents(ctx, now)
	e.drainCommands(ctx, now)
	e.checkStoreHealth()

	if !e.authFailed && !e.quitting {
		e.manageSession(ctx, now)
		// Trading work waits out an API outage; deferred actions and
		// timeout sweeps resume once the channel is back.
		if e.sessionOpen() && e.adapter.ConnState(broker.ChannelAPI) == broker.ConnConnected {
			for _, o := range e.tracker.CheckTimeouts(ctx, now) {
				e.adapter.RequestCancel(o)
				e.alerts.Fire(alert.LevelError, "order_tracker",
					"order %s submit timed out on %s", o.ID, o.Instrument)
				e.parkSubmitRetry(o, now)
			}
			e.retryPending(ctx, now)
			if e.tradingHours(now) {
				e.router.CheckStaleness(now)
			}
			e.periodicRefresh(now)
		}
	}

	select {
	case <-e.cleanupReq:
		e.dailyCleanup(ctx, now)
	default:
	}

	if e.metrics != nil {
		e.metrics.LoopLatency.Observe(time.Since(started).Seconds())
	}
}

func (e *Engine) drainEvents(ctx context.Context, now time.Time) {
	for {
		select {
		case ev := <-e.adapter.Events():
			e.handleEvent(ctx, ev, now)
		default:
			return
		}
	}
}

func (e *Engine) drainCommands(ctx context.Context, now time.Time) {
	for {
		select {
		case cmd := <-e.commands:
			e.handleCommand(ctx, cmd, now)
		default:
			return
		}
	}
}

// checkStoreHealth freezes all order transitions and strategy work while
// the store is reconnecting.
func (e *Engine) checkStoreHealth() {
	healthy := e.db.Healthy()
	if !healthy && !e.frozen {
		e.frozen = true
		e.strategies.SetBlocked(true)
		e.alerts.Fire(alert.LevelCritical, "store", "persistence unhealthy, trading frozen")
	}
	if healthy && e.frozen {
		e.frozen = false
		e.strategies.SetBlocked(false)
		e.alerts.Fire(alert.LevelWarning, "store", "persistence recovered, trading resumed")
	}
}

func (e *Engine) periodicRefresh(now time.Time) {
	if e.adapter.ConnState(broker.ChannelAPI) != broker.ConnConnected {
		return
	}
	if now.Sub(e.lastPortfolioReq) >= time.Duration(e.cfg.Timing.PortfolioRefresh)*time.Second {
		e.lastPortfolioReq = now
		e.adapter.RequestPortfolio()
		if len(e.tracker.PendingReconciliation()) > 0 {
			e.adapter.RequestOpenDeals()
		}
	}
	if now.Sub(e.lastAccountReq) >= time.Duration(e.cfg.Timing.AccountRefresh)*time.Second {
		e.lastAccountReq = now
		e.adapter.RequestAccountInfo()
		if e.checks != nil {
			e.checks.Run(context.Background())
		}
	}
}

// shutdown stops admitting actions and drains the adapter within the
// configured deadline.
func (e *Engine) shutdown() error {
	e.quitting = true
	e.cron.Stop()
	deadline := time.Duration(e.cfg.Timing.ShutdownDeadline) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	e.logger.Info("Trade manager shutting down", "deadline", deadline.String())
	if err := e.adapter.Shutdown(ctx); err != nil {
		e.logger.Error("Adapter shutdown failed", "error", err)
	}
	if e.session != nil && e.session.Status == core.SessionOpen {
		e.session.Phase = core.PhaseToClose
		if err := e.db.PutSession(ctx, e.session); err != nil {
			e.logger.Error("Session flush failed", "error", err)
		}
	}
	return e.db.Close()
}
