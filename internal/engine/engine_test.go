package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"maotrade/internal/alert"
	"maotrade/internal/broker"
	"maotrade/internal/broker/paper"
	"maotrade/internal/config"
	"maotrade/internal/core"
	"maotrade/internal/health"
	"maotrade/internal/store"
	_ "maotrade/internal/strategy/sma"
	"maotrade/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	engine *Engine
	paper  *paper.Paper
	db     store.IStore
	now    time.Time
}

func (r *testRig) advance(d time.Duration) {
	r.now = r.now.Add(d)
}

func (r *testRig) iterate(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		r.engine.Iterate(context.Background())
	}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.App.AccountID = "ACC1"
	cfg.App.TradeStart = "00:00"
	cfg.App.TradeEnd = "23:59"
	cfg.Database.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Strategies = []config.StrategyConfig{{
		ID:              "sma-1",
		Name:            "sma_cross",
		Instrument:      "FIB",
		Timeframe:       60,
		BrokerTimeframe: 60,
		Params:          map[string]interface{}{"fast": 2, "slow": 3},
	}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newRig(t *testing.T, cfg *config.Config) *testRig {
	t.Helper()
	logger := logging.NewNop()
	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	require.NoError(t, err)

	pb := paper.New(logger)
	e, err := New(cfg, db, pb, alert.NewManager(logger), health.NewManager(logger), nil, logger)
	require.NoError(t, err)

	rig := &testRig{engine: e, paper: pb, db: db, now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	e.clock = func() time.Time { return rig.now }
	return rig
}

// pushClosed pushes n one-minute bars; each bar closes the previous one.
func (r *testRig) pushBars(closes []float64) {
	for i, c := range closes {
		r.paper.PushBar("FIB", core.Bar{
			Time: r.now.Unix() + int64(i)*60,
			Open: c, High: c, Low: c, Close: c, Volume: 1, Closed: true,
		})
	}
}

func TestEngineLiveTickToFilledOrder(t *testing.T) {
	rig := newRig(t, testConfig(t))
	require.NoError(t, rig.engine.Start(context.Background()))

	// First iteration connects the channels and opens the session.
	rig.iterate(t, 2)
	require.True(t, rig.engine.sessionOpen())

	// Warmup is 2*slow = 6 closed bars; the seventh native bar closes the
	// sixth, whose averages cross.
	rig.pushBars([]float64{10, 10, 10, 10, 10, 14, 14})
	rig.iterate(t, 1)

	open := rig.engine.tracker.Open()
	require.Len(t, open, 1, "golden cross must place exactly one order")
	assert.Equal(t, core.SideBuy, open[0].Side)
	assert.True(t, open[0].Quantity.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, core.AuthorSystem, open[0].Author)

	// Next iterations let the paper broker accept and fill.
	rig.iterate(t, 3)
	assert.Empty(t, rig.engine.tracker.Open())

	got := rig.engine.tracker.Get(open[0].ID)
	require.NotNil(t, got)
	assert.Equal(t, core.OrderFilled, got.State)
	assert.NotEmpty(t, got.DealReference)
}

func TestEngineTradingDisabledSuppressesOrders(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.TradingEnable = false
	rig := newRig(t, cfg)
	require.NoError(t, rig.engine.Start(context.Background()))

	rig.iterate(t, 2)
	rig.pushBars([]float64{10, 10, 10, 10, 10, 14, 14})
	rig.iterate(t, 3)

	assert.Empty(t, rig.engine.tracker.Open(), "no orders while trading is disabled")
}

func TestEngineAuthFailureIdles(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.paper.FailAuth()

	require.NoError(t, rig.engine.Start(context.Background()), "auth failure is not a startup error")
	assert.True(t, rig.engine.authFailed)

	rig.iterate(t, 3)
	assert.False(t, rig.engine.sessionOpen(), "no session is opened after an auth failure")
}

func TestEngineOutsideTradingHours(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.TradeStart = "08:00"
	cfg.App.TradeEnd = "09:00"
	rig := newRig(t, cfg)
	rig.now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rig.engine.Start(context.Background()))

	rig.iterate(t, 3)
	assert.False(t, rig.engine.sessionOpen())
}

func TestEngineRecoveryReconcilesAgainstBroker(t *testing.T) {
	cfg := testConfig(t)
	rig := newRig(t, cfg)
	day := "2026-08-24"
	sessionID := day + "|ACC1"
	ctx := context.Background()

	// A previous process generation left the session open and an order in
	// SUBMITTING.
	require.NoError(t, rig.db.PutSession(ctx, &store.Session{
		Day: day, Account: "ACC1", Status: core.SessionOpen, Phase: core.PhaseOpen,
		OpenedAt: rig.now.Add(-time.Hour),
	}))
	require.NoError(t, rig.db.SaveOrder(ctx, sessionID, &core.Order{
		ID: "lost-1", Instrument: "FIB", Side: core.SideBuy,
		Quantity: decimal.NewFromInt(100), State: core.OrderSubmitting,
		StrategyID: "sma-1", CreatedAt: rig.now.Add(-time.Minute),
	}))

	// The broker did accept it before the crash.
	rig.paper.SeedDeal(broker.Deal{
		Reference: "DL-RECOVER", Instrument: "FIB",
		Side: core.SideBuy, Qty: decimal.NewFromInt(100),
	})

	require.NoError(t, rig.engine.Start(ctx))
	require.Len(t, rig.engine.tracker.PendingReconciliation(), 1)

	rig.iterate(t, 2)
	got := rig.engine.tracker.Get("lost-1")
	require.NotNil(t, got)
	assert.Equal(t, core.OrderSubmitted, got.State)
	assert.Equal(t, "DL-RECOVER", got.DealReference)
	assert.Empty(t, rig.engine.tracker.PendingReconciliation())
}

func TestEngineRecoveryErrorsOrphanedOrder(t *testing.T) {
	cfg := testConfig(t)
	rig := newRig(t, cfg)
	day := "2026-08-24"
	sessionID := day + "|ACC1"
	ctx := context.Background()

	require.NoError(t, rig.db.PutSession(ctx, &store.Session{
		Day: day, Account: "ACC1", Status: core.SessionOpen, Phase: core.PhaseOpen,
		OpenedAt: rig.now.Add(-time.Hour),
	}))
	require.NoError(t, rig.db.SaveOrder(ctx, sessionID, &core.Order{
		ID: "lost-2", Instrument: "FIB", Side: core.SideBuy,
		Quantity: decimal.NewFromInt(100), State: core.OrderSubmitting,
		StrategyID: "sma-1", CreatedAt: rig.now.Add(-time.Minute),
	}))

	// No broker record at all.
	require.NoError(t, rig.engine.Start(ctx))
	rig.iterate(t, 2)

	got := rig.engine.tracker.Get("lost-2")
	require.NotNil(t, got)
	assert.Equal(t, core.OrderError, got.State)
}

func TestEngineClientCommandOpensPosition(t *testing.T) {
	rig := newRig(t, testConfig(t))
	require.NoError(t, rig.engine.Start(context.Background()))
	rig.iterate(t, 2)
	require.True(t, rig.engine.sessionOpen())

	var resp map[string]interface{}
	ok := rig.engine.Submit(&Command{
		Service: ServiceTrading,
		OpID:    TradingOpOpen,
		Data:    []byte(`{"instrument":"FIB","side":1,"qty":50}`),
		Reply:   func(r map[string]interface{}) { resp = r },
	})
	require.True(t, ok)

	rig.iterate(t, 1)
	require.Equal(t, "ok", resp["result"])

	open := rig.engine.tracker.Open()
	require.Len(t, open, 1)
	assert.Equal(t, core.AuthorUser, open[0].Author)
	assert.True(t, open[0].Quantity.Equal(decimal.NewFromInt(50)))
}

func TestEngineMetadataCommand(t *testing.T) {
	rig := newRig(t, testConfig(t))
	require.NoError(t, rig.engine.Start(context.Background()))
	rig.iterate(t, 2)

	var resp map[string]interface{}
	rig.engine.Submit(&Command{Service: ServiceMetadata, Reply: func(r map[string]interface{}) { resp = r }})
	rig.iterate(t, 1)

	require.Equal(t, "ok", resp["result"])
	strategies, ok := resp["strategies"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, strategies, 1)
	assert.Equal(t, "sma-1", strategies[0]["id"])
	assert.Equal(t, true, strategies[0]["initialized"])
}

func TestEngineBacktestCommand(t *testing.T) {
	rig := newRig(t, testConfig(t))

	var resp map[string]interface{}
	cmd := &Command{
		Service: ServiceBacktest,
		Data: []byte(`{
			"class": "sma_cross",
			"instrument": "FIB",
			"params": {"fast": 3, "slow": 5},
			"bars": [
				{"frame":0,"close":10,"timeFrameEnd":true},
				{"frame":300,"close":10,"timeFrameEnd":true},
				{"frame":600,"close":10,"timeFrameEnd":true},
				{"frame":900,"close":10,"timeFrameEnd":true},
				{"frame":1200,"close":10,"timeFrameEnd":true},
				{"frame":1500,"close":10,"timeFrameEnd":true},
				{"frame":1800,"close":11,"timeFrameEnd":true},
				{"frame":2100,"close":12,"timeFrameEnd":true},
				{"frame":2400,"close":13,"timeFrameEnd":true},
				{"frame":2700,"close":14,"timeFrameEnd":true}
			]
		}`),
		Reply: func(r map[string]interface{}) { resp = r },
	}
	rig.engine.handleCommand(context.Background(), cmd, rig.now)

	require.Equal(t, "ok", resp["result"])
	trades, ok := resp["trades"].([]backtestTrade)
	require.True(t, ok)
	require.Len(t, trades, 1)
	assert.Equal(t, "ACTION_BUY", trades[0].Action)
	assert.Equal(t, int64(2700), trades[0].Bar)
	assert.InDelta(t, 13.72, trades[0].Stop, 0.0001)
}

func TestEngineDeferredActionRetriesAfterFill(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.paper.HoldFills(true)
	require.NoError(t, rig.engine.Start(context.Background()))
	rig.iterate(t, 2)
	require.True(t, rig.engine.sessionOpen())

	rig.engine.Submit(&Command{
		Service: ServiceTrading,
		OpID:    TradingOpOpen,
		Data:    []byte(`{"instrument":"FIB","side":1,"qty":50}`),
	})
	// Order is placed, then accepted on the next tick and held unfilled.
	rig.iterate(t, 2)
	open := rig.engine.tracker.Open()
	require.Len(t, open, 1)
	first := open[0].ID

	// A second action for the same strategy is deferred, not dropped.
	rig.engine.Submit(&Command{
		Service: ServiceTrading,
		OpID:    TradingOpOpen,
		Data:    []byte(`{"instrument":"FIB","side":1,"qty":30}`),
	})
	rig.iterate(t, 1)
	require.Len(t, rig.engine.pending, 1)
	require.Len(t, rig.engine.tracker.Open(), 1)

	// Once the first order fills and the retry pacing elapses, the deferred
	// action goes through.
	rig.paper.HoldFills(false)
	rig.advance(31 * time.Second)
	rig.iterate(t, 1)
	assert.Empty(t, rig.engine.pending)

	got := rig.engine.tracker.Get(first)
	require.NotNil(t, got)
	assert.Equal(t, core.OrderFilled, got.State)

	open = rig.engine.tracker.Open()
	require.Len(t, open, 1)
	assert.True(t, open[0].Quantity.Equal(decimal.NewFromInt(30)))
}

func TestEngineDeferredActionExpires(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.paper.HoldFills(true)
	require.NoError(t, rig.engine.Start(context.Background()))
	rig.iterate(t, 2)

	rig.engine.Submit(&Command{
		Service: ServiceTrading,
		OpID:    TradingOpOpen,
		Data:    []byte(`{"instrument":"FIB","side":1,"qty":50}`),
	})
	rig.iterate(t, 2)
	rig.engine.Submit(&Command{
		Service: ServiceTrading,
		OpID:    TradingOpOpen,
		Data:    []byte(`{"instrument":"FIB","side":1,"qty":30}`),
	})
	rig.iterate(t, 1)
	require.Len(t, rig.engine.pending, 1)

	// Past the action timeout the deferred decision is dropped for good.
	rig.advance(601 * time.Second)
	rig.iterate(t, 1)
	assert.Empty(t, rig.engine.pending)

	rig.paper.HoldFills(false)
	rig.iterate(t, 2)
	assert.Empty(t, rig.engine.tracker.Open(), "expired action must not place an order")
}

func TestEngineDefersActionsWhileAPIDown(t *testing.T) {
	rig := newRig(t, testConfig(t))
	require.NoError(t, rig.engine.Start(context.Background()))
	rig.iterate(t, 2)
	require.True(t, rig.engine.sessionOpen())

	rig.paper.CutAPI(true)
	rig.iterate(t, 1)
	require.NotEqual(t, broker.ConnConnected, rig.paper.ConnState(broker.ChannelAPI))

	rig.engine.Submit(&Command{
		Service: ServiceTrading,
		OpID:    TradingOpOpen,
		Data:    []byte(`{"instrument":"FIB","side":1,"qty":50}`),
	})
	rig.iterate(t, 1)
	assert.Empty(t, rig.engine.tracker.Open(), "nothing is submitted into a down api channel")
	require.Len(t, rig.engine.pending, 1)
	assert.True(t, rig.engine.sessionOpen(), "an api outage does not close the session")

	// Restore past the backoff delay; the deferred action goes through.
	rig.paper.CutAPI(false)
	rig.advance(31 * time.Second)
	rig.iterate(t, 1)
	require.Len(t, rig.engine.tracker.Open(), 1)
	assert.True(t, rig.engine.tracker.Open()[0].Quantity.Equal(decimal.NewFromInt(50)))
}

func TestEngineMidSessionAuthErrorIsFatal(t *testing.T) {
	rig := newRig(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, rig.engine.Start(ctx))
	rig.iterate(t, 2)
	require.True(t, rig.engine.sessionOpen())

	rig.engine.Submit(&Command{
		Service: ServiceTrading,
		OpID:    TradingOpOpen,
		Data:    []byte(`{"instrument":"FIB","side":1,"qty":50}`),
	})
	rig.iterate(t, 1)
	open := rig.engine.tracker.Open()
	require.Len(t, open, 1)

	// Credentials revoked mid-flight: the broker answers the submit with
	// an AUTH error.
	rig.engine.handleEvent(ctx, broker.OrderRejectedEvent{
		OrderID: open[0].ID, Code: core.ErrAuth, Reason: "credentials revoked",
	}, rig.now)

	assert.True(t, rig.engine.authFailed)
	require.NotNil(t, rig.engine.session)
	assert.Equal(t, core.SessionError, rig.engine.session.Status)

	s, err := rig.db.GetSession(ctx, "2026-08-24", "ACC1")
	require.NoError(t, err)
	assert.Equal(t, core.SessionError, s.Status)

	got := rig.engine.tracker.Get(open[0].ID)
	require.NotNil(t, got)
	assert.Equal(t, core.OrderRejected, got.State)

	// The loop idles: later bars and commands place nothing.
	rig.pushBars([]float64{10, 10, 10, 10, 10, 14, 14})
	rig.iterate(t, 3)
	assert.Empty(t, rig.engine.tracker.Open())
	assert.False(t, rig.engine.sessionOpen())
}

func TestEngineDailyCleanupClosesSession(t *testing.T) {
	rig := newRig(t, testConfig(t))
	require.NoError(t, rig.engine.Start(context.Background()))
	rig.iterate(t, 2)
	require.True(t, rig.engine.sessionOpen())

	rig.engine.cleanupReq <- struct{}{}
	rig.iterate(t, 1)

	assert.False(t, rig.engine.sessionOpen())
	s, err := rig.db.GetSession(context.Background(), "2026-08-24", "ACC1")
	require.NoError(t, err)
	assert.Equal(t, core.SessionClosed, s.Status)
}
