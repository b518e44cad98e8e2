// Package paper implements an in-process broker used for dry runs and
// tests. Orders are accepted and filled at the last pushed price; market
// data is injected by the harness (or a replay feed) through PushBar.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maotrade/internal/broker"
	"maotrade/internal/config"
	"maotrade/internal/core"

	"github.com/shopspring/decimal"
)

func init() {
	broker.Register("paper", func(cfg *config.BrokerConfig, logger core.ILogger) (broker.Adapter, error) {
		return New(logger), nil
	})
}

type pendingOrder struct {
	order    core.Order
	close    bool
	accepted bool
}

// Paper is the in-process broker adapter.
type Paper struct {
	logger core.ILogger
	events chan broker.Event

	api  *broker.ConnTracker
	feed *broker.ConnTracker

	mu        sync.Mutex
	subs      map[string]core.Timeframe
	prices    map[string]decimal.Decimal
	portfolio core.Portfolio
	account   core.AccountInfo
	pending   []*pendingOrder
	openDeals []broker.Deal
	dealSeq   int

	authFail  bool
	rejectAll bool
	apiDown   bool
	feedDown  bool
	holdFills bool
}

// New creates a paper broker with an empty portfolio.
func New(logger core.ILogger) *Paper {
	p := &Paper{
		logger:    logger.WithField("component", "broker_paper"),
		events:    make(chan broker.Event, 1024),
		subs:      make(map[string]core.Timeframe),
		prices:    make(map[string]decimal.Decimal),
		portfolio: make(core.Portfolio),
		account: core.AccountInfo{
			AccountID: "PAPER",
			Currency:  "EUR",
			Balance:   decimal.NewFromInt(100000),
			Available: decimal.NewFromInt(100000),
			Status:    core.AccountEnabled,
		},
	}
	emit := p.emit
	p.api = broker.NewConnTracker(broker.ChannelAPI, 10, emit)
	p.feed = broker.NewConnTracker(broker.ChannelFeed, 10, emit)
	return p
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) emit(ev broker.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Error("Event channel full, dropping event", "kind", ev.Kind())
	}
}

// Init reports the synthetic account. With FailAuth set it simulates a
// credential failure, which is fatal for the session.
func (p *Paper) Init(ctx context.Context) (*broker.InitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authFail {
		return nil, &broker.AdapterError{Code: core.ErrAuth, Reason: "invalid credentials"}
	}
	return &broker.InitResult{
		Account:           p.account,
		Portfolio:         p.portfolio.Clone(),
		HistoryTimeframes: []core.Timeframe{60, 300, 3600},
		DataTimeframes:    []core.Timeframe{60, 300},
	}, nil
}

// Tick connects the channels and settles pending orders.
func (p *Paper) Tick(now time.Time) {
	p.mu.Lock()
	apiDown := p.apiDown
	p.mu.Unlock()

	if apiDown {
		p.api.OnLost(now)
	} else if p.api.ShouldAttempt(now) {
		p.api.OnSuccess()
	}
	if p.feed.ShouldAttempt(now) {
		p.feed.OnSuccess()
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	holdFills := p.holdFills
	rejectAll := p.rejectAll
	p.mu.Unlock()

	for _, po := range pending {
		if rejectAll {
			p.emit(broker.OrderRejectedEvent{OrderID: po.order.ID, Code: core.ErrBroker, Reason: "rejected by paper broker"})
			continue
		}
		if !po.accepted {
			po.accepted = true
			p.mu.Lock()
			p.dealSeq++
			ref := fmt.Sprintf("PAPER-%06d", p.dealSeq)
			po.order.DealReference = ref
			p.mu.Unlock()
			p.emit(broker.OrderAcceptedEvent{OrderID: po.order.ID, DealReference: ref, Time: now})
		}
		if holdFills {
			p.mu.Lock()
			p.pending = append(p.pending, po)
			p.mu.Unlock()
			continue
		}
		p.fill(po, now)
	}
}

func (p *Paper) fill(po *pendingOrder, now time.Time) {
	p.mu.Lock()
	price, ok := p.prices[po.order.Instrument]
	if !ok {
		price = decimal.NewFromInt(100)
	}
	qty := po.order.Quantity
	signed := qty
	if po.order.Side == core.SideSell {
		signed = qty.Neg()
	}
	pos := p.portfolio[po.order.Instrument]
	pos.Qty = pos.Qty.Add(signed)
	if pos.Qty.IsZero() {
		delete(p.portfolio, po.order.Instrument)
	} else {
		pos.AvgPrice = price
		p.portfolio[po.order.Instrument] = pos
	}
	p.mu.Unlock()

	p.emit(broker.OrderFilledEvent{
		OrderID:  po.order.ID,
		Fill:     core.Fill{Qty: qty, Price: price, Time: now},
		Complete: true,
	})
}

func (p *Paper) RequestAccountInfo() {
	p.mu.Lock()
	info := p.account
	p.mu.Unlock()
	p.emit(broker.AccountInfoEvent{Info: info})
}

func (p *Paper) RequestPortfolio() {
	p.mu.Lock()
	pf := p.portfolio.Clone()
	p.mu.Unlock()
	p.emit(broker.PortfolioEvent{Portfolio: pf})
}

func (p *Paper) RequestSubscribe(instrument string, timeframe core.Timeframe) {
	p.mu.Lock()
	p.subs[instrument] = timeframe
	feedDown := p.feedDown
	p.mu.Unlock()
	if feedDown {
		p.emit(broker.SubscribeAckEvent{Instrument: instrument, OK: false, Code: core.ErrNetwork})
		return
	}
	p.emit(broker.SubscribeAckEvent{Instrument: instrument, OK: true, Code: core.ErrOK})
}

func (p *Paper) RequestUnsubscribe(instrument string) {
	p.mu.Lock()
	delete(p.subs, instrument)
	p.mu.Unlock()
}

func (p *Paper) RequestOpen(o *core.Order) {
	p.enqueue(o, false)
}

func (p *Paper) RequestClose(o *core.Order) {
	p.enqueue(o, true)
}

func (p *Paper) RequestStop(o *core.Order) {
	p.enqueue(o, false)
}

// RequestCancel drops a pending order and acks the cancel.
func (p *Paper) RequestCancel(o *core.Order) {
	p.mu.Lock()
	kept := p.pending[:0]
	found := false
	for _, po := range p.pending {
		if po.order.ID == o.ID {
			found = true
			continue
		}
		kept = append(kept, po)
	}
	p.pending = kept
	p.mu.Unlock()
	if found {
		p.emit(broker.OrderCancelledEvent{OrderID: o.ID, Time: time.Now()})
	}
}

// RequestOpenDeals reports the deals seeded through SeedDeal plus any
// accepted-but-unfilled pending orders.
func (p *Paper) RequestOpenDeals() {
	p.mu.Lock()
	deals := make([]broker.Deal, len(p.openDeals))
	copy(deals, p.openDeals)
	for _, po := range p.pending {
		if po.accepted {
			deals = append(deals, broker.Deal{
				Reference:  po.order.DealReference,
				Instrument: po.order.Instrument,
				Side:       po.order.Side,
				Qty:        po.order.Quantity,
			})
		}
	}
	p.mu.Unlock()
	p.emit(broker.OpenDealsEvent{Deals: deals})
}

func (p *Paper) enqueue(o *core.Order, isClose bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, &pendingOrder{order: *o, close: isClose})
}

func (p *Paper) Events() <-chan broker.Event { return p.events }

func (p *Paper) ConnState(ch broker.Channel) broker.ConnState {
	if ch == broker.ChannelAPI {
		return p.api.State()
	}
	return p.feed.State()
}

func (p *Paper) Shutdown(ctx context.Context) error {
	return nil
}

// --- harness hooks ---

// SetPrice sets the instrument's fill price.
func (p *Paper) SetPrice(instrument string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrument] = price
}

// SetPosition seeds the synthetic portfolio.
func (p *Paper) SetPosition(instrument string, pos core.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.portfolio[instrument] = pos
}

// PushBar injects a broker-native bar for a subscribed instrument.
func (p *Paper) PushBar(instrument string, bar core.Bar) {
	p.mu.Lock()
	_, subscribed := p.subs[instrument]
	down := p.feedDown
	p.prices[instrument] = decimal.NewFromFloat(bar.Close)
	p.mu.Unlock()
	if !subscribed || down {
		return
	}
	p.emit(broker.MarketDataEvent{Instrument: instrument, Bar: bar})
}

// FailAuth makes the next Init fail with AUTH.
func (p *Paper) FailAuth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authFail = true
}

// RejectOrders makes the broker reject every order.
func (p *Paper) RejectOrders(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectAll = reject
}

// HoldFills keeps accepted orders unfilled until released.
func (p *Paper) HoldFills(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdFills = hold
}

// CutAPI drops the API channel; it reconnects after the backoff delay
// once restored.
func (p *Paper) CutAPI(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apiDown = down
}

// CutFeed drops the market-data feed; pushed bars are discarded and
// subscribe requests fail until the feed is restored.
func (p *Paper) CutFeed(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedDown = down
}

// SeedDeal plants a broker-side open deal for reconciliation scenarios.
func (p *Paper) SeedDeal(d broker.Deal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openDeals = append(p.openDeals, d)
}
