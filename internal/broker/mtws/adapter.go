// Package mtws implements the broker adapter for the MT gateway: REST for
// account, portfolio and order placement, a websocket stream for market
// data and execution reports.
package mtws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"maotrade/internal/broker"
	"maotrade/internal/config"
	"maotrade/internal/core"
	"maotrade/pkg/httpclient"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	restTimeout  = 15 * time.Second
	requestQueue = 256

	// The gateway allows 10 requests per second with small bursts.
	requestsPerSec = 10
	requestBurst   = 20
)

func init() {
	broker.Register("mtws", func(cfg *config.BrokerConfig, logger core.ILogger) (broker.Adapter, error) {
		return New(cfg, logger)
	})
}

type connResult struct {
	channel broker.Channel
	ok      bool
	lost    bool
}

// Adapter talks to the MT gateway. REST calls run on a dedicated worker
// goroutine behind a bounded request queue; the websocket reader is a
// second goroutine. Both report back through channels drained by Tick, so
// the connection trackers stay single-threaded.
type Adapter struct {
	cfg     *config.BrokerConfig
	logger  core.ILogger
	rest    *httpclient.Client
	limiter *rate.Limiter

	events   chan broker.Event
	requests chan func(ctx context.Context)
	results  chan connResult

	api  *broker.ConnTracker
	feed *broker.ConnTracker

	mu      sync.Mutex
	subs    map[string]core.Timeframe
	orderBy map[string]string // deal reference -> engine order id
	ws      *websocket.Conn

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates the adapter from broker configuration.
func New(cfg *config.BrokerConfig, logger core.ILogger) (*Adapter, error) {
	if cfg.BaseURL == "" || cfg.WSBaseURL == "" {
		return nil, fmt.Errorf("mtws: base_url and ws_base_url are required")
	}
	a := &Adapter{
		cfg:      cfg,
		logger:   logger.WithField("component", "broker_mtws"),
		rest:     httpclient.NewClient(cfg.BaseURL, restTimeout, newHMACSigner(cfg.APIKey, cfg.SecretKey)),
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSec), requestBurst),
		events:   make(chan broker.Event, 1024),
		requests: make(chan func(ctx context.Context), requestQueue),
		results:  make(chan connResult, 16),
		subs:     make(map[string]core.Timeframe),
		orderBy:  make(map[string]string),
		quit:     make(chan struct{}),
	}
	a.api = broker.NewConnTracker(broker.ChannelAPI, cfg.RetryCap, a.emit)
	a.feed = broker.NewConnTracker(broker.ChannelFeed, cfg.RetryCap, a.emit)

	a.wg.Add(1)
	go a.worker()
	return a, nil
}

func (a *Adapter) Name() string { return "mtws" }

func (a *Adapter) emit(ev broker.Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Error("Event channel full, dropping event", "kind", ev.Kind())
	}
}

// worker is the adapter's REST domain: it executes queued requests under
// the gateway rate limit.
func (a *Adapter) worker() {
	defer a.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-a.quit:
			return
		case fn := <-a.requests:
			if err := a.limiter.Wait(ctx); err != nil {
				return
			}
			fn(ctx)
		}
	}
}

func (a *Adapter) enqueue(fn func(ctx context.Context)) {
	select {
	case a.requests <- fn:
	default:
		a.logger.Error("Request queue full, dropping request")
	}
}

func normalizeErr(err error) *broker.AdapterError {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &broker.AdapterError{Code: core.ErrAuth, Reason: string(apiErr.Body)}
		case http.StatusNotFound, http.StatusBadRequest:
			return &broker.AdapterError{Code: core.ErrBroker, Reason: string(apiErr.Body)}
		default:
			return &broker.AdapterError{Code: core.ErrBroker, Reason: apiErr.Error()}
		}
	}
	return &broker.AdapterError{Code: core.ErrNetwork, Reason: err.Error()}
}

type accountDoc struct {
	AccountID string  `json:"accountId"`
	Currency  string  `json:"currency"`
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
	Status    int     `json:"status"`
}

func (d accountDoc) toCore() core.AccountInfo {
	return core.AccountInfo{
		AccountID: d.AccountID,
		Currency:  d.Currency,
		Balance:   decimal.NewFromFloat(d.Balance),
		Available: decimal.NewFromFloat(d.Available),
		Status:    core.AccountStatus(d.Status),
	}
}

type positionDoc struct {
	Instrument string  `json:"instrument"`
	Qty        float64 `json:"qty"`
	AvgPrice   float64 `json:"avgPrice"`
	PnL        float64 `json:"pnl"`
}

func toPortfolio(docs []positionDoc) core.Portfolio {
	pf := make(core.Portfolio, len(docs))
	for _, d := range docs {
		pf[d.Instrument] = core.Position{
			Qty:           decimal.NewFromFloat(d.Qty),
			AvgPrice:      decimal.NewFromFloat(d.AvgPrice),
			UnrealizedPnL: decimal.NewFromFloat(d.PnL),
		}
	}
	return pf
}

// Init fetches the account, portfolio and supported timeframes over REST.
func (a *Adapter) Init(ctx context.Context) (*broker.InitResult, error) {
	var acct accountDoc
	raw, err := a.rest.Get(ctx, "/api/v1/account", nil)
	if err != nil {
		return nil, normalizeErr(err)
	}
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, &broker.AdapterError{Code: core.ErrBroker, Reason: err.Error()}
	}

	var positions []positionDoc
	raw, err = a.rest.Get(ctx, "/api/v1/portfolio", nil)
	if err != nil {
		return nil, normalizeErr(err)
	}
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, &broker.AdapterError{Code: core.ErrBroker, Reason: err.Error()}
	}

	var tf struct {
		History []int64 `json:"history"`
		Data    []int64 `json:"data"`
	}
	raw, err = a.rest.Get(ctx, "/api/v1/timeframes", nil)
	if err != nil {
		return nil, normalizeErr(err)
	}
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, &broker.AdapterError{Code: core.ErrBroker, Reason: err.Error()}
	}

	res := &broker.InitResult{
		Account:   acct.toCore(),
		Portfolio: toPortfolio(positions),
	}
	for _, t := range tf.History {
		res.HistoryTimeframes = append(res.HistoryTimeframes, core.Timeframe(t))
	}
	for _, t := range tf.Data {
		res.DataTimeframes = append(res.DataTimeframes, core.Timeframe(t))
	}
	return res, nil
}

// Tick drains connection results and starts connect attempts that are due.
func (a *Adapter) Tick(now time.Time) {
	for drained := false; !drained; {
		select {
		case r := <-a.results:
			tr := a.api
			if r.channel == broker.ChannelFeed {
				tr = a.feed
			}
			switch {
			case r.lost:
				tr.OnLost(now)
			case r.ok:
				tr.OnSuccess()
				if r.channel == broker.ChannelFeed {
					a.resubscribeAll()
				}
			default:
				tr.OnFailure(now)
			}
		default:
			drained = true
		}
	}

	if a.api.ShouldAttempt(now) {
		a.enqueue(a.pingAPI)
	}
	if a.feed.ShouldAttempt(now) {
		a.enqueue(a.connectFeed)
	}
}

func (a *Adapter) pingAPI(ctx context.Context) {
	_, err := a.rest.Get(ctx, "/api/v1/ping", nil)
	a.results <- connResult{channel: broker.ChannelAPI, ok: err == nil}
}

func (a *Adapter) connectFeed(ctx context.Context) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, a.cfg.WSBaseURL+"/stream", http.Header{
		"X-MT-APIKEY": []string{a.cfg.APIKey},
	})
	if err != nil {
		a.logger.Warn("Feed connect failed", "error", err)
		a.results <- connResult{channel: broker.ChannelFeed, ok: false}
		return
	}
	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	a.results <- connResult{channel: broker.ChannelFeed, ok: true}

	a.wg.Add(1)
	go a.readFeed(ws)
}

type feedMessage struct {
	Type       string   `json:"type"`
	Instrument string   `json:"instrument"`
	Bar        core.Bar `json:"bar"`
	OK         bool     `json:"ok"`
	Code       int      `json:"code"`
	DealRef    string   `json:"dealRef"`
	Qty        float64  `json:"qty"`
	Price      float64  `json:"price"`
	Complete   bool     `json:"complete"`
	Time       int64    `json:"time"`
}

// readFeed pumps websocket messages into normalized events until the
// connection drops.
func (a *Adapter) readFeed(ws *websocket.Conn) {
	defer a.wg.Done()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-a.quit:
			default:
				a.logger.Warn("Feed read failed", "error", err)
				a.results <- connResult{channel: broker.ChannelFeed, lost: true}
			}
			return
		}
		var msg feedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Warn("Malformed feed message", "error", err)
			continue
		}
		a.handleFeedMessage(msg)
	}
}

func (a *Adapter) handleFeedMessage(msg feedMessage) {
	switch msg.Type {
	case "bar":
		a.emit(broker.MarketDataEvent{Instrument: msg.Instrument, Bar: msg.Bar})
	case "subscribed":
		code := core.ErrOK
		if !msg.OK {
			code = core.ErrorCode(msg.Code)
		}
		a.emit(broker.SubscribeAckEvent{Instrument: msg.Instrument, OK: msg.OK, Code: code})
	case "execution":
		a.mu.Lock()
		orderID, known := a.orderBy[msg.DealRef]
		a.mu.Unlock()
		if !known {
			a.logger.Warn("Execution for unknown deal", "deal_ref", msg.DealRef)
			return
		}
		a.emit(broker.OrderFilledEvent{
			OrderID: orderID,
			Fill: core.Fill{
				Qty:   decimal.NewFromFloat(msg.Qty),
				Price: decimal.NewFromFloat(msg.Price),
				Time:  time.Unix(msg.Time, 0),
			},
			Complete: msg.Complete,
		})
	case "cancelled":
		a.mu.Lock()
		orderID, known := a.orderBy[msg.DealRef]
		a.mu.Unlock()
		if known {
			a.emit(broker.OrderCancelledEvent{OrderID: orderID, Time: time.Unix(msg.Time, 0)})
		}
	}
}

func (a *Adapter) sendFeed(v interface{}) error {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("feed not connected")
	}
	return ws.WriteJSON(v)
}

func (a *Adapter) resubscribeAll() {
	a.mu.Lock()
	subs := make(map[string]core.Timeframe, len(a.subs))
	for k, v := range a.subs {
		subs[k] = v
	}
	a.mu.Unlock()
	for instrument, tf := range subs {
		if err := a.sendFeed(map[string]interface{}{
			"op": "subscribe", "instrument": instrument, "timeframe": int64(tf),
		}); err != nil {
			a.logger.Warn("Resubscribe failed", "instrument", instrument, "error", err)
		}
	}
}

func (a *Adapter) RequestAccountInfo() {
	a.enqueue(func(ctx context.Context) {
		raw, err := a.rest.Get(ctx, "/api/v1/account", nil)
		if err != nil {
			a.logger.Error("Account refresh failed", "error", err)
			return
		}
		var doc accountDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			a.logger.Error("Account decode failed", "error", err)
			return
		}
		a.emit(broker.AccountInfoEvent{Info: doc.toCore()})
	})
}

func (a *Adapter) RequestPortfolio() {
	a.enqueue(func(ctx context.Context) {
		raw, err := a.rest.Get(ctx, "/api/v1/portfolio", nil)
		if err != nil {
			a.logger.Error("Portfolio refresh failed", "error", err)
			return
		}
		var docs []positionDoc
		if err := json.Unmarshal(raw, &docs); err != nil {
			a.logger.Error("Portfolio decode failed", "error", err)
			return
		}
		a.emit(broker.PortfolioEvent{Portfolio: toPortfolio(docs)})
	})
}

func (a *Adapter) RequestSubscribe(instrument string, timeframe core.Timeframe) {
	a.mu.Lock()
	a.subs[instrument] = timeframe
	a.mu.Unlock()
	if err := a.sendFeed(map[string]interface{}{
		"op": "subscribe", "instrument": instrument, "timeframe": int64(timeframe),
	}); err != nil {
		a.emit(broker.SubscribeAckEvent{Instrument: instrument, OK: false, Code: core.ErrNotConnected})
	}
}

func (a *Adapter) RequestUnsubscribe(instrument string) {
	a.mu.Lock()
	delete(a.subs, instrument)
	a.mu.Unlock()
	if err := a.sendFeed(map[string]interface{}{"op": "unsubscribe", "instrument": instrument}); err != nil {
		a.logger.Warn("Unsubscribe failed", "instrument", instrument, "error", err)
	}
}

type orderDoc struct {
	ClientRef  string  `json:"clientRef"`
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	Stop       float64 `json:"stop,omitempty"`
	Limit      float64 `json:"limit,omitempty"`
	Close      bool    `json:"close,omitempty"`
}

func orderPayload(o *core.Order) orderDoc {
	side := "buy"
	if o.Side == core.SideSell {
		side = "sell"
	}
	qty, _ := o.Quantity.Float64()
	stop, _ := o.StopPrice.Float64()
	limit, _ := o.LimitPrice.Float64()
	return orderDoc{
		ClientRef:  o.ID,
		Instrument: o.Instrument,
		Side:       side,
		Qty:        qty,
		Stop:       stop,
		Limit:      limit,
		Close:      o.Close,
	}
}

func (a *Adapter) submitOrder(path string, o *core.Order) {
	payload := orderPayload(o)
	orderID := o.ID
	a.enqueue(func(ctx context.Context) {
		raw, err := a.rest.Post(ctx, path, payload)
		if err != nil {
			ae := normalizeErr(err)
			if ae.Code == core.ErrNetwork {
				a.emit(broker.OrderErrorEvent{OrderID: orderID, Code: ae.Code, Reason: ae.Reason})
			} else {
				a.emit(broker.OrderRejectedEvent{OrderID: orderID, Code: ae.Code, Reason: ae.Reason})
			}
			return
		}
		var resp struct {
			DealRef string `json:"dealRef"`
			Time    int64  `json:"time"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			a.emit(broker.OrderErrorEvent{OrderID: orderID, Code: core.ErrBroker, Reason: err.Error()})
			return
		}
		a.mu.Lock()
		a.orderBy[resp.DealRef] = orderID
		a.mu.Unlock()
		a.emit(broker.OrderAcceptedEvent{OrderID: orderID, DealReference: resp.DealRef, Time: time.Unix(resp.Time, 0)})
	})
}

func (a *Adapter) RequestOpen(o *core.Order)  { a.submitOrder("/api/v1/orders", o) }
func (a *Adapter) RequestClose(o *core.Order) { a.submitOrder("/api/v1/orders/close", o) }
func (a *Adapter) RequestStop(o *core.Order)  { a.submitOrder("/api/v1/orders/stop", o) }

func (a *Adapter) RequestCancel(o *core.Order) {
	orderID, dealRef := o.ID, o.DealReference
	a.enqueue(func(ctx context.Context) {
		_, err := a.rest.Delete(ctx, "/api/v1/orders/"+dealRef, nil)
		if err != nil {
			a.logger.Warn("Cancel failed", "order_id", orderID, "error", err)
			return
		}
		a.emit(broker.OrderCancelledEvent{OrderID: orderID, Time: time.Now()})
	})
}

type dealDoc struct {
	Reference  string  `json:"reference"`
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
}

func (a *Adapter) RequestOpenDeals() {
	a.enqueue(func(ctx context.Context) {
		raw, err := a.rest.Get(ctx, "/api/v1/deals", nil)
		if err != nil {
			a.logger.Error("Open deals query failed", "error", err)
			return
		}
		var docs []dealDoc
		if err := json.Unmarshal(raw, &docs); err != nil {
			a.logger.Error("Open deals decode failed", "error", err)
			return
		}
		deals := make([]broker.Deal, 0, len(docs))
		for _, d := range docs {
			side := core.SideBuy
			if d.Side == "sell" {
				side = core.SideSell
			}
			deals = append(deals, broker.Deal{
				Reference:  d.Reference,
				Instrument: d.Instrument,
				Side:       side,
				Qty:        decimal.NewFromFloat(d.Qty),
			})
		}
		a.emit(broker.OpenDealsEvent{Deals: deals})
	})
}

func (a *Adapter) Events() <-chan broker.Event { return a.events }

func (a *Adapter) ConnState(ch broker.Channel) broker.ConnState {
	if ch == broker.ChannelAPI {
		return a.api.State()
	}
	return a.feed.State()
}

// Shutdown stops the worker, closes the feed and waits out in-flight
// requests up to the context deadline.
func (a *Adapter) Shutdown(ctx context.Context) error {
	close(a.quit)
	a.mu.Lock()
	if a.ws != nil {
		_ = a.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = a.ws.Close()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
