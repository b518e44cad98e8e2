// Package broker defines the contract every broker adapter implements:
// connection lifecycle, account and portfolio queries, order placement and
// market-data subscription, with results delivered as normalized events.
package broker

import (
	"context"
	"time"

	"maotrade/internal/core"

	"github.com/shopspring/decimal"
)

// InitResult is what an adapter reports after its one-time Init.
type InitResult struct {
	Account           core.AccountInfo
	Portfolio         core.Portfolio
	HistoryTimeframes []core.Timeframe
	DataTimeframes    []core.Timeframe
}

// Adapter is the broker contract. All Request* methods are non-blocking:
// they enqueue work and return promptly; results arrive on the Events
// channel, in wire order, and are drained by the Trade Manager once per
// loop iteration.
type Adapter interface {
	Name() string

	// Init is performed once before the adapter is driven. An AUTH failure
	// here is fatal for the session.
	Init(ctx context.Context) (*InitResult, error)

	// Tick advances the adapter's connection state machine, drains its
	// network I/O and fires events. Called on every engine iteration.
	Tick(now time.Time)

	RequestAccountInfo()
	RequestPortfolio()

	RequestSubscribe(instrument string, timeframe core.Timeframe)
	RequestUnsubscribe(instrument string)

	RequestOpen(o *core.Order)
	RequestClose(o *core.Order)
	RequestStop(o *core.Order)
	RequestCancel(o *core.Order)

	// RequestOpenDeals queries the broker's open deals, answered with an
	// OpenDealsEvent. Used by startup reconciliation.
	RequestOpenDeals()

	// Events is the adapter -> engine callback channel.
	Events() <-chan Event

	// ConnState reports the state of one connection channel.
	ConnState(ch Channel) ConnState

	// Shutdown gracefully closes both the API and feed channels.
	Shutdown(ctx context.Context) error
}

// Event is a normalized adapter callback.
type Event interface {
	Kind() string
}

// AccountInfoEvent delivers the result of RequestAccountInfo.
type AccountInfoEvent struct {
	Info core.AccountInfo
}

func (AccountInfoEvent) Kind() string { return "account_info" }

// PortfolioEvent delivers the result of RequestPortfolio.
type PortfolioEvent struct {
	Portfolio core.Portfolio
}

func (PortfolioEvent) Kind() string { return "portfolio" }

// SubscribeAckEvent acknowledges a subscribe request.
type SubscribeAckEvent struct {
	Instrument string
	OK         bool
	Code       core.ErrorCode
}

func (SubscribeAckEvent) Kind() string { return "market_data_subscribed" }

// MarketDataEvent carries one broker-native bar.
type MarketDataEvent struct {
	Instrument string
	Bar        core.Bar
}

func (MarketDataEvent) Kind() string { return "market_data" }

// OrderAcceptedEvent reports broker acceptance with the deal reference.
type OrderAcceptedEvent struct {
	OrderID       string
	DealReference string
	Time          time.Time
}

func (OrderAcceptedEvent) Kind() string { return "order_accepted" }

// OrderRejectedEvent reports broker rejection.
type OrderRejectedEvent struct {
	OrderID string
	Code    core.ErrorCode
	Reason  string
}

func (OrderRejectedEvent) Kind() string { return "order_rejected" }

// OrderFilledEvent reports a partial or complete fill.
type OrderFilledEvent struct {
	OrderID  string
	Fill     core.Fill
	Complete bool
}

func (OrderFilledEvent) Kind() string { return "order_filled" }

// OrderCancelledEvent acknowledges a cancel.
type OrderCancelledEvent struct {
	OrderID string
	Time    time.Time
}

func (OrderCancelledEvent) Kind() string { return "order_cancelled" }

// Deal is one broker-side open deal as reported by RequestOpenDeals.
type Deal struct {
	Reference  string
	Instrument string
	Side       core.OrderSide
	Qty        decimal.Decimal
}

// OpenDealsEvent answers RequestOpenDeals.
type OpenDealsEvent struct {
	Deals []Deal
}

func (OpenDealsEvent) Kind() string { return "open_deals" }

// OrderErrorEvent reports a broker-side order failure.
type OrderErrorEvent struct {
	OrderID string
	Code    core.ErrorCode
	Reason  string
}

func (OrderErrorEvent) Kind() string { return "order_error" }

// Disconnect codes carried by DisconnectedEvent.
const (
	// DisconnectRetriesExhausted means the retry cap was hit before the
	// channel ever connected; manual intervention is required.
	DisconnectRetriesExhausted = 1
	// DisconnectTransient means a previously connected channel dropped;
	// the adapter keeps retrying indefinitely.
	DisconnectTransient = 2
)

// DisconnectedEvent reports loss of a connection channel.
type DisconnectedEvent struct {
	Channel Channel
	Code    int
}

func (DisconnectedEvent) Kind() string { return "account_disconnected" }

// ConnectedEvent reports a channel reaching CONNECTED.
type ConnectedEvent struct {
	Channel Channel
}

func (ConnectedEvent) Kind() string { return "account_connected" }
