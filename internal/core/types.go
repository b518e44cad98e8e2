// Package core defines the shared types and interfaces of the trading engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a strategy decision. Values are wire-compatible with the
// client protocol and must not be renumbered.
type Action int

const (
	NoAction       Action = 0
	ActionDelay    Action = 1
	ActionPreBuy   Action = 2
	ActionBuy      Action = 3
	ActionPreSell  Action = 4
	ActionSell     Action = 5
	ActionBuyLost  Action = 6
	ActionSellLost Action = 7
	ActionBuySell  Action = 8
	ActionHold     Action = 9
	ActionFlat     Action = 10
	ActionStopReq  Action = 11
)

func (a Action) String() string {
	switch a {
	case NoAction:
		return "NOACTION"
	case ActionDelay:
		return "ACTION_DELAY"
	case ActionPreBuy:
		return "ACTION_PREBUY"
	case ActionBuy:
		return "ACTION_BUY"
	case ActionPreSell:
		return "ACTION_PRESELL"
	case ActionSell:
		return "ACTION_SELL"
	case ActionBuyLost:
		return "ACTION_BUYLOST"
	case ActionSellLost:
		return "ACTION_SELLLOST"
	case ActionBuySell:
		return "ACTION_BUYSELL"
	case ActionHold:
		return "ACTION_HOLD"
	case ActionFlat:
		return "ACTION_FLAT"
	case ActionStopReq:
		return "ACTION_STPR"
	default:
		return "UNKNOWN"
	}
}

// Tradeable reports whether the action results in an order. The remaining
// actions are informational flags carried on the instance state only.
func (a Action) Tradeable() bool {
	switch a {
	case ActionBuy, ActionSell, ActionBuySell, ActionFlat, ActionStopReq:
		return true
	default:
		return false
	}
}

// Decision is what a strategy returns from Process: the action plus the
// quantity and stop price for order-producing actions. Complete marks the
// instance finished once the resulting order fills.
type Decision struct {
	Action   Action  `json:"action"`
	Qty      float64 `json:"qty"`
	Stop     float64 `json:"stop"`
	Complete bool    `json:"complete,omitempty"`
}

// OrderSide is the direction of an order.
type OrderSide int

const (
	SideBuy OrderSide = iota + 1
	SideSell
)

func (s OrderSide) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderAuthor records who created an order.
type OrderAuthor int

const (
	AuthorSystem  OrderAuthor = 0
	AuthorRestart OrderAuthor = 1
	AuthorUser    OrderAuthor = 2
)

func (a OrderAuthor) String() string {
	switch a {
	case AuthorSystem:
		return "SYSTEM"
	case AuthorRestart:
		return "RESTART"
	case AuthorUser:
		return "USER"
	default:
		return "UNDEFINED"
	}
}

// OrderState is the engine-side order state machine.
type OrderState int

const (
	OrderDraft OrderState = iota
	OrderSubmitting
	OrderSubmitted
	OrderAccepted
	OrderPartial
	OrderFilled
	OrderRejected
	OrderCancelling
	OrderCancelled
	OrderError
)

func (s OrderState) String() string {
	switch s {
	case OrderDraft:
		return "DRAFT"
	case OrderSubmitting:
		return "SUBMITTING"
	case OrderSubmitted:
		return "SUBMITTED"
	case OrderAccepted:
		return "ACCEPTED"
	case OrderPartial:
		return "PARTIAL"
	case OrderFilled:
		return "FILLED"
	case OrderRejected:
		return "REJECTED"
	case OrderCancelling:
		return "CANCELLING"
	case OrderCancelled:
		return "CANCELLED"
	case OrderError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderError:
		return true
	default:
		return false
	}
}

// DealStatus is the wire encoding of an order's submission progress used
// by the client protocol.
type DealStatus int

const (
	DealNotSubmitted DealStatus = 0
	DealDelayed      DealStatus = 1
	DealSubmitting   DealStatus = 2
	DealSubmitted    DealStatus = 3
	DealExecuting    DealStatus = 4
	DealRejected     DealStatus = 5
)

// WireStatus maps an engine order state to its client-protocol code.
func (s OrderState) WireStatus() DealStatus {
	switch s {
	case OrderDraft:
		return DealNotSubmitted
	case OrderSubmitting:
		return DealSubmitting
	case OrderSubmitted, OrderAccepted:
		return DealSubmitted
	case OrderPartial, OrderFilled, OrderCancelling, OrderCancelled:
		return DealExecuting
	case OrderRejected, OrderError:
		return DealRejected
	default:
		return DealNotSubmitted
	}
}

// Fill is a single execution against an order.
type Fill struct {
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"time"`
}

// Order is the engine-side order record. The Trade Manager is the sole
// writer of State; every transition is persisted before it is consumed.
type Order struct {
	ID             string          `json:"id"`
	DealReference  string          `json:"dealReference,omitempty"`
	Instrument     string          `json:"instrument"`
	Action         Action          `json:"action,omitempty"`
	Side           OrderSide       `json:"side"`
	Close          bool            `json:"close"`
	Quantity       decimal.Decimal `json:"qty"`
	StopPrice      decimal.Decimal `json:"stopPrice"`
	LimitPrice     decimal.Decimal `json:"limitPrice"`
	State          OrderState      `json:"state"`
	Author         OrderAuthor     `json:"author"`
	StrategyID     string          `json:"strategyId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
	Fills          []Fill          `json:"fills,omitempty"`
	CompleteOnFill bool            `json:"completeOnFill,omitempty"`
	OnFilled       *Decision       `json:"onFilled,omitempty"`
}

// FilledQty is the total executed quantity across fills.
func (o *Order) FilledQty() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Qty)
	}
	return total
}

// Bar is one OHLCV sample. Time is the unix timestamp of the window start
// in seconds. Closed marks a completed window.
type Bar struct {
	Time   int64   `json:"frame"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"vol"`
	Closed bool    `json:"timeFrameEnd"`
}

// Timeframe is a bar duration in seconds.
type Timeframe int64

// Duration converts the timeframe to a time.Duration.
func (t Timeframe) Duration() time.Duration {
	return time.Duration(t) * time.Second
}

// Position is one instrument's holding as reported by the broker.
type Position struct {
	Qty           decimal.Decimal `json:"qty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// Portfolio maps instrument to position. The broker is authoritative; the
// engine only reads.
type Portfolio map[string]Position

// Clone returns a copy safe to hand to strategy code.
func (p Portfolio) Clone() Portfolio {
	out := make(Portfolio, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// QtyOf returns the held quantity for an instrument, zero when flat.
func (p Portfolio) QtyOf(instrument string) decimal.Decimal {
	if pos, ok := p[instrument]; ok {
		return pos.Qty
	}
	return decimal.Zero
}

// AccountStatus mirrors the broker-side account standing.
type AccountStatus int

const (
	AccountEnabled   AccountStatus = 0
	AccountDisabled  AccountStatus = 1
	AccountSuspended AccountStatus = 2
	AccountUndefined AccountStatus = 99
)

// AccountInfo is the normalized account record returned by adapters.
type AccountInfo struct {
	AccountID string          `json:"accountId"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Status    AccountStatus   `json:"status"`
}

// TradingPhase describes where the session sits relative to trading hours.
type TradingPhase int

const (
	PhaseClosed  TradingPhase = 0
	PhaseOpen    TradingPhase = 1
	PhaseToOpen  TradingPhase = 2
	PhaseToClose TradingPhase = 3
)

func (p TradingPhase) String() string {
	switch p {
	case PhaseClosed:
		return "CLOSE"
	case PhaseOpen:
		return "OPEN"
	case PhaseToOpen:
		return "TO_OPEN"
	case PhaseToClose:
		return "TO_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// SessionStatus is the lifecycle state of a trading day's session.
type SessionStatus int

const (
	SessionPending SessionStatus = iota
	SessionOpen
	SessionClosed
	SessionError
)

func (s SessionStatus) String() string {
	switch s {
	case SessionPending:
		return "PENDING"
	case SessionOpen:
		return "OPEN"
	case SessionClosed:
		return "CLOSED"
	case SessionError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
