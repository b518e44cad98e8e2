// Package store implements the durable persistence layer: session records,
// versioned strategy state blobs, the append-only order event log and the
// per-day bar log used for crash recovery.
package store

import (
	"context"
	"errors"
	"time"

	"maotrade/internal/core"
)

var (
	// ErrStaleVersion is returned when a strategy state CAS write finds a
	// higher version on disk. Seeing it in normal operation indicates a
	// framework bug.
	ErrStaleVersion = errors.New("strategy state version is stale")

	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnhealthy is returned while the store is reconnecting. Order
	// transitions must not proceed while the store is unhealthy.
	ErrUnhealthy = errors.New("store is unhealthy")
)

// Session is the per-day trading session record.
type Session struct {
	Day      string             `json:"day"` // YYYY-MM-DD
	Account  string             `json:"account"`
	Status   core.SessionStatus `json:"status"`
	Phase    core.TradingPhase  `json:"phase"`
	OpenedAt time.Time          `json:"openedAt"`
	ClosedAt time.Time          `json:"closedAt,omitempty"`
}

// ID returns the composite session key.
func (s *Session) ID() string { return s.Day + "|" + s.Account }

// StrategyState is a persisted strategy snapshot.
type StrategyState struct {
	SessionID  string
	StrategyID string
	Version    int64
	Blob       []byte
	UpdatedAt  time.Time
}

// OrderEvent is one row of the order transition log.
type OrderEvent struct {
	Seq       int64
	OrderID   string
	FromState core.OrderState
	ToState   core.OrderState
	Timestamp time.Time
	Payload   []byte
}

// RecoveryContext is everything needed to resume a crashed session.
type RecoveryContext struct {
	Session    *Session
	States     []StrategyState
	OpenOrders []*core.Order
	// Bars holds the ordered closed-bar log since day start, keyed by
	// instrument.
	Bars map[string][]core.Bar
}

// IStore is the persistence contract consumed by the Trade Manager.
// Writes are crash-atomic at single-row granularity; no cross-entity
// transaction is offered.
type IStore interface {
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, day, account string) (*Session, error)

	// PutStrategyState writes a state blob guarded by a CAS on version and
	// returns the new version.
	PutStrategyState(ctx context.Context, sessionID, strategyID string, blob []byte, version int64) (int64, error)

	// AppendOrderEvent durably records a state transition. It must return
	// before the caller treats the transition as committed.
	AppendOrderEvent(ctx context.Context, orderID string, from, to core.OrderState, ts time.Time, payload []byte) error

	// SaveOrder upserts the current order snapshot.
	SaveOrder(ctx context.Context, sessionID string, o *core.Order) error

	// AppendBar records a closed strategy-timeframe bar for recovery replay.
	AppendBar(ctx context.Context, day, instrument string, timeframe int64, bar core.Bar) error

	LoadRecoveryContext(ctx context.Context, account, day string) (*RecoveryContext, error)

	Healthy() bool
	Close() error
}
