// Package order implements the Order Tracker: the state machine for every
// outstanding order, correlation of engine ids with broker deal references,
// and the persist-before-notify transition discipline.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maotrade/internal/broker"
	"maotrade/internal/core"
	"maotrade/internal/store"
	"maotrade/pkg/telemetry"

	"github.com/google/uuid"
)

// Notification is delivered to the strategy framework after a transition
// has been durably recorded.
type Notification struct {
	Order *core.Order
	From  core.OrderState
	To    core.OrderState
	Fill  *core.Fill
	Code  core.ErrorCode
	Reason string
}

// NotifyFunc receives transition notifications on the engine goroutine.
type NotifyFunc func(n Notification)

// legalTargets enumerates the allowed transitions. ERROR is additionally
// reachable from any non-terminal state on a fatal broker error.
var legalTargets = map[core.OrderState][]core.OrderState{
	core.OrderDraft:      {core.OrderSubmitting},
	core.OrderSubmitting: {core.OrderSubmitted, core.OrderRejected, core.OrderError},
	core.OrderSubmitted:  {core.OrderPartial, core.OrderFilled, core.OrderCancelling},
	core.OrderPartial:    {core.OrderPartial, core.OrderFilled, core.OrderCancelling},
	core.OrderCancelling: {core.OrderCancelled, core.OrderFilled},
}

func legal(from, to core.OrderState) bool {
	if to == core.OrderError {
		return !from.Terminal()
	}
	for _, t := range legalTargets[from] {
		if t == to {
			return true
		}
	}
	return false
}

type eventPayload struct {
	DealReference string     `json:"dealReference,omitempty"`
	Fill          *core.Fill `json:"fill,omitempty"`
	Code          int        `json:"code,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Tracker owns all live orders of the current session. It runs entirely on
// the engine goroutine and is not safe for concurrent use.
type Tracker struct {
	logger  core.ILogger
	db      store.IStore
	metrics *telemetry.Metrics
	notify  NotifyFunc

	sessionID     string
	submitTimeout time.Duration

	orders    map[string]*core.Order
	byDealRef map[string]string
	deadlines map[string]time.Time
	reconcile map[string]bool
}

// NewTracker creates an empty tracker bound to a notification sink.
func NewTracker(db store.IStore, logger core.ILogger, metrics *telemetry.Metrics, notify NotifyFunc, submitTimeout time.Duration) *Tracker {
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Tracker{
		logger:        logger.WithField("component", "order_tracker"),
		db:            db,
		metrics:       metrics,
		notify:        notify,
		submitTimeout: submitTimeout,
		orders:        make(map[string]*core.Order),
		byDealRef:     make(map[string]string),
		deadlines:     make(map[string]time.Time),
		reconcile:     make(map[string]bool),
	}
}

// BindSession sets the session key used for order snapshots.
func (t *Tracker) BindSession(sessionID string) {
	t.sessionID = sessionID
}

// Create registers a draft order and returns its engine id. The draft is
// persisted immediately so a crash before submit leaves a record.
func (t *Tracker) Create(ctx context.Context, draft core.Order, now time.Time) (string, error) {
	draft.ID = uuid.NewString()
	draft.State = core.OrderDraft
	draft.CreatedAt = now
	draft.LastModifiedAt = now

	if err := t.db.SaveOrder(ctx, t.sessionID, &draft); err != nil {
		return "", fmt.Errorf("persist draft: %w", err)
	}
	t.orders[draft.ID] = &draft
	t.logger.Info("Order created",
		"order_id", draft.ID,
		"instrument", draft.Instrument,
		"side", draft.Side.String(),
		"qty", draft.Quantity.String(),
		"author", draft.Author.String())
	return draft.ID, nil
}

// Submit moves a draft to SUBMITTING and arms the submit timeout. The
// returned copy is what the engine hands to the broker adapter.
func (t *Tracker) Submit(ctx context.Context, orderID string, now time.Time) (*core.Order, error) {
	o, ok := t.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	if err := t.transition(ctx, o, core.OrderSubmitting, now, eventPayload{}, nil); err != nil {
		return nil, err
	}
	t.deadlines[orderID] = now.Add(t.submitTimeout)
	cp := *o
	return &cp, nil
}

// Cancel requests cancellation of a resting order.
func (t *Tracker) Cancel(ctx context.Context, orderID string, now time.Time) (*core.Order, error) {
	o, ok := t.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	if err := t.transition(ctx, o, core.OrderCancelling, now, eventPayload{}, nil); err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

// HandleBrokerEvent applies one adapter order callback. Unknown order ids
// are logged and dropped; they belong to a previous process generation and
// are resolved by reconciliation instead.
func (t *Tracker) HandleBrokerEvent(ctx context.Context, ev broker.Event, now time.Time) error {
	switch e := ev.(type) {
	case broker.OrderAcceptedEvent:
		o, ok := t.orders[e.OrderID]
		if !ok {
			t.logger.Warn("Accept for unknown order", "order_id", e.OrderID, "deal_ref", e.DealReference)
			return nil
		}
		o.DealReference = e.DealReference
		t.byDealRef[e.DealReference] = o.ID
		delete(t.deadlines, o.ID)
		return t.transition(ctx, o, core.OrderSubmitted, now, eventPayload{DealReference: e.DealReference}, nil)

	case broker.OrderRejectedEvent:
		o, ok := t.orders[e.OrderID]
		if !ok {
			t.logger.Warn("Reject for unknown order", "order_id", e.OrderID)
			return nil
		}
		delete(t.deadlines, o.ID)
		return t.transitionErr(ctx, o, core.OrderRejected, now, e.Code, e.Reason)

	case broker.OrderFilledEvent:
		o, ok := t.orders[e.OrderID]
		if !ok {
			t.logger.Warn("Fill for unknown order", "order_id", e.OrderID)
			return nil
		}
		return t.applyFill(ctx, o, e.Fill, e.Complete, now)

	case broker.OrderCancelledEvent:
		o, ok := t.orders[e.OrderID]
		if !ok {
			return nil
		}
		return t.transition(ctx, o, core.OrderCancelled, now, eventPayload{}, nil)

	case broker.OrderErrorEvent:
		o, ok := t.orders[e.OrderID]
		if !ok {
			t.logger.Warn("Error for unknown order", "order_id", e.OrderID, "reason", e.Reason)
			return nil
		}
		delete(t.deadlines, o.ID)
		return t.transitionErr(ctx, o, core.OrderError, now, e.Code, e.Reason)
	}
	return nil
}

func (t *Tracker) applyFill(ctx context.Context, o *core.Order, fill core.Fill, complete bool, now time.Time) error {
	target := core.OrderPartial
	if complete || o.FilledQty().Add(fill.Qty).GreaterThanOrEqual(o.Quantity) {
		target = core.OrderFilled
	}
	// A fill racing a cancel wins: CANCELLING + late fill ends FILLED.
	if o.State == core.OrderCancelling {
		target = core.OrderFilled
	}
	o.Fills = append(o.Fills, fill)
	if err := t.transition(ctx, o, target, now, eventPayload{Fill: &fill}, &fill); err != nil {
		o.Fills = o.Fills[:len(o.Fills)-1]
		return err
	}
	return nil
}

// CheckTimeouts expires SUBMITTING orders past their deadline: they
// transition to ERROR, get marked for reconciliation at the next portfolio
// refresh, and are returned so the engine can attempt a best-effort cancel
// at the broker.
func (t *Tracker) CheckTimeouts(ctx context.Context, now time.Time) []*core.Order {
	var expired []*core.Order
	for id, deadline := range t.deadlines {
		if now.Before(deadline) {
			continue
		}
		o, ok := t.orders[id]
		if !ok || o.State != core.OrderSubmitting {
			delete(t.deadlines, id)
			continue
		}
		if err := t.transitionErr(ctx, o, core.OrderError, now, core.ErrBroker, "submit timeout"); err != nil {
			// Store unhealthy; keep the deadline armed and retry next loop.
			continue
		}
		delete(t.deadlines, id)
		t.reconcile[id] = true
		cp := *o
		expired = append(expired, &cp)
		t.logger.Error("Order submit timed out", "order_id", id, "instrument", o.Instrument)
	}
	return expired
}

// Restore rehydrates non-terminal orders from a recovery context. Orders
// left in SUBMITTING by the crash are flagged for broker reconciliation.
func (t *Tracker) Restore(orders []*core.Order) {
	for _, o := range orders {
		cp := *o
		t.orders[cp.ID] = &cp
		if cp.DealReference != "" {
			t.byDealRef[cp.DealReference] = cp.ID
		}
		if cp.State == core.OrderSubmitting {
			t.reconcile[cp.ID] = true
		}
	}
}

// ResolveRecovered settles one reconciliation-pending order against the
// broker's answer: a matching broker-side record moves it forward to
// SUBMITTED, no record means the submit was lost and the order errors out.
func (t *Tracker) ResolveRecovered(ctx context.Context, orderID string, found bool, dealRef string, now time.Time) error {
	o, ok := t.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	delete(t.reconcile, orderID)
	if found {
		o.DealReference = dealRef
		t.byDealRef[dealRef] = o.ID
		return t.transition(ctx, o, core.OrderSubmitted, now, eventPayload{DealReference: dealRef}, nil)
	}
	return t.transitionErr(ctx, o, core.OrderError, now, core.ErrBroker, "no broker record after restart")
}

// PendingReconciliation lists order ids awaiting broker reconciliation.
func (t *Tracker) PendingReconciliation() []string {
	ids := make([]string, 0, len(t.reconcile))
	for id := range t.reconcile {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a copy of the order, or nil.
func (t *Tracker) Get(orderID string) *core.Order {
	o, ok := t.orders[orderID]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// ByDealReference resolves a broker deal reference to the engine order.
func (t *Tracker) ByDealReference(ref string) *core.Order {
	id, ok := t.byDealRef[ref]
	if !ok {
		return nil
	}
	return t.Get(id)
}

// Open returns copies of all non-terminal orders.
func (t *Tracker) Open() []*core.Order {
	var out []*core.Order
	for _, o := range t.orders {
		if !o.State.Terminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

// OpenFor reports whether a strategy has any non-terminal order.
func (t *Tracker) OpenFor(strategyID string) bool {
	for _, o := range t.orders {
		if o.StrategyID == strategyID && !o.State.Terminal() {
			return true
		}
	}
	return false
}

func (t *Tracker) transitionErr(ctx context.Context, o *core.Order, to core.OrderState, now time.Time, code core.ErrorCode, reason string) error {
	return t.transition(ctx, o, to, now, eventPayload{Code: int(code), Reason: reason}, nil)
}

// transition validates legality, appends the transition to the durable
// event log, snapshots the order, and only then mutates in-memory state and
// notifies the owning strategy. A store failure leaves the order untouched.
func (t *Tracker) transition(ctx context.Context, o *core.Order, to core.OrderState, now time.Time, payload eventPayload, fill *core.Fill) error {
	from := o.State
	if !legal(from, to) {
		return fmt.Errorf("illegal order transition %s -> %s (order %s)", from, to, o.ID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode transition payload: %w", err)
	}
	if err := t.db.AppendOrderEvent(ctx, o.ID, from, to, now, raw); err != nil {
		return fmt.Errorf("append order event: %w", err)
	}

	o.State = to
	o.LastModifiedAt = now
	if err := t.db.SaveOrder(ctx, t.sessionID, o); err != nil {
		// The event log already carries the transition; the snapshot will be
		// rebuilt from it at recovery.
		t.logger.Error("Order snapshot write failed", "order_id", o.ID, "error", err)
	}

	if t.metrics != nil {
		t.metrics.OrdersTotal.WithLabelValues(to.String()).Inc()
	}
	t.logger.Info("Order transition",
		"order_id", o.ID,
		"from", from.String(),
		"to", to.String(),
		"latency_ms", now.Sub(o.CreatedAt).Milliseconds())

	if t.notify != nil {
		cp := *o
		t.notify(Notification{
			Order:  &cp,
			From:   from,
			To:     to,
			Fill:   fill,
			Code:   core.ErrorCode(payload.Code),
			Reason: payload.Reason,
		})
	}
	return nil
}
