package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maotrade/internal/core"
	"maotrade/internal/store"
	"maotrade/pkg/telemetry"
)

// Instance is one configured strategy bound to an instrument and
// timeframe, with its lifecycle flags and persisted state container.
type Instance struct {
	ID         string
	Class      string
	Instrument string
	Timeframe  core.Timeframe
	Params     Params

	// EvalInProgress delivers in-progress bars to Process in addition to
	// closed ones.
	EvalInProgress bool

	strategy Strategy
	state    *State
	version  int64

	initialized bool
	errored     bool
	completed   bool
	blocked     bool
}

// Initialized reports whether Initialize succeeded this session.
func (i *Instance) Initialized() bool { return i.initialized }

// Errored reports whether a callback failed; no further orders are
// produced until the operator resets the instance.
func (i *Instance) Errored() bool { return i.errored }

// Completed reports whether the instance finished its work for the day.
func (i *Instance) Completed() bool { return i.completed }

// Blocked reports whether the instance is frozen (market data given up or
// store unhealthy).
func (i *Instance) Blocked() bool { return i.blocked }

// State exposes the state container, primarily for tests and the client
// channel's metadata service.
func (i *Instance) State() *State { return i.state }

// Version is the store version of the last snapshot.
func (i *Instance) Version() int64 { return i.version }

func (i *Instance) active() bool {
	return i.initialized && !i.errored && !i.completed && !i.blocked
}

// Framework owns all strategy instances of a session. It brackets every
// callback with panic recovery and a dirty-state snapshot, so strategy
// code can neither crash the engine loop nor lose more than one callback
// worth of state.
type Framework struct {
	logger  core.ILogger
	db      store.IStore
	metrics *telemetry.Metrics

	sessionID string
	instances map[string]*Instance
	order     []string
}

// NewFramework creates an empty framework.
func NewFramework(db store.IStore, logger core.ILogger, metrics *telemetry.Metrics) *Framework {
	return &Framework{
		logger:    logger.WithField("component", "strategy_framework"),
		db:        db,
		metrics:   metrics,
		instances: make(map[string]*Instance),
	}
}

// BindSession sets the session key for snapshots.
func (f *Framework) BindSession(sessionID string) { f.sessionID = sessionID }

// Create registers an instance from its class and parameters.
func (f *Framework) Create(id, class, instrument string, timeframe core.Timeframe, params Params, evalInProgress bool) (*Instance, error) {
	if _, exists := f.instances[id]; exists {
		return nil, fmt.Errorf("duplicate strategy id: %s", id)
	}
	s, err := NewStrategy(class)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		ID:             id,
		Class:          class,
		Instrument:     instrument,
		Timeframe:      timeframe,
		Params:         params,
		EvalInProgress: evalInProgress,
		strategy:       s,
		state:          NewState(),
	}
	f.instances[id] = inst
	f.order = append(f.order, id)
	return inst, nil
}

// Get returns an instance by id, or nil.
func (f *Framework) Get(id string) *Instance { return f.instances[id] }

// Instances returns all instances in creation order.
func (f *Framework) Instances() []*Instance {
	out := make([]*Instance, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.instances[id])
	}
	return out
}

func (f *Framework) ctxFor(inst *Instance, portfolio core.Portfolio, now time.Time) *Context {
	return &Context{
		StrategyID: inst.ID,
		Instrument: inst.Instrument,
		Timeframe:  inst.Timeframe,
		Params:     inst.Params,
		State:      inst.state,
		Portfolio:  portfolio.Clone(),
		Logger:     f.logger.WithField("strategy", inst.ID),
		Now:        now,
	}
}

// safeCall runs one strategy callback under the framework's crash
// isolation: a panic or error marks the instance errored and is logged at
// CRITICAL without propagating to the engine loop.
func (f *Framework) safeCall(inst *Instance, name string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			inst.errored = true
			ok = false
			if f.metrics != nil {
				f.metrics.StrategyErrors.Inc()
			}
			f.logger.Critical("Strategy callback panicked",
				"strategy", inst.ID, "callback", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := fn(); err != nil {
		inst.errored = true
		if f.metrics != nil {
			f.metrics.StrategyErrors.Inc()
		}
		f.logger.Critical("Strategy callback failed",
			"strategy", inst.ID, "callback", name, "error", err)
		return false
	}
	return true
}

// snapshot persists the state container when dirty, CAS'd on the instance
// version. A stale version indicates a framework bug and errors the
// instance rather than silently overwriting.
func (f *Framework) snapshot(ctx context.Context, inst *Instance) error {
	if !inst.state.Dirty() {
		return nil
	}
	blob, err := inst.state.Marshal()
	if err != nil {
		return fmt.Errorf("marshal state of %s: %w", inst.ID, err)
	}
	newVersion, err := f.db.PutStrategyState(ctx, f.sessionID, inst.ID, blob, inst.version)
	if err != nil {
		if f.metrics != nil {
			f.metrics.SnapshotFailures.Inc()
		}
		if errors.Is(err, store.ErrStaleVersion) {
			inst.errored = true
			f.logger.Critical("Strategy state version conflict",
				"strategy", inst.ID, "version", inst.version)
		}
		return fmt.Errorf("snapshot %s: %w", inst.ID, err)
	}
	inst.version = newVersion
	inst.state.clearDirty()
	return nil
}

// Startup validates and initializes one instance, in that order. A
// validation failure is final for the session.
func (f *Framework) Startup(ctx context.Context, inst *Instance, portfolio core.Portfolio, now time.Time, firstInit bool) error {
	if inst.initialized || inst.errored {
		return nil
	}
	cctx := f.ctxFor(inst, portfolio, now)
	if !f.safeCall(inst, "validate", func() error { return inst.strategy.Validate(cctx) }) {
		return fmt.Errorf("strategy %s failed validation", inst.ID)
	}
	if !f.safeCall(inst, "initialize", func() error { return inst.strategy.Initialize(cctx, firstInit) }) {
		return fmt.Errorf("strategy %s failed initialization", inst.ID)
	}
	inst.initialized = true
	if err := f.snapshot(ctx, inst); err != nil {
		return err
	}
	f.logger.Info("Strategy initialized", "strategy", inst.ID, "class", inst.Class, "instrument", inst.Instrument)
	return nil
}

// ProcessBar delivers one bar to the owning instance and returns its
// decision. Inactive instances and in-progress bars of closed-bar-only
// instances yield NOACTION. A non-NOACTION decision implicitly dirties the
// state so the decision itself is never lost to a crash.
func (f *Framework) ProcessBar(ctx context.Context, id string, bar core.Bar, portfolio core.Portfolio, now time.Time) core.Decision {
	inst, ok := f.instances[id]
	if !ok || !inst.active() {
		return core.Decision{Action: core.NoAction}
	}
	if !bar.Closed && !inst.EvalInProgress {
		return core.Decision{Action: core.NoAction}
	}

	cctx := f.ctxFor(inst, portfolio, now)
	var decision core.Decision
	if !f.safeCall(inst, "process", func() error {
		decision = inst.strategy.Process(cctx, bar)
		return nil
	}) {
		return core.Decision{Action: core.NoAction}
	}
	if cctx.completed {
		inst.completed = true
	}
	if decision.Action != core.NoAction {
		inst.state.MarkDirty()
	}
	if err := f.snapshot(ctx, inst); err != nil {
		f.logger.Error("Snapshot after process failed", "strategy", id, "error", err)
	}
	return decision
}

// OnOrderTransition routes a tracker notification to the owning instance's
// event hooks.
func (f *Framework) OnOrderTransition(ctx context.Context, o *core.Order, to core.OrderState, fill *core.Fill, code core.ErrorCode, reason string, portfolio core.Portfolio, now time.Time) {
	inst, ok := f.instances[o.StrategyID]
	if !ok {
		return
	}
	cctx := f.ctxFor(inst, portfolio, now)

	switch to {
	case core.OrderSubmitted:
		f.safeCall(inst, "on_order_accepted", func() error {
			inst.strategy.OnOrderAccepted(cctx, o)
			return nil
		})
	case core.OrderPartial, core.OrderFilled:
		if fill != nil {
			f.safeCall(inst, "on_order_filled", func() error {
				inst.strategy.OnOrderFilled(cctx, o, *fill)
				return nil
			})
		}
		if to == core.OrderFilled && o.CompleteOnFill {
			inst.completed = true
		}
	case core.OrderRejected, core.OrderError:
		f.safeCall(inst, "on_order_error", func() error {
			inst.strategy.OnOrderError(cctx, o, code, reason)
			return nil
		})
	}
	if cctx.completed {
		inst.completed = true
	}
	if err := f.snapshot(ctx, inst); err != nil {
		f.logger.Error("Snapshot after order hook failed", "strategy", o.StrategyID, "error", err)
	}
}

// OnMarketDataError notifies the instance of a data stall. An
// instrument-level giveup blocks the instance until data resumes.
func (f *Framework) OnMarketDataError(ctx context.Context, id string, code core.ErrorCode, portfolio core.Portfolio, now time.Time) {
	inst, ok := f.instances[id]
	if !ok {
		return
	}
	cctx := f.ctxFor(inst, portfolio, now)
	f.safeCall(inst, "on_market_data_error", func() error {
		inst.strategy.OnMarketDataError(cctx, code)
		return nil
	})
	if code == core.ErrInvalidInstrument {
		inst.blocked = true
		f.logger.Error("Strategy blocked on market data giveup", "strategy", id)
	}
	if err := f.snapshot(ctx, inst); err != nil {
		f.logger.Error("Snapshot after data error hook failed", "strategy", id, "error", err)
	}
}

// OnMarketDataRestore notifies the instance that data resumed and unblocks
// it.
func (f *Framework) OnMarketDataRestore(ctx context.Context, id string, portfolio core.Portfolio, now time.Time) {
	inst, ok := f.instances[id]
	if !ok {
		return
	}
	cctx := f.ctxFor(inst, portfolio, now)
	f.safeCall(inst, "on_market_data_restore", func() error {
		inst.strategy.OnMarketDataRestore(cctx)
		return nil
	})
	inst.blocked = false
	if err := f.snapshot(ctx, inst); err != nil {
		f.logger.Error("Snapshot after data restore hook failed", "strategy", id, "error", err)
	}
}

// SetBlocked freezes or unfreezes every instance, used while the store is
// unhealthy.
func (f *Framework) SetBlocked(blocked bool) {
	for _, inst := range f.instances {
		inst.blocked = blocked
	}
}

// Rehydrate loads persisted snapshots into already-created instances.
// Unmatched snapshots are logged and skipped.
func (f *Framework) Rehydrate(states []store.StrategyState) {
	for _, st := range states {
		inst, ok := f.instances[st.StrategyID]
		if !ok {
			f.logger.Warn("Snapshot for unknown strategy", "strategy", st.StrategyID)
			continue
		}
		if err := inst.state.Load(st.Blob); err != nil {
			inst.errored = true
			f.logger.Critical("Strategy state rehydration failed", "strategy", st.StrategyID, "error", err)
			continue
		}
		inst.version = st.Version
	}
}

// Resume replays the day's closed-bar log into one recovered instance,
// exactly once, before any live bar is delivered.
func (f *Framework) Resume(ctx context.Context, inst *Instance, bars []core.Bar, portfolio core.Portfolio, now time.Time) error {
	cctx := f.ctxFor(inst, portfolio, now)
	if !f.safeCall(inst, "resume", func() error { return inst.strategy.Resume(cctx, bars) }) {
		return fmt.Errorf("strategy %s failed resume", inst.ID)
	}
	if cctx.completed {
		inst.completed = true
	}
	return f.snapshot(ctx, inst)
}

// CloseDay resets every instance for the next session: flags cleared,
// state container emptied, snapshot versions restarted. Errored instances
// stay errored until an operator reset.
func (f *Framework) CloseDay() {
	for _, inst := range f.instances {
		inst.initialized = false
		inst.completed = false
		inst.blocked = false
		inst.state = NewState()
		inst.version = 0
	}
}

// Reset clears the errored flag after operator intervention.
func (f *Framework) Reset(id string) error {
	inst, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("unknown strategy id: %s", id)
	}
	inst.errored = false
	f.logger.Warn("Strategy reset by operator", "strategy", id)
	return nil
}
