// Package strategy implements the strategy framework: the plugin contract,
// the persisted state container and the instance lifecycle with crash
// isolation and copy-on-write snapshots.
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"maotrade/internal/core"
)

// Params holds a strategy's configured parameters.
type Params map[string]interface{}

// Float reads a numeric parameter, falling back to def when absent. YAML
// and JSON decoding may surface numbers as int or float64.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Int reads an integer parameter with a default.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// String reads a string parameter with a default.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Has reports whether the parameter is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Context is handed to every strategy callback. It carries the instance
// identity, a read-only portfolio copy and the state container. Contexts
// are rebuilt per callback and must not be retained.
type Context struct {
	StrategyID string
	Instrument string
	Timeframe  core.Timeframe
	Params     Params
	State      *State
	Portfolio  core.Portfolio
	Logger     core.ILogger
	Now        time.Time

	completed bool
}

// PositionQty is the currently held quantity of the instance's instrument.
func (c *Context) PositionQty() float64 {
	qty, _ := c.Portfolio.QtyOf(c.Instrument).Float64()
	return qty
}

// Complete marks the instance done for the day; no further bars are
// delivered until the next session.
func (c *Context) Complete() { c.completed = true }

// Strategy is the contract every plugin implements. Process is the hot
// path and must not block on I/O; all callbacks run on the engine
// goroutine and must not spawn goroutines of their own.
type Strategy interface {
	// Validate checks required parameters before the session starts.
	// Rejection is final until the operator re-submits.
	Validate(ctx *Context) error

	// Initialize binds parameters into instance fields and prepares working
	// buffers. firstInit is false when re-initializing after recovery.
	Initialize(ctx *Context, firstInit bool) error

	// Process consumes one bar and returns the decision.
	Process(ctx *Context, bar core.Bar) core.Decision

	// Resume is called exactly once after a restart, before any live bar,
	// with the ordered closed-bar log of the day. The state container has
	// already been rehydrated.
	Resume(ctx *Context, bars []core.Bar) error

	OnOrderAccepted(ctx *Context, o *core.Order)
	OnOrderFilled(ctx *Context, o *core.Order, fill core.Fill)
	OnOrderError(ctx *Context, o *core.Order, code core.ErrorCode, reason string)
	OnMarketDataError(ctx *Context, code core.ErrorCode)
	OnMarketDataRestore(ctx *Context)
}

// Base provides no-op defaults for the optional callbacks so plugins only
// implement what they need.
type Base struct{}

func (Base) Resume(*Context, []core.Bar) error                          { return nil }
func (Base) OnOrderAccepted(*Context, *core.Order)                      {}
func (Base) OnOrderFilled(*Context, *core.Order, core.Fill)             {}
func (Base) OnOrderError(*Context, *core.Order, core.ErrorCode, string) {}
func (Base) OnMarketDataError(*Context, core.ErrorCode)                 {}
func (Base) OnMarketDataRestore(*Context)                               {}

// Factory builds a fresh strategy value.
type Factory func() Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a strategy class to the registry. Plugins call it from
// their package init.
func Register(class string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(class)] = factory
}

// NewStrategy instantiates a registered class.
func NewStrategy(class string) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(class)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy class: %s (registered: %s)", class, strings.Join(Classes(), ", "))
	}
	return factory(), nil
}

// Classes lists the registered strategy classes.
func Classes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for class := range registry {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
