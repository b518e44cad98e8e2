package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"maotrade/internal/config"
	"maotrade/internal/core"
)

// Factory builds a concrete adapter from broker configuration.
type Factory func(cfg *config.BrokerConfig, logger core.ILogger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds an adapter factory under a broker identifier. Adapters
// call it from their package init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// New creates the adapter selected by the configuration.
func New(cfg *config.BrokerConfig, logger core.ILogger) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(cfg.Name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported broker: %s (registered: %s)", cfg.Name, strings.Join(Registered(), ", "))
	}
	return factory(cfg, logger)
}

// Registered lists the registered broker identifiers.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
