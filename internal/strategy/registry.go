package strategy

import (
	"sync"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register associates a factory with a strategy name. Later registrations
// replace earlier ones.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// NewFactory resolves a strategy name into its registered factory. The empty
// name and "default" resolve to "carga_descarga".
func NewFactory(name string) (Factory, error) {
	if name == "" || name == "default" {
		name = "carga_descarga"
	}

	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, domain.NewErrorf(domain.ErrInvalidRequest, "unknown strategy %q", name)
	}
	return factory, nil
}
