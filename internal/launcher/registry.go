package launcher

import (
	"fmt"
	"sync"

	"github.com/seantiz/overseer/internal/model"
)

// Registry holds registered launchers and resolves which one to use for a
// given isolation mode.
type Registry struct {
	mu        sync.RWMutex
	launchers map[string]Launcher
}

// NewRegistry creates an empty launcher registry.
func NewRegistry() *Registry {
	return &Registry{
		launchers: make(map[string]Launcher),
	}
}

// Register adds a launcher to the registry under the given isolation mode.
func (r *Registry) Register(isolation string, l Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launchers[isolation] = l
}

// Resolve returns the launcher to use for the given isolation mode. An empty
// mode resolves to the local process launcher.
func (r *Registry) Resolve(isolation string) (Launcher, error) {
	if isolation == "" {
		isolation = model.IsolationNone
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.launchers[isolation]
	if !ok {
		return nil, fmt.Errorf("launcher %q is not registered", isolation)
	}
	return l, nil
}
