package scheduler

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrHandlerExists is returned when a handler name is registered twice.
var ErrHandlerExists = errors.New("scheduler: handler already registered")

// HandlerFunc is the unit of work a job invokes when it fires.
type HandlerFunc func(ctx context.Context, args []string) error

// Registry maps stable handler names to functions. It is populated at process
// start; persisted jobs carry only the name.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]HandlerFunc)}
}

// Register binds a handler name to a function.
func (r *Registry) Register(name string, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.funcs[name]; ok {
		return errors.Wrapf(ErrHandlerExists, "%s", name)
	}
	r.funcs[name] = fn
	return nil
}

// Resolve looks up a handler by name.
func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	return fn, ok
}
