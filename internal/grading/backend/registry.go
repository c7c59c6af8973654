package backend

import (
	"fmt"
	"sort"
	"sync"

	"autograder/internal/sandbox"
	appErr "autograder/pkg/errors"
)

// Built-in backend identifiers.
const (
	KindCommand   = "command"
	KindPrompt    = "prompt"
	KindSimulator = "simulator"
	KindSandbox   = "sandbox"
)

// Factory builds a backend from its decoded assignment options.
type Factory func(r *Registry, opts map[string]interface{}) (Backend, error)

// Registry maps backend identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	provider  *sandbox.Provider
}

// NewRegistry returns a registry holding the built-in backends. provider may
// be nil, in which case the sandbox backend cannot be configured.
func NewRegistry(provider *sandbox.Provider) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		provider:  provider,
	}
	r.Register(KindCommand, NewCommand)
	r.Register(KindPrompt, NewPrompt)
	r.Register(KindSimulator, NewSimulator)
	r.Register(KindSandbox, NewSandboxed)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Kinds lists the registered identifiers.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Build constructs the backend registered under id. Unknown identifiers and
// rejected options are configuration errors.
func (r *Registry) Build(id string, opts map[string]interface{}) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.UnknownBackend, "unknown backend %q, known backends: %v", id, r.Kinds()).
			WithDetail("backend", id)
	}
	b, err := f(r, opts)
	if err != nil {
		if appErr.GetCode(err).IsConfiguration() {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.ConfigurationError, "backend %s", id).WithDetail("backend", id)
	}
	return b, nil
}

// Provider returns the sandbox provider, if any.
func (r *Registry) Provider() *sandbox.Provider {
	return r.provider
}

func optionsError(kind string, err error) error {
	return fmt.Errorf("%s options: %w", kind, err)
}
