// Package translation holds the registry of provider translation backends.
// A translation backend accepts OpenAI-shaped requests and owns the exchange
// with a provider speaking a different wire format. The core proxy only
// dispatches by name; it never inspects provider-native payloads.
package translation

import (
	"sync"

	gateway "github.com/dittolabs/ditto/internal"
)

// Registry maps translation names to backends. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]gateway.TranslationBackend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]gateway.TranslationBackend)}
}

// Register adds or replaces a backend under its own name.
func (r *Registry) Register(b gateway.TranslationBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (gateway.TranslationBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered translation names in arbitrary order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	return out
}
