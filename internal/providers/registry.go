package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoClient is returned when no client is registered for a provider and
// there is no default
var ErrNoClient = errors.New("no client for provider")

// Registry maps catalog provider names to upstream clients
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback Client
}

// NewRegistry creates a registry. fallback serves providers without a
// dedicated client and may be nil.
func NewRegistry(fallback Client) *Registry {
	return &Registry{clients: make(map[string]Client), fallback: fallback}
}

// Register sets the client for a provider
func (r *Registry) Register(provider string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[provider] = client
}

// Client returns the client serving provider
func (r *Registry) Client(provider string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[provider]; ok {
		return c, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoClient, provider)
}

// Invoke routes call to its provider's client
func (r *Registry) Invoke(ctx context.Context, call Call) (*Result, error) {
	c, err := r.Client(call.Provider)
	if err != nil {
		return nil, &Error{Kind: KindClient, Message: err.Error()}
	}
	return c.Invoke(ctx, call)
}

// Verify checks a credential with the client's Verifier, or with a full
// invocation of call when the client has none
func (r *Registry) Verify(ctx context.Context, call Call) error {
	c, err := r.Client(call.Provider)
	if err != nil {
		return &Error{Kind: KindClient, Message: err.Error()}
	}
	if v, ok := c.(Verifier); ok {
		return v.Verify(ctx, call)
	}
	_, err = c.Invoke(ctx, call)
	return err
}
