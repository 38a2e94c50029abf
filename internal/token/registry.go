package token

import "sync"

// Registry resolves asset symbols to token contracts and carries the
// creation allowlist. Only allowlisted assets may appear on either
// side of a new order.
type Registry struct {
	mu      sync.RWMutex
	tokens  map[string]Token
	allowed map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tokens:  make(map[string]Token),
		allowed: make(map[string]bool),
	}
}

// Register adds a token under its symbol. allowed controls whether
// new orders may reference it; already-escrowed assets stay reachable
// for fills and refunds even after delisting.
func (r *Registry) Register(t Token, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.Symbol()] = t
	r.allowed[t.Symbol()] = allowed
}

// SetAllowed flips the allowlist entry for a registered symbol.
func (r *Registry) SetAllowed(symbol string, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[symbol]; ok {
		r.allowed[symbol] = allowed
	}
}

// Allowed reports whether new orders may reference the symbol.
func (r *Registry) Allowed(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[symbol]
}

// Get resolves a symbol to its token contract.
func (r *Registry) Get(symbol string) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[symbol]
	if !ok {
		return nil, ErrUnknownAsset
	}
	return t, nil
}
