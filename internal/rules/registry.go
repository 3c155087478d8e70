// Package rules implements the validation rule registry: per-key predicates
// that decide whether a stored value for a top-level state key is acceptable.
package rules

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/statesync/statesync/internal/state"
)

// Predicate decides whether a value is acceptable for its key. It must handle
// any value kind, including null. Predicates are expected to be side-effect
// free; a panicking predicate counts as rejection.
type Predicate func(v state.Value) bool

// Registry maps top-level state keys to validation predicates.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]Predicate
	logger zerolog.Logger
}

// NewRegistry creates an empty rule registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		rules:  make(map[string]Predicate),
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// Register installs a predicate for a top-level key, replacing any existing
// rule for that key.
func (r *Registry) Register(key string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[key] = p
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Validate runs the predicate registered for key against value. Keys without
// a registered rule are accepted (open-world default). A panic inside the
// predicate is swallowed and counts as rejection.
func (r *Registry) Validate(key string, v state.Value) (ok bool) {
	r.mu.RLock()
	p := r.rules[key]
	r.mu.RUnlock()

	if p == nil {
		return true
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().Str("key", key).Any("panic", rec).Msg("Validation rule panicked, treating as invalid")
			ok = false
		}
	}()
	return p(v)
}
