package schema

import "sync"

// Registry holds schema rules and resolves keys against them.
//
// Resolution is deterministic for a fixed registration sequence: exact
// matchers are consulted before pattern matchers, each class in registration
// order, and the first hit wins. Registration is append-only; a later rule
// never displaces an earlier one for keys the earlier rule already claims.
type Registry struct {
	mu       sync.RWMutex
	exact    []Schema
	patterns []Schema
}

// NewRegistry returns an empty registry.
func NewRegistry(schemas ...Schema) *Registry {
	r := &Registry{}
	for _, s := range schemas {
		r.Register(s)
	}
	return r
}

// Register appends a rule. Rules with a nil matcher are ignored.
func (r *Registry) Register(s Schema) {
	if s.Matcher == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := s.Matcher.(exactMatcher); ok {
		r.exact = append(r.exact, s)
		return
	}
	r.patterns = append(r.patterns, s)
}

// Resolve returns the first rule claiming key, if any.
func (r *Registry) Resolve(key string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.exact {
		if s.Matcher.Match(key) {
			return s, true
		}
	}
	for _, s := range r.patterns {
		if s.Matcher.Match(key) {
			return s, true
		}
	}
	return Schema{}, false
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exact) + len(r.patterns)
}
