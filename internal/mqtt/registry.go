package mqtt

// Binding pairs an entity with the provider that produces its value.
type Binding struct {
	Entity   Entity
	Provider Provider
}

// Registry maps entity keys to bindings in registration order. It does
// no locking of its own; the [Publisher] serialises access.
type Registry struct {
	byKey map[EntityKey]int // index into binds
	binds []Binding
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[EntityKey]int)}
}

// Put stores b. A binding for an already registered key replaces the
// previous one in place, keeping its position. It reports whether the
// key was new.
func (r *Registry) Put(b Binding) bool {
	key := b.Entity.Key()
	if i, ok := r.byKey[key]; ok {
		r.binds[i] = b
		return false
	}
	r.byKey[key] = len(r.binds)
	r.binds = append(r.binds, b)
	return true
}

// Len returns the number of registered keys.
func (r *Registry) Len() int { return len(r.binds) }

// Snapshot returns a copy of all bindings in registration order.
func (r *Registry) Snapshot() []Binding {
	out := make([]Binding, len(r.binds))
	copy(out, r.binds)
	return out
}
