package attr

// Spec is a persisted schema entry binding an attribute name and coding to a
// stable numeric id. The first spec created for a name is its primary; reusing
// the name with a different coding chains a secondary spec off the primary,
// keyed by coding. Specs are append-only for the life of a store.
type Spec struct {
	Key    string
	ID     int64
	Coding Type

	// Secondary holds specs for the same key with a different coding.
	// Populated only on primary specs.
	Secondary map[Type]*Spec
}

// NewSpec returns a spec with an empty secondary map.
func NewSpec(key string, id int64, coding Type) *Spec {
	return &Spec{
		Key:       key,
		ID:        id,
		Coding:    coding,
		Secondary: make(map[Type]*Spec),
	}
}

// Resolver resolves an attribute name and coding to its schema spec, creating
// and persisting a new entry when none exists for that exact pair.
type Resolver interface {
	Resolve(key string, coding Type) (*Spec, error)
}
