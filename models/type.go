package models

// DunderState is the cached result of a dunder lookup (§3 "Type
// descriptor"): either the name is absent anywhere in the MRO, explicitly
// bound to None (the unhashable marker, meaningful only for __hash__), or
// resolved to a concrete heap function plus the index of the MRO entry
// that defined it.
type DunderState uint8

const (
	DunderAbsent DunderState = iota
	DunderIsNone
	DunderResolved
)

type Dunder struct {
	State       DunderState
	Func        HeapId
	DefiningIdx int // index into TypeDescriptor.MRO of the defining class
}

// TypeDescriptor is the per-class metadata block (§3). Grounded on the
// teacher's tag-namespace cache (models/tag_namespace.go): a cache keyed
// by a stable identity, invalidated wholesale on any write anywhere in
// the related set, rather than tracked field-by-field.
type TypeDescriptor struct {
	Name string

	// MRO is the linearized ancestor list, most-derived first, ending in
	// the root "object" class. Computed once at class-creation time (C3
	// linearization, §9).
	MRO []HeapId

	// Namespace is this class's own (not inherited) name -> HeapId map.
	Namespace map[string]HeapId

	// Slots is the optional __slots__ member order; nil means instances
	// carry a free-form __dict__.
	Slots []string

	// Abstract is the set of abstractmethod names not yet overridden.
	Abstract map[string]bool

	// Metaclass is this class's metaclass. NewTypeDescriptor leaves it 0;
	// execMakeClass copies the first base's Metaclass onto a new subclass.
	Metaclass HeapId

	// dunderCache is invalidated (reset to an empty map) on any namespace write
	// anywhere in this class's MRO; lookup_type_dunder repopulates it
	// lazily, one name at a time.
	dunderCache map[string]Dunder
}

func NewTypeDescriptor(name string) *TypeDescriptor {
	return &TypeDescriptor{
		Name:        name,
		Namespace:   make(map[string]HeapId),
		Abstract:    make(map[string]bool),
		dunderCache: make(map[string]Dunder),
	}
}

// InvalidateDunderCache must be called whenever Namespace changes on this
// class, or on any class that has this class in its MRO's reachable
// descendant set — vm.storeClassAttr/execDeleteAttr call it on the class
// written plus every known descendant (vm.invalidateDunderCacheForClass)
// whenever a class attribute write or delete goes through.
func (t *TypeDescriptor) InvalidateDunderCache() {
	t.dunderCache = make(map[string]Dunder)
}

// CachedDunder returns the cached state for name, and whether it was present.
func (t *TypeDescriptor) CachedDunder(name string) (Dunder, bool) {
	d, ok := t.dunderCache[name]
	return d, ok
}

func (t *TypeDescriptor) SetCachedDunder(name string, d Dunder) {
	t.dunderCache[name] = d
}

// IsProperSubclassMRO reports whether ancestor appears in candidateMRO at
// an index > 0 (i.e. ancestor is a strict ancestor), used by the
// subclass-priority rule in §4.4.2/§4.4.4. candidateMRO is the *subclass
// candidate's* MRO; ancestor is the class being tested as a possible
// ancestor.
func IsProperSubclassMRO(candidateMRO []HeapId, ancestor HeapId) bool {
	for i, id := range candidateMRO {
		if id == ancestor {
			return i > 0
		}
	}
	return false
}
