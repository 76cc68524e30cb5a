// Package models: managed heap (C1, §4.1).
//
// The slot allocator is grounded on dalzilio-rudd's bkernel.go unique-node
// table: a dense slice of entries, a singly linked free list threaded
// through freed slots, and dedup maps for sharing (there: BDD nodes;
// here: the interned string and small-int tables; tuples are not
// deduplicated). The intern pool itself is adapted from the
// teacher's models/string_intern.go LRU pool, with eviction removed since
// spec.md requires interned/frozen slots to be permanent for the life of
// the process.
package models

import (
	"fmt"
	"math"
	"math/big"

	"github.com/cespare/xxhash/v2"
)

// smallIntMin/Max mirror CPython's own interned small-int range, picked
// as the Open Question resolution documented in DESIGN.md.
const (
	smallIntMin = -5
	smallIntMax = 256

	// internStringMaxLen is the Open Question resolution for the string
	// interning threshold (DESIGN.md / SPEC_FULL.md): strings at or
	// under this length are candidates for interning.
	internStringMaxLen = 20
)

// HeapEntry is the payload + bookkeeping for one allocated object (§3).
type HeapEntry struct {
	Value    interface{} // one of the payload types in value.go, or nil for inline-only kinds
	Kind     Kind
	Refcount int64
	Frozen   bool
	HashSet  bool
	Hash     int64
	Type     *TypeDescriptor // set only for Instance/ClassObject entries

	next int // free-list link when Refcount == 0 and slot is free; -1 otherwise
}

// Heap is the slot-allocated object store (§4.1).
type Heap struct {
	entries  []HeapEntry
	freeHead int // index of first free slot, or -1

	internedStrings map[string]HeapId
	internedInts    map[int64]HeapId

	// tupleDedup is created empty by NewHeap and is not read or written
	// anywhere else: tuples and frozensets are not deduplicated, and every
	// allocation of one gets its own slot.
	tupleDedup map[string]HeapId

	allocCount int64 // lifetime allocation counter, read by the resource tracker
}

func NewHeap() *Heap {
	h := &Heap{
		freeHead:        -1,
		internedStrings: make(map[string]HeapId),
		internedInts:    make(map[int64]HeapId),
		tupleDedup:      make(map[string]HeapId),
	}
	return h
}

// Alloc stores value under kind with refcount 1 (§3 "Lifecycle").
func (h *Heap) Alloc(kind Kind, value interface{}) HeapId {
	h.allocCount++
	if h.freeHead != -1 {
		idx := h.freeHead
		e := &h.entries[idx]
		h.freeHead = e.next
		*e = HeapEntry{Value: value, Kind: kind, Refcount: 1, next: -1}
		return HeapId(idx + 1)
	}
	h.entries = append(h.entries, HeapEntry{Value: value, Kind: kind, Refcount: 1, next: -1})
	return HeapId(len(h.entries))
}

// AllocInstance allocates an Instance/ClassObject payload and attaches t
// as its governing TypeDescriptor in the same step, since classOf's
// dunder lookups depend on HeapEntry.Type and nothing else ever sets it.
func (h *Heap) AllocInstance(kind Kind, value interface{}, t *TypeDescriptor) HeapId {
	id := h.Alloc(kind, value)
	h.entries[h.index(id)].Type = t
	return id
}

// AllocFrozen allocates a pinned, immutable entry (used for interning and
// for the True/False/empty-tuple/empty-str singletons, §3).
func (h *Heap) AllocFrozen(kind Kind, value interface{}) HeapId {
	id := h.Alloc(kind, value)
	h.entries[id-1].Frozen = true
	return id
}

func (h *Heap) index(id HeapId) int { return int(id) - 1 }

// Read returns the live entry for id. Callers must not retain the
// pointer across an Alloc call, since entries may reallocate.
func (h *Heap) Read(id HeapId) (*HeapEntry, bool) {
	i := h.index(id)
	if i < 0 || i >= len(h.entries) {
		return nil, false
	}
	e := &h.entries[i]
	if e.Refcount <= 0 {
		return nil, false
	}
	return e, true
}

// Write replaces the payload of id. Forbidden on frozen entries (§4.1).
func (h *Heap) Write(id HeapId, value interface{}) error {
	e, ok := h.Read(id)
	if !ok {
		return ErrNotFound
	}
	if e.Frozen {
		return ErrFrozen
	}
	e.Value = value
	// Mutation invalidates any cached hash per the unhashability/cache
	// invariant in §3: only unhashable (never-cached) values may mutate.
	e.HashSet = false
	e.Hash = 0
	return nil
}

// Incref increments id's refcount. Called whenever a reference is
// duplicated (pushed onto a second stack slot, stored into a second
// container, etc).
func (h *Heap) Incref(id HeapId) {
	if e, ok := h.Read(id); ok {
		e.Refcount++
	}
}

// Decref drops one reference unit from id, recursively freeing referents
// when the count reaches zero (§3 "Lifecycle"). Frozen/interned entries
// with refcount already at the pinned minimum are never actually freed:
// the interning table retains its own implicit reference for the process
// lifetime, enforced by never letting a frozen slot's Decref reach 0 here
// — frozen entries simply ignore decref below 1.
func (h *Heap) Decref(id HeapId) {
	e, ok := h.Read(id)
	if !ok {
		return
	}
	if e.Frozen {
		if e.Refcount > 1 {
			e.Refcount--
		}
		return
	}
	e.Refcount--
	if e.Refcount > 0 {
		return
	}
	h.free(id, e)
}

func (h *Heap) free(id HeapId, e *HeapEntry) {
	for _, child := range h.referents(e) {
		h.Decref(child)
	}
	e.Value = nil
	e.Type = nil
	e.HashSet = false
	idx := h.index(id)
	e.next = h.freeHead
	h.freeHead = idx
}

// referents returns the HeapIds directly contained by e's payload, used
// to recursively decref on free.
func (h *Heap) referents(e *HeapEntry) []HeapId {
	switch v := e.Value.(type) {
	case *Tuple:
		return heapIdsOf(v.Items)
	case *List:
		return heapIdsOf(v.Items)
	case *Dict:
		ids := heapIdsOf(v.Keys)
		return append(ids, heapIdsOf(v.Values)...)
	case *Set:
		return heapIdsOf(v.Items)
	case *FrozenSet:
		return heapIdsOf(v.Items)
	case *Cell:
		if v.V.Kind != KindNone {
			return []HeapId{v.V.Heap}
		}
	case *BoundMethod:
		return []HeapId{v.Self, v.Func}
	case *Instance:
		var ids []HeapId
		for _, fv := range v.Dict {
			if fv.Heap != 0 {
				ids = append(ids, fv.Heap)
			}
		}
		for _, fv := range v.SlotVals {
			if fv.Heap != 0 {
				ids = append(ids, fv.Heap)
			}
		}
		return ids
	}
	return nil
}

func heapIdsOf(vs []Value) []HeapId {
	var ids []HeapId
	for _, v := range vs {
		if v.Heap != 0 {
			ids = append(ids, v.Heap)
		}
	}
	return ids
}

// --- Serializer support (C7) ---
//
// The serializer never reaches into Heap's private fields directly; it
// drives a two-pass restore through this small exported surface instead,
// the same separation of concerns as the rest of this file's Alloc/Read/
// Write API. Pass one allocates a placeholder per live entry (establishing
// the old-id -> new-id mapping the serializer needs, since §4.7 requires
// HeapIds to be rewritten rather than preserved verbatim); pass two fills
// in payloads once every id a payload might reference is already known.

// AllocPlaceholder reserves a slot with kind and no payload yet, refcount
// 1, not frozen — the first pass of a two-pass heap restore.
func (h *Heap) AllocPlaceholder(kind Kind) HeapId {
	return h.Alloc(kind, nil)
}

// Restore finalizes a placeholder slot's payload and bookkeeping (the
// second restore pass, once every cross-referenced HeapId is known). It
// bypasses the frozen-write protection Write enforces for ordinary
// mutation, since restoring a dump is not a user-visible mutation.
func (h *Heap) Restore(id HeapId, value interface{}, refcount int64, frozen bool, typ *TypeDescriptor, hash int64, hashSet bool) {
	i := h.index(id)
	if i < 0 || i >= len(h.entries) {
		return
	}
	e := &h.entries[i]
	e.Value = value
	e.Refcount = refcount
	e.Frozen = frozen
	e.Type = typ
	e.Hash = hash
	e.HashSet = hashSet
}

// ReinternString re-registers id as the canonical interned slot for s, so
// later InternString(s) calls after a load resolve to the restored entry
// instead of allocating a duplicate.
func (h *Heap) ReinternString(s string, id HeapId) {
	h.internedStrings[s] = id
}

// ReinternSmallInt re-registers id as the canonical interned slot for i.
func (h *Heap) ReinternSmallInt(i int64, id HeapId) {
	h.internedInts[i] = id
}

// InternedStrings/InternedSmallInts expose the intern tables verbatim so
// the serializer can capture which ids were canonical at snapshot time
// and reinstate the same sharing on restore via ReinternString/
// ReinternSmallInt. Callers must not mutate the returned maps.
func (h *Heap) InternedStrings() map[string]HeapId { return h.internedStrings }
func (h *Heap) InternedSmallInts() map[int64]HeapId { return h.internedInts }

// HeapSnapshotEntry is one live slot as seen by Snapshot (§4.7). Free
// slots carry no observable state and are omitted — HeapIds are rewritten
// on load in any case, so a restored heap is compacted, not reproduced
// byte-for-byte.
type HeapSnapshotEntry struct {
	ID       HeapId
	Kind     Kind
	Refcount int64
	Frozen   bool
	Hash     int64
	HashSet  bool
	Value    interface{}
	Type     *TypeDescriptor
}

// Snapshot returns every live entry in ascending id order, the order the
// two-pass restore (AllocPlaceholder then Restore) depends on: a class
// must be allocated (and linked into the id->TypeDescriptor map the
// serializer builds as it goes) before any instance of it can be.
func (h *Heap) Snapshot() []HeapSnapshotEntry {
	out := make([]HeapSnapshotEntry, 0, len(h.entries))
	for i := range h.entries {
		e := &h.entries[i]
		if e.Refcount <= 0 {
			continue
		}
		out = append(out, HeapSnapshotEntry{
			ID: HeapId(i + 1), Kind: e.Kind, Refcount: e.Refcount,
			Frozen: e.Frozen, Hash: e.Hash, HashSet: e.HashSet,
			Value: e.Value, Type: e.Type,
		})
	}
	return out
}

// LiveObjects returns the count of currently allocated (refcount > 0)
// slots, used by §8's "no leaks" invariant and by snapshot_heap (§4.8).
func (h *Heap) LiveObjects() int {
	n := 0
	for i := range h.entries {
		if h.entries[i].Refcount > 0 {
			n++
		}
	}
	return n
}

func (h *Heap) TotalSlots() int { return len(h.entries) }

func (h *Heap) FreeSlots() int { return len(h.entries) - h.LiveObjects() }

func (h *Heap) AllocationCount() int64 { return h.allocCount }

// --- Interning (§4.1) ---

// InternString deduplicates short strings into a single frozen slot.
// Strings longer than internStringMaxLen are still allocated normally
// (not interned): identity comparison on them is not guaranteed, exactly
// as spec.md requires.
func (h *Heap) InternString(s string) HeapId {
	if len(s) <= internStringMaxLen {
		if id, ok := h.internedStrings[s]; ok {
			if e, live := h.Read(id); live {
				return id
			}
			// The weak back-index invariant (§3): the slot may have been
			// freed even though it was frozen... but frozen slots are
			// never released by Decref, so reaching here only happens if
			// the map entry is stale from before a heap reset. Re-intern.
			_ = e
		}
		id := h.AllocFrozen(KindStr, &Str{S: s})
		h.internedStrings[s] = id
		return id
	}
	return h.Alloc(KindStr, &Str{S: s})
}

// InternSmallInt deduplicates ints in [smallIntMin, smallIntMax].
func (h *Heap) InternSmallInt(i int64) (HeapId, bool) {
	if i < smallIntMin || i > smallIntMax {
		return 0, false
	}
	if id, ok := h.internedInts[i]; ok {
		return id, true
	}
	id := h.AllocFrozen(KindInt, &BigInt{V: big.NewInt(i)})
	h.internedInts[i] = id
	return id, true
}

// --- Hashing (§4.1) ---

func hashBytes(b []byte) int64 {
	return int64(xxhash.Sum64(b))
}

func hashString(s string) int64 {
	return int64(xxhash.Sum64String(s))
}

// UnhashableLookup is supplied by the dispatch layer: given an instance's
// TypeDescriptor, it must answer the §4.1 "unhashability rule" — whether
// the MRO walk finds __hash__ explicitly None, or __eq__ overridden
// without a later __hash__. Kept as an injected function (rather than a
// models-level MRO walker) so the heap package does not need to know
// about dunder dispatch machinery; the vm package supplies the real
// implementation by wiring a closure over its TypeDescriptor cache.
type UnhashableLookup func(t *TypeDescriptor) (unhashable bool, reason string)

// Hash computes and caches id's hash (§4.1), consulting unhashable for
// Instance entries before ever attempting a user __hash__ call — "the
// walk is the single source of truth; dispatch must consult it before
// attempting the __hash__ call".
func (h *Heap) Hash(id HeapId, unhashable UnhashableLookup, userHash func(HeapId) (int64, error)) (int64, error) {
	e, ok := h.Read(id)
	if !ok {
		return 0, ErrNotFound
	}
	if e.HashSet {
		return e.Hash, nil
	}
	var hv int64
	switch v := e.Value.(type) {
	case nil:
		switch e.Kind {
		case KindNone:
			hv = 0
		case KindEllipsis:
			hv = 1
		default:
			hv = int64(id) // identity hash fallback for inline singletons
		}
	case *BigInt:
		hv = bigIntHash(v.V)
	case float64:
		hv = FloatHash(v)
	case bool:
		if v {
			hv = 1
		} else {
			hv = 0
		}
	case *Str:
		hv = hashString(v.S)
	case *Bytes:
		hv = hashBytes(v.B)
	case *Tuple:
		hv = 0x345678
		for _, item := range v.Items {
			ih, err := h.Hash(item.Heap, unhashable, userHash)
			if item.Heap == 0 {
				ih = inlineHash(item)
			} else if err != nil {
				return 0, err
			}
			hv = hv*1000003 ^ ih
		}
	case *FrozenSet:
		for _, item := range v.Items {
			var ih int64
			if item.Heap == 0 {
				ih = inlineHash(item)
			} else {
				var err error
				ih, err = h.Hash(item.Heap, unhashable, userHash)
				if err != nil {
					return 0, err
				}
			}
			hv ^= ih // XOR so set hash is order-independent
		}
	case *Instance:
		if unhashable != nil {
			if bad, reason := unhashable(v.Class); bad {
				return 0, &PyException{TypeName: "TypeError", Message: reason}
			}
		}
		if userHash != nil {
			uh, err := userHash(id)
			if err != nil {
				return 0, err
			}
			hv = uh
		} else {
			hv = int64(id) // identity hash
		}
	default:
		hv = int64(id)
	}
	e.Hash = hv
	e.HashSet = true
	return hv, nil
}

func inlineHash(v Value) int64 {
	switch v.Kind {
	case KindNone:
		return 0
	case KindBool:
		if v.BoolV {
			return 1
		}
		return 0
	case KindEllipsis:
		return 1
	case KindNotImplemented:
		return 2
	default:
		return 0
	}
}

// bigIntHash produces a hash consistent with equal floats (§3 "numeric
// equality cohorts"): reduce mod a large prime the way CPython's
// long_hash does, falling back to a float-compatible path for values
// that fit in a float64 exactly.
func bigIntHash(v *big.Int) int64 {
	const modulus = (int64(1) << 61) - 1 // a Mersenne prime, as CPython uses for PyHASH_MODULUS on 64-bit builds
	mod := big.NewInt(modulus)
	r := new(big.Int).Mod(v, mod)
	hv := r.Int64()
	if v.Sign() < 0 && hv == 0 {
		hv = -1 // CPython never returns hash == -1 except as an error sentinel... but -0 collapses to 0; leave as 0 here since hash(-(k*modulus)) really is 0.
	}
	return hv
}

// FloatHash hashes a float so that hash(1.0) == hash(1) == hash(True),
// satisfying §8's numeric-equality-cohort invariant.
func FloatHash(f float64) int64 {
	if math.IsInf(f, 0) {
		if f > 0 {
			return 314159
		}
		return -314159
	}
	if math.IsNaN(f) {
		return 0
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e18 {
		return bigIntHash(big.NewInt(int64(f)))
	}
	bits := math.Float64bits(f)
	return int64(bits ^ (bits >> 32))
}

// Unhashable is the sentinel error message builder for §4.1's TypeError.
func Unhashable(typeName string) error {
	return &PyException{TypeName: "TypeError", Message: fmt.Sprintf("unhashable type: '%s'", typeName)}
}
