package session

import (
	"sort"
	"strings"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

// HeapStats is the §4.8 "snapshot_heap" result: a point-in-time summary of
// a session's heap occupancy plus a best-effort repr of every bound
// variable, for diff_heap to compare against a later snapshot.
type HeapStats struct {
	SessionID string

	LiveObjects     int
	FreeSlots       int
	TotalSlots      int
	InternedStrings int

	Variables map[string]string // name -> repr
}

// SnapshotHeap captures id's current heap occupancy and variable reprs
// (§4.8). Taking the sandbox's own lock means this never races with a
// concurrent execute on the same session.
func (m *Manager) SnapshotHeap(id string) (*HeapStats, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == nil {
		return &HeapStats{SessionID: id, Variables: map[string]string{}}, nil
	}
	h := s.vm.Heap
	stats := &HeapStats{
		SessionID:       id,
		LiveObjects:     h.LiveObjects(),
		FreeSlots:       h.FreeSlots(),
		TotalSlots:      h.TotalSlots(),
		InternedStrings: len(h.InternedStrings()),
		Variables:       make(map[string]string, len(s.vm.Globals)),
	}
	for name, v := range s.vm.Globals {
		stats.Variables[name] = reprValue(s.vm, v, 0, make(map[models.HeapId]bool))
	}
	return stats, nil
}

// HeapDiff is the §4.8 "diff_heap" result comparing two HeapStats taken
// from the same session at different times.
type HeapDiff struct {
	LiveObjectsDelta int
	FreeSlotsDelta   int
	TotalSlotsDelta  int

	Added   []string // variable names present in after but not before
	Removed []string // present in before but not after
	Changed []string // present in both, with a different repr
}

// DiffHeap computes the delta between two snapshots of the same session.
// The two HeapStats need not come from the same Manager call; callers are
// responsible for taking them against the same session id in order.
func DiffHeap(before, after *HeapStats) *HeapDiff {
	d := &HeapDiff{
		LiveObjectsDelta: after.LiveObjects - before.LiveObjects,
		FreeSlotsDelta:   after.FreeSlots - before.FreeSlots,
		TotalSlotsDelta:  after.TotalSlots - before.TotalSlots,
	}
	for name, afterRepr := range after.Variables {
		beforeRepr, existed := before.Variables[name]
		if !existed {
			d.Added = append(d.Added, name)
		} else if beforeRepr != afterRepr {
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range before.Variables {
		if _, stillThere := after.Variables[name]; !stillThere {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// reprValue is a best-effort structural renderer, not a full repr()
// dunder-dispatch protocol — no __repr__/__str__ lookup exists anywhere in
// this build, so a user-defined Instance renders by class name alone, as
// <ClassName object>, rather than by calling into its (possibly absent)
// __repr__. Built on the
// CPython-exact scalar renderers in models/value.go; depth-capped and
// cycle-guarded since a container can recurse into itself.
func reprValue(vmi *vm.VM, v models.Value, depth int, visited map[models.HeapId]bool) string {
	if depth > 8 {
		return "..."
	}
	switch v.Kind {
	case models.KindNone:
		return "None"
	case models.KindBool:
		if v.BoolV {
			return "True"
		}
		return "False"
	case models.KindEllipsis:
		return "Ellipsis"
	case models.KindNotImplemented:
		return "NotImplemented"
	}
	if v.Heap == 0 {
		return models.KindName(v.Kind)
	}
	if visited[v.Heap] {
		return "..."
	}
	e, ok := vmi.Heap.Read(v.Heap)
	if !ok {
		return "<freed>"
	}
	switch val := e.Value.(type) {
	case *models.BigInt:
		return val.V.String()
	case float64:
		return models.ReprFloat(val)
	case *models.Complex:
		return models.ReprComplex(*val)
	case *models.Str:
		return models.ReprStr(val.S)
	case *models.Bytes:
		return "b" + models.ReprStr(string(val.B))
	case *models.Bytearray:
		return "bytearray(b" + models.ReprStr(string(val.B)) + ")"
	case *models.Range:
		return "range(...)"
	case *models.Slice:
		return "slice(...)"
	}

	visited[v.Heap] = true
	defer delete(visited, v.Heap)

	switch val := e.Value.(type) {
	case *models.Tuple:
		return models.ReprTupleFromStrings(reprAll(vmi, val.Items, depth+1, visited))
	case *models.List:
		return "[" + strings.Join(reprAll(vmi, val.Items, depth+1, visited), ", ") + "]"
	case *models.Set:
		return models.ReprSetFromStrings(reprAll(vmi, val.Items, depth+1, visited))
	case *models.FrozenSet:
		return "frozenset(" + models.ReprSetFromStrings(reprAll(vmi, val.Items, depth+1, visited)) + ")"
	case *models.Dict:
		keys := reprAll(vmi, val.Keys, depth+1, visited)
		vals := reprAll(vmi, val.Values, depth+1, visited)
		pairs := make([][2]string, len(keys))
		for i := range keys {
			pairs[i] = [2]string{keys[i], vals[i]}
		}
		return models.ReprDictFromPairs(pairs)
	case *models.Instance:
		name := "object"
		if val.Class != nil {
			name = val.Class.Name
		}
		return "<" + name + " object>"
	default:
		return "<" + models.KindName(v.Kind) + ">"
	}
}

func reprAll(vmi *vm.VM, vs []models.Value, depth int, visited map[models.HeapId]bool) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = reprValue(vmi, v, depth, visited)
	}
	return out
}
