package session

import (
	"fmt"
	"math/big"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

// TransferVariable reads name from source's globals and re-materializes it
// in target's globals as targetName (defaulting to name), without letting
// any HeapId escape source's heap (§4.8 "re-materialize in target (no
// HeapId escapes)"). Locks both sandboxes in a fixed order by id (§5).
func (m *Manager) TransferVariable(sourceID, targetID, name, targetName string) error {
	if targetName == "" {
		targetName = name
	}
	first, second := lockOrder(sourceID, targetID)
	src, err := m.lookup(sourceID)
	if err != nil {
		return err
	}
	dst, err := m.lookup(targetID)
	if err != nil {
		return err
	}
	boxes := map[string]*Sandbox{sourceID: src, targetID: dst}
	return withOrderedLocks(boxes, first, second, func() error {
		if src.vm == nil {
			return models.ErrNotFound
		}
		v, ok := src.vm.Globals[name]
		if !ok {
			return models.ErrNotFound
		}
		if dst.vm == nil {
			return models.ErrInvalidInput
		}
		copied, err := copyValue(src.vm, dst.vm, v)
		if err != nil {
			return err
		}
		if old, ok := dst.vm.Globals[targetName]; ok && old.Heap != 0 {
			dst.vm.Heap.Decref(old.Heap)
		}
		dst.vm.Globals[targetName] = copied
		return nil
	})
}

// CallSession executes prog in source to completion, then writes its
// completion value into target's targetVar global (§4.8
// "call_session(source, target, code, target_var)"). prog must complete
// synchronously; a suspension mid-call (external call, future await) is
// reported as an error since there is no handle by which the caller could
// later resume a session it addressed only by id for this one call.
func (m *Manager) CallSession(sourceID, targetID string, prog *vm.CompiledProgram, limits vm.Limits, targetVar string) error {
	first, second := lockOrder(sourceID, targetID)
	src, err := m.lookup(sourceID)
	if err != nil {
		return err
	}
	dst, err := m.lookup(targetID)
	if err != nil {
		return err
	}
	depth := m.depthSnapshot()
	boxes := map[string]*Sandbox{sourceID: src, targetID: dst}
	return withOrderedLocks(boxes, first, second, func() error {
		if src.vm == nil {
			src.vm = vm.NewVM(prog, limits, sourceID)
		} else {
			pre := src.vm.Snapshot()
			src.history = trimHistory(append(src.history, pre), depth)
			src.vm.Program = prog
		}
		state, err := src.vm.Run(nil)
		if err != nil {
			return err
		}
		if state.Kind != vm.SuspendComplete {
			return fmt.Errorf("call_session: code in %q did not run to completion", sourceID)
		}
		if dst.vm == nil {
			return models.ErrInvalidInput
		}
		copied, err := copyValue(src.vm, dst.vm, state.CompleteValue)
		if err != nil {
			return err
		}
		if old, ok := dst.vm.Globals[targetVar]; ok && old.Heap != 0 {
			dst.vm.Heap.Decref(old.Heap)
		}
		dst.vm.Globals[targetVar] = copied
		return nil
	})
}

// valueCopier deep-copies one value's reachable heap subgraph from src's
// heap into dst's heap, handling internal sharing/cycles by pre-allocating
// a placeholder slot (via Heap.AllocPlaceholder) before recursing into a
// container's own elements — the same two-phase alloc-then-fill shape
// vm/serialize.go's restore pass uses for the whole heap, scoped here to
// just the one value's reachable set.
type valueCopier struct {
	src, dst *vm.VM
	memo     map[models.HeapId]models.HeapId
}

// copyValue is the entry point transfer_variable/call_session use to move
// a single value between two independent heaps.
func copyValue(src, dst *vm.VM, v models.Value) (models.Value, error) {
	c := &valueCopier{src: src, dst: dst, memo: make(map[models.HeapId]models.HeapId)}
	return c.copy(v)
}

func (c *valueCopier) copy(v models.Value) (models.Value, error) {
	if v.Heap == 0 {
		return v, nil // None/Bool/Ellipsis/NotImplemented carry no heap payload
	}
	if newID, ok := c.memo[v.Heap]; ok {
		c.dst.Heap.Incref(newID)
		return models.FromHeap(v.Kind, newID), nil
	}
	e, ok := c.src.Heap.Read(v.Heap)
	if !ok {
		return models.Value{}, models.ErrDanglingHeapID
	}
	newID := c.dst.Heap.AllocPlaceholder(v.Kind)
	c.memo[v.Heap] = newID

	payload, err := c.copyPayload(v.Kind, e.Value)
	if err != nil {
		return models.Value{}, err
	}
	c.dst.Heap.Restore(newID, payload, 1, e.Frozen, nil, e.Hash, e.HashSet)
	return models.FromHeap(v.Kind, newID), nil
}

// copyPayload only covers the value-like kinds that are well-defined
// independent of any particular program or class graph (numbers, text,
// bytes, the built-in containers, slices/ranges/cells). A callable,
// class, instance, module, iterator, generator, or exception cannot be
// transferred this way — its meaning depends on a CompiledProgram or
// TypeDescriptor that belongs to the source session alone, so this
// returns a descriptive error rather than a value that would dangle the
// moment the source session is gone.
func (c *valueCopier) copyPayload(kind models.Kind, val interface{}) (interface{}, error) {
	switch v := val.(type) {
	case *models.BigInt:
		return &models.BigInt{V: new(big.Int).Set(v.V)}, nil
	case float64:
		return v, nil
	case *models.Complex:
		cc := *v
		return &cc, nil
	case *models.Str:
		return &models.Str{S: v.S}, nil
	case *models.Bytes:
		return &models.Bytes{B: append([]byte(nil), v.B...)}, nil
	case *models.Bytearray:
		return &models.Bytearray{B: append([]byte(nil), v.B...)}, nil
	case *models.Tuple:
		items, err := c.copyValues(v.Items)
		return &models.Tuple{Items: items}, err
	case *models.List:
		items, err := c.copyValues(v.Items)
		return &models.List{Items: items}, err
	case *models.Set:
		items, err := c.copyValues(v.Items)
		return &models.Set{Items: items}, err
	case *models.FrozenSet:
		items, err := c.copyValues(v.Items)
		return &models.FrozenSet{Items: items}, err
	case *models.Dict:
		keys, err := c.copyValues(v.Keys)
		if err != nil {
			return nil, err
		}
		vals, err := c.copyValues(v.Values)
		if err != nil {
			return nil, err
		}
		return &models.Dict{Keys: keys, Values: vals}, nil
	case *models.Slice:
		start, err := c.copy(v.Start)
		if err != nil {
			return nil, err
		}
		stop, err := c.copy(v.Stop)
		if err != nil {
			return nil, err
		}
		step, err := c.copy(v.Step)
		if err != nil {
			return nil, err
		}
		return &models.Slice{Start: start, Stop: stop, Step: step}, nil
	case *models.Range:
		rr := *v
		return &rr, nil
	case *models.Cell:
		inner, err := c.copy(v.V)
		return &models.Cell{V: inner}, err
	default:
		return nil, fmt.Errorf("cannot transfer a value of kind %s between sessions", models.KindName(kind))
	}
}

func (c *valueCopier) copyValues(in []models.Value) ([]models.Value, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]models.Value, len(in))
	for i, v := range in {
		cv, err := c.copy(v)
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}
