// Membership protocol (§4.4's `in`/`not in`): __contains__ first, falling
// back to an __iter__/old-style-__getitem__ scan comparing each element
// against the target with __eq__, exactly the three-tier order CPython
// itself documents for PySequence_Contains.
package vm

import "github.com/parcadei/ouros/models"

// execContains implements OpContains. __contains__ is tried first and,
// like every other dunder-dispatch protocol, can suspend on an external
// call nested inside it (vm.pendingMemberships/resumeMembership carry the
// continuation). The fallback scan tiers run synchronously to completion
// (see scanForMember) — the same deliberate narrowing
// callSyncBoolDunder/callSyncLenDunder already document for __bool__/
// __len__ in compare.go.
func (vm *VM) execContains(f *Frame, notIn bool) error {
	container := f.Pop()
	item := f.Pop()
	t := vm.classOf(container)
	if t != nil {
		d := vm.lookupTypeDunder(t, "__contains__")
		if d.State == models.DunderResolved {
			vm.pendingMemberships = append(vm.pendingMemberships, PendingMembership{
				FrameDepth: vm.Frames.Len(),
				NotIn:      notIn,
			})
			return vm.callDunder(d.Func, []models.Value{container, item})
		}
	}
	found, err := vm.scanForMember(container, item)
	if err != nil {
		return err
	}
	f.Push(models.Bool(found != notIn))
	return nil
}

// resumeMembership continues execContains's __contains__ tier once the
// dunder call returns: its result is interpreted with the same
// __bool__/__len__/True truthiness rule any other dunder return value
// would be (§4.4.5), then negated for `not in`.
func (vm *VM) resumeMembership(f *Frame, entry PendingMembership, ret models.Value) {
	truthy, err := vm.truthy(ret)
	if err != nil {
		vm.deliverError(f, err)
		return
	}
	if entry.NotIn {
		truthy = !truthy
	}
	f.Push(models.Bool(truthy))
}

// scanForMember implements the no-__contains__ fallback: walk container's
// elements (via __iter__, the old-style repeated-__getitem__ protocol, or
// a builtin sequence's native cursor) and compare each against item with
// __eq__, stopping at the first match.
func (vm *VM) scanForMember(container, item models.Value) (bool, error) {
	it, err := vm.syncGetIter(container)
	if err != nil {
		return false, err
	}
	for {
		v, done, err := vm.syncNext(it)
		if err != nil {
			if it.Heap != 0 {
				vm.Heap.Decref(it.Heap)
			}
			return false, err
		}
		if done {
			if it.Heap != 0 {
				vm.Heap.Decref(it.Heap)
			}
			return false, nil
		}
		eq, err := vm.syncEquals(v, item)
		if v.Heap != 0 {
			vm.Heap.Decref(v.Heap)
		}
		if err != nil {
			if it.Heap != 0 {
				vm.Heap.Decref(it.Heap)
			}
			return false, err
		}
		if eq {
			if it.Heap != 0 {
				vm.Heap.Decref(it.Heap)
			}
			return true, nil
		}
	}
}

// syncGetIter mirrors execGetIter (iter.go) but drives a user __iter__ call
// synchronously to completion instead of suspending the dispatch loop,
// since scanForMember itself is a synchronous helper.
func (vm *VM) syncGetIter(container models.Value) (models.Value, error) {
	t := vm.classOf(container)
	if t != nil {
		d := vm.lookupTypeDunder(t, "__iter__")
		if d.State == models.DunderResolved {
			return vm.callSyncSimple(d.Func, []models.Value{container})
		}
		d = vm.lookupTypeDunder(t, "__getitem__")
		if d.State == models.DunderResolved {
			id := vm.Heap.Alloc(models.KindIterator, &nativeIterator{Seq: container, ViaIndex: true})
			vm.Heap.Incref(container.Heap)
			return models.FromHeap(models.KindIterator, id), nil
		}
	}
	if container.Heap != 0 {
		if e, ok := vm.Heap.Read(container.Heap); ok {
			switch e.Value.(type) {
			case *models.List, *models.Tuple, *models.Str, *models.Bytes, *models.Set, *models.FrozenSet, *models.Dict, *models.Range:
				id := vm.Heap.Alloc(models.KindIterator, &nativeIterator{Seq: container})
				vm.Heap.Incref(container.Heap)
				return models.FromHeap(models.KindIterator, id), nil
			}
		}
	}
	return models.Value{}, models.NewException("TypeError", "argument of type '"+vm.kindNameOf(container)+"' is not iterable")
}

// syncNext mirrors execForIter's dispatch for one step, synchronously.
func (vm *VM) syncNext(it models.Value) (models.Value, bool, error) {
	e, ok := vm.Heap.Read(it.Heap)
	if !ok {
		return models.Value{}, true, nil
	}
	if ni, ok := e.Value.(*nativeIterator); ok {
		return vm.nativeNext(ni)
	}
	t := vm.classOf(it)
	d := vm.lookupTypeDunder(t, "__next__")
	if d.State != models.DunderResolved {
		return models.Value{}, true, nil
	}
	ret, err := vm.callSyncSimple(d.Func, []models.Value{it})
	if err != nil {
		if pe, ok := err.(*models.PyException); ok && pe.Is("StopIteration") {
			return models.Value{}, true, nil
		}
		return models.Value{}, false, err
	}
	return ret, false, nil
}

// syncEquals drives the §4.4.4 equality protocol (primary __eq__, then
// reflected) synchronously, for the element comparisons a membership scan
// needs; it does not touch vm.pendingBinaries, since beginEq's own
// suspend-capable state machine is reserved for a bytecode-level `==`.
func (vm *VM) syncEquals(a, b models.Value) (bool, error) {
	if fast, ok, err := vm.fastCompare("==", a, b); ok {
		return fast, err
	}
	if a.Heap != 0 && a.Heap == b.Heap {
		return true, nil
	}
	if at := vm.classOf(a); at != nil {
		d := vm.lookupTypeDunder(at, "__eq__")
		if d.State == models.DunderResolved {
			ret, err := vm.callSyncSimple(d.Func, []models.Value{a, b})
			if err != nil {
				return false, err
			}
			if ret.Kind != models.KindNotImplemented {
				return vm.truthy(ret)
			}
		}
	}
	if bt := vm.classOf(b); bt != nil {
		d := vm.lookupTypeDunder(bt, "__eq__")
		if d.State == models.DunderResolved {
			ret, err := vm.callSyncSimple(d.Func, []models.Value{b, a})
			if err != nil {
				return false, err
			}
			if ret.Kind != models.KindNotImplemented {
				return vm.truthy(ret)
			}
		}
	}
	return false, nil
}

// callSyncSimple drives a single dunder call (already resolved by the
// caller) to completion via runSyncUntil (compare.go), returning its
// result or the error/exception it raised.
func (vm *VM) callSyncSimple(fid models.HeapId, args []models.Value) (models.Value, error) {
	base := vm.Frames.Len()
	if err := vm.callDunder(fid, args); err != nil {
		return models.Value{}, err
	}
	return vm.runSyncUntil(base)
}
