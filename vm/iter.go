// Iteration protocol (§4.4.8).
package vm

import (
	"math/big"

	"github.com/parcadei/ouros/models"
)

// nativeIterator is a heap payload for the VM's own synthesized iterator
// objects: a plain sequence cursor (__iter__ present) or a synthesized
// integer-indexed cursor over __getitem__ (when __iter__ is absent, the
// old-style iteration protocol).
type nativeIterator struct {
	Seq      models.Value // the list/tuple/str/bytes/dict/set being walked, or the object with __getitem__
	Index    int
	ViaIndex bool // synthesized via repeated obj[i] rather than a native cursor
}

// execGetIter implements get_iter: __iter__ if present, else a
// synthesized int-indexed cursor over __getitem__, else TypeError.
func (vm *VM) execGetIter(f *Frame) error {
	v := f.Pop()
	if v.Kind == models.KindGenerator {
		f.Push(v) // a generator is its own iterator
		return nil
	}
	t := vm.classOf(v)
	if t != nil {
		d := vm.lookupTypeDunder(t, "__iter__")
		if d.State == models.DunderResolved {
			return vm.callDunder(d.Func, []models.Value{v})
		}
		d = vm.lookupTypeDunder(t, "__getitem__")
		if d.State == models.DunderResolved {
			id := vm.Heap.Alloc(models.KindIterator, &nativeIterator{Seq: v, ViaIndex: true})
			vm.Heap.Incref(v.Heap)
			f.Push(models.FromHeap(models.KindIterator, id))
			return nil
		}
	}
	if v.Heap != 0 {
		if e, ok := vm.Heap.Read(v.Heap); ok {
			switch e.Value.(type) {
			case *models.List, *models.Tuple, *models.Str, *models.Bytes, *models.Set, *models.FrozenSet, *models.Dict, *models.Range:
				id := vm.Heap.Alloc(models.KindIterator, &nativeIterator{Seq: v})
				vm.Heap.Incref(v.Heap)
				f.Push(models.FromHeap(models.KindIterator, id))
				return nil
			}
		}
	}
	return models.NewException("TypeError", "'"+vm.kindNameOf(v)+"' object is not iterable")
}

// execForIter implements for_iter: advance the iterator, pushing its
// yielded value and falling through to the loop body, or jumping past it
// on StopIteration. jumpOffset is the absolute IP to jump to when
// exhausted.
func (vm *VM) execForIter(f *Frame, jumpOffset int) error {
	it := f.Top()
	e, ok := vm.Heap.Read(it.Heap)
	if !ok {
		return models.NewException("TypeError", "not an iterator")
	}
	if gen, ok := e.Value.(*Generator); ok {
		if gen.Done {
			f.Pop()
			vm.Heap.Decref(it.Heap)
			f.IP = jumpOffset
			return nil
		}
		vm.pendingForIters = append(vm.pendingForIters, PendingForIter{
			FrameDepth: vm.Frames.Len(),
			JumpOffset: jumpOffset,
			Iterator:   *it,
		})
		vm.Frames.Push(gen.Frame)
		return nil
	}
	if ni, ok := e.Value.(*nativeIterator); ok {
		v, done, err := vm.nativeNext(ni)
		if err != nil {
			return err
		}
		if done {
			f.Pop()
			if it.Heap != 0 {
				vm.Heap.Decref(it.Heap)
			}
			f.IP = jumpOffset
			return nil
		}
		f.Push(v)
		return nil
	}
	// A user iterator object (defines __next__ itself).
	t := vm.classOf(*it)
	d := vm.lookupTypeDunder(t, "__next__")
	if d.State != models.DunderResolved {
		return models.NewException("TypeError", "iterator has no __next__")
	}
	vm.pendingForIters = append(vm.pendingForIters, PendingForIter{
		FrameDepth: vm.Frames.Len(),
		JumpOffset: jumpOffset,
		Iterator:   *it,
	})
	return vm.callDunder(d.Func, []models.Value{*it})
}

// resumeForIter continues execForIter once a user __next__ call returns a
// value normally. A __next__ call that raises StopIteration instead never
// reaches here: unwind() pops this frame like any other exception path,
// trimContinuations discards the matching pendingForIters entry, and the
// raised StopIteration propagates to whatever (if anything) catches it —
// which for a plain "for" loop compiled against a user __next__ means the
// loop body itself must be wrapped in a compiler-emitted except clause
// that performs the jump, since the VM has no bytecode-independent way to
// resume "after the loop" once the frame that would have told it is gone.
func (vm *VM) resumeForIter(f *Frame, entry PendingForIter, ret models.Value) {
	f.Push(ret)
}

func (vm *VM) nativeNext(ni *nativeIterator) (models.Value, bool, error) {
	if ni.ViaIndex {
		v, err := vm.builtinGetItem(ni.Seq, vm.intValue(int64(ni.Index)))
		if err != nil {
			if pe, ok := err.(*models.PyException); ok && pe.Is("IndexError") {
				return models.Value{}, true, nil
			}
			return models.Value{}, false, err
		}
		ni.Index++
		return v, false, nil
	}
	e, ok := vm.Heap.Read(ni.Seq.Heap)
	if !ok {
		return models.Value{}, true, nil
	}
	switch p := e.Value.(type) {
	case *models.List:
		if ni.Index >= len(p.Items) {
			return models.Value{}, true, nil
		}
		v := p.Items[ni.Index]
		ni.Index++
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		return v, false, nil
	case *models.Tuple:
		if ni.Index >= len(p.Items) {
			return models.Value{}, true, nil
		}
		v := p.Items[ni.Index]
		ni.Index++
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		return v, false, nil
	case *models.Set:
		if ni.Index >= len(p.Items) {
			return models.Value{}, true, nil
		}
		v := p.Items[ni.Index]
		ni.Index++
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		return v, false, nil
	case *models.FrozenSet:
		if ni.Index >= len(p.Items) {
			return models.Value{}, true, nil
		}
		v := p.Items[ni.Index]
		ni.Index++
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		return v, false, nil
	case *models.Dict:
		if ni.Index >= len(p.Keys) {
			return models.Value{}, true, nil
		}
		v := p.Keys[ni.Index]
		ni.Index++
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		return v, false, nil
	case *models.Str:
		runes := []rune(p.S)
		if ni.Index >= len(runes) {
			return models.Value{}, true, nil
		}
		id := vm.Heap.InternString(string(runes[ni.Index]))
		vm.Heap.Incref(id)
		ni.Index++
		return models.FromHeap(models.KindStr, id), false, nil
	case *models.Bytes:
		if ni.Index >= len(p.B) {
			return models.Value{}, true, nil
		}
		v := vm.intValue(int64(p.B[ni.Index]))
		ni.Index++
		return v, false, nil
	case *models.Range:
		cur := p.Start + int64(ni.Index)*p.Step
		if (p.Step > 0 && cur >= p.Stop) || (p.Step < 0 && cur <= p.Stop) {
			return models.Value{}, true, nil
		}
		ni.Index++
		return vm.intValue(cur), false, nil
	}
	return models.Value{}, true, nil
}

// execYieldFrom implements yield_from (§9): delegate to a sub-iterator one
// value at a time, re-entering this same instruction on every resume
// (f.IP is rewound) until the sub-iterator is exhausted. A Generator
// sub-iterator is driven via stepGeneratorOnce so its own yields forward
// through this frame's yields; a plain builtin container drives through
// the same nativeNext CPython-style iterator the for-loop protocol uses.
// A user object satisfying only the dunder __next__ protocol is not
// supported here: its StopIteration would need a try/except wrapping this
// delegation loop the way a compiled "for" loop provides one (§4.4.8's
// documented ForIter limitation), which a single opcode cannot supply.
func (vm *VM) execYieldFrom(f *Frame) error {
	it := f.Top()
	e, ok := vm.Heap.Read(it.Heap)
	if !ok {
		return models.NewException("TypeError", "yield from requires an iterator")
	}
	switch p := e.Value.(type) {
	case *Generator:
		if p.Done {
			f.Pop()
			vm.Heap.Decref(it.Heap)
			f.Push(models.None())
			return nil
		}
		v, done, err := vm.stepGeneratorOnce(f, p, f.IP)
		if err != nil {
			return err
		}
		if done {
			f.Pop()
			vm.Heap.Decref(it.Heap)
			f.Push(v)
			return nil
		}
		f.IP--
		vm.deliverYield(v)
		return nil
	case *nativeIterator:
		v, done, err := vm.nativeNext(p)
		if err != nil {
			return err
		}
		if done {
			f.Pop()
			vm.Heap.Decref(it.Heap)
			f.Push(models.None())
			return nil
		}
		f.IP--
		vm.deliverYield(v)
		return nil
	}
	return models.NewException("TypeError", "yield from requires an iterator")
}

// execGetAwaitable implements get_awaitable (§9): a generator/coroutine is
// its own awaitable, matching execGetIter's generator pass-through;
// anything else must define __await__, whose return value becomes the
// iterator a following yield_from delegates to — CPython's "await x"
// desugars the same way, to "yield from x.__await__()".
func (vm *VM) execGetAwaitable(f *Frame) error {
	v := f.Pop()
	if v.Kind == models.KindGenerator || v.Kind == models.KindCoroutine {
		f.Push(v)
		return nil
	}
	t := vm.classOf(v)
	if t != nil {
		d := vm.lookupTypeDunder(t, "__await__")
		if d.State == models.DunderResolved {
			return vm.callDunder(d.Func, []models.Value{v})
		}
	}
	return models.NewException("TypeError", "object "+vm.kindNameOf(v)+" can't be used in 'await' expression")
}

func (vm *VM) intValue(i int64) models.Value {
	if id, small := vm.Heap.InternSmallInt(i); small {
		vm.Heap.Incref(id)
		return models.FromHeap(models.KindInt, id)
	}
	return vm.wrapInt(big.NewInt(i))
}
