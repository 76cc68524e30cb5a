// Generator objects (§9): a suspended Frame kept alive on the heap
// in place of Go-level coroutines. Calling a generator function only
// binds arguments and builds the Frame (bindFrame); executing its body
// happens lazily, one step at a time, as something iterates it — which
// composes naturally with the flat FrameStack loop: resuming a generator
// is just pushing its already-built Frame back onto the stack.
package vm

import "github.com/parcadei/ouros/models"

type Generator struct {
	Frame *Frame
	Done  bool
}

// execYield implements OpYield: pop the yielded value, detach the
// current (topmost) frame from the FrameStack without releasing its
// locals/cells, and deliver the value to whatever registered a
// PendingForIter continuation at this depth (an ordinary "for" loop
// driving the generator, or a "yield from" forwarding loop). If nothing
// is registered (a bare next(gen) call outside a for loop), the value is
// simply left stranded — Ouros's bytecode always compiles "for x in gen"
// through GetIter/ForIter, so this path is not reachable from compiled
// user code, only from direct API misuse.
func (vm *VM) execYield(f *Frame) {
	v := f.Pop()
	vm.deliverYield(v)
}

// deliverYield detaches the current top frame (raw: locals/cells stay
// alive) and, if a for-loop or yield-from delegation registered a
// PendingForIter at the resulting depth, delivers v to it the same way a
// returning user __next__ call would (§4.4.8, §9).
func (vm *VM) deliverYield(v models.Value) {
	vm.Frames.Pop()
	depth := vm.Frames.Len()
	if n := len(vm.pendingForIters); n > 0 && vm.pendingForIters[n-1].FrameDepth == depth {
		entry := vm.pendingForIters[n-1]
		vm.pendingForIters = vm.pendingForIters[:n-1]
		caller := vm.Frames.Top()
		vm.resumeForIter(caller, entry, v)
	}
}

// stepGeneratorOnce drives gen forward until its next yield or its final
// return, without requiring it to run to completion the way
// callSyncBoolDunder's runSyncUntil does (§9 "yield from" delegation):
// it registers a PendingForIter at the pre-push depth so a nested yield
// (or the implicit None return) delivers its result onto f exactly once,
// then returns that result directly instead of leaving it on the stack.
// resumeIP is installed as the resuming caller's IP on a plain return,
// which is always f's own current IP (a no-op) since yield-from falls
// through in place rather than jumping.
func (vm *VM) stepGeneratorOnce(f *Frame, gen *Generator, resumeIP int) (models.Value, bool, error) {
	base := vm.Frames.Len()
	vm.pendingForIters = append(vm.pendingForIters, PendingForIter{FrameDepth: base, JumpOffset: resumeIP})
	vm.Frames.Push(gen.Frame)
	for vm.Frames.Len() > base {
		top := vm.Frames.Top()
		if top.IP >= len(top.Fn.Code) {
			top.Push(models.None())
			vm.execReturn(top)
			continue
		}
		instr := top.Fn.Code[top.IP]
		top.IP++
		suspend, err := vm.exec(top, instr)
		if err != nil {
			if err2 := vm.handleError(err); err2 != nil {
				return models.Value{}, false, err2
			}
			continue
		}
		if vm.fatalErr != nil {
			err2 := vm.fatalErr
			vm.fatalErr = nil
			return models.Value{}, false, err2
		}
		if suspend != nil {
			return models.Value{}, false, models.NewException("RuntimeError", "external calls are not supported inside a delegated generator (yield from)")
		}
	}
	if gen.Done {
		return models.None(), true, nil
	}
	return f.Pop(), false, nil
}

// makeGenerator wraps a bound-but-not-run Frame as a heap Generator value.
func (vm *VM) makeGenerator(f *Frame) models.Value {
	f.IsGenerator = true
	gen := &Generator{Frame: f}
	f.GenRef = gen
	id := vm.Heap.Alloc(models.KindGenerator, gen)
	return models.FromHeap(models.KindGenerator, id)
}
