package vm

import (
	"github.com/parcadei/ouros/models"
)

// pushFrame binds args/kwargs against fn's signature (§4.3) and installs
// a new top frame. closure supplies the FreeVars cell ids in order.
func (vm *VM) pushFrame(fn *CompiledFunction, args []models.Value, kwargs map[string]models.Value, closure []models.HeapId) error {
	if err := vm.Tracker.CheckRecursion(vm.Frames.Len() + 1); err != nil {
		return err
	}
	f, err := vm.bindFrame(fn, args, kwargs, closure)
	if err != nil {
		return err
	}
	vm.Frames.Push(f)
	return nil
}

// bindFrame performs §4.3 argument binding into a freshly built Frame
// without installing it on the FrameStack, so a generator call can build
// the frame once at creation time and run it later, possibly at a
// different stack depth than where it was created.
func (vm *VM) bindFrame(fn *CompiledFunction, args []models.Value, kwargs map[string]models.Value, closure []models.HeapId) (*Frame, error) {
	f := NewFrame(fn)
	f.FreeCells = closure

	bound := make([]bool, len(fn.Params))
	if len(args) > len(fn.Params) && fn.VarArg == "" {
		return nil, models.NewException("TypeError", fn.Name+"() takes at most "+itoa(len(fn.Params))+" positional arguments but "+itoa(len(args))+" were given")
	}
	for i, v := range args {
		if i < len(fn.Params) {
			f.Locals[i] = v
			bound[i] = true
		}
	}
	var varArgs []models.Value
	if len(args) > len(fn.Params) {
		varArgs = append(varArgs, args[len(fn.Params):]...)
	}

	kwUsed := make(map[string]bool, len(kwargs))
	for name, v := range kwargs {
		idx := -1
		for i, p := range fn.Params {
			if p == name {
				idx = i
				break
			}
		}
		if idx == -1 {
			if fn.KwArg == "" {
				return nil, models.NewException("TypeError", fn.Name+"() got an unexpected keyword argument '"+name+"'")
			}
			continue
		}
		if bound[idx] {
			return nil, models.NewException("TypeError", fn.Name+"() got multiple values for argument '"+name+"'")
		}
		f.Locals[idx] = v
		bound[idx] = true
		kwUsed[name] = true
	}

	for i, p := range fn.Params {
		if bound[i] {
			continue
		}
		if i < len(fn.Params)-len(getDefaults(fn)) {
			return nil, models.NewException("TypeError", fn.Name+"() missing required positional argument: '"+p+"'")
		}
	}

	if fn.VarArg != "" {
		id := vm.Heap.Alloc(models.KindTuple, &models.Tuple{Items: varArgs})
		starIdx := len(fn.Params)
		if starIdx < len(f.Locals) {
			f.Locals[starIdx] = models.FromHeap(models.KindTuple, id)
		}
	}
	if fn.KwArg != "" {
		d := models.NewDict()
		for name, v := range kwargs {
			if kwUsed[name] {
				continue
			}
			d.Keys = append(d.Keys, vm.strValue(name))
			d.Values = append(d.Values, v)
		}
		id := vm.Heap.Alloc(models.KindDict, d)
		kwIdx := len(fn.Params)
		if fn.VarArg != "" {
			kwIdx++
		}
		if kwIdx < len(f.Locals) {
			f.Locals[kwIdx] = models.FromHeap(models.KindDict, id)
		}
	}

	for _, id := range closure {
		vm.Heap.Incref(id)
	}
	for i := range f.Cells {
		f.Cells[i] = vm.Heap.Alloc(models.KindCell, &models.Cell{})
	}

	return f, nil
}

// getDefaults always returns nil: CompiledFunction carries no defaults, and
// the OpCall path (applyDefaults, callop.go) does not fill any in, so the
// missing-argument check above treats every parameter as required.
func getDefaults(fn *CompiledFunction) []string { return nil }

func (vm *VM) strValue(s string) models.Value {
	id := vm.Heap.InternString(s)
	vm.Heap.Incref(id)
	return models.FromHeap(models.KindStr, id)
}

// goString reads the Go string backing a KindStr value.
func (vm *VM) goString(v models.Value) string {
	e, ok := vm.Heap.Read(v.Heap)
	if !ok {
		return ""
	}
	s, ok := e.Value.(*models.Str)
	if !ok {
		return ""
	}
	return s.S
}

// popFrame releases a frame's locals and cells (§4.3 "pop_frame must
// release all locals and cells") and trims any now-orphaned continuation
// registers (§4.4.10 unwinding rule, §9).
func (vm *VM) popFrame() *Frame {
	f := vm.Frames.Pop()
	for _, v := range f.Locals {
		if v.Heap != 0 {
			vm.Heap.Decref(v.Heap)
		}
	}
	for _, id := range f.Cells {
		if id != 0 {
			vm.Heap.Decref(id)
		}
	}
	for _, id := range f.FreeCells {
		if id != 0 {
			vm.Heap.Decref(id)
		}
	}
	for _, v := range f.ClassNS {
		if v.Heap != 0 {
			vm.Heap.Decref(v.Heap)
		}
	}
	f.TruncateTo(vm.Heap, 0)
	survivingDepth := vm.Frames.Len()
	vm.trimContinuations(survivingDepth)
	return f
}

func (vm *VM) trimContinuations(survivingDepth int) {
	{
		out := vm.pendingBinaries[:0]
		for _, p := range vm.pendingBinaries {
			if p.FrameDepth <= survivingDepth {
				out = append(out, p)
			}
		}
		vm.pendingBinaries = out
	}
	{
		out := vm.pendingForIters[:0]
		for _, p := range vm.pendingForIters {
			if p.FrameDepth <= survivingDepth {
				out = append(out, p)
			}
		}
		vm.pendingForIters = out
	}
	{
		out := vm.pendingSubscripts[:0]
		for _, p := range vm.pendingSubscripts {
			if p.FrameDepth <= survivingDepth {
				out = append(out, p)
			}
		}
		vm.pendingSubscripts = out
	}
	{
		out := vm.pendingMemberships[:0]
		for _, p := range vm.pendingMemberships {
			if p.FrameDepth <= survivingDepth {
				out = append(out, p)
			}
		}
		vm.pendingMemberships = out
	}
}

// execReturn implements OpReturn's continuation-aware behavior: a
// returning dunder call resumes whichever protocol is waiting on it
// (binary op, for-iter, subscript retry); an ordinary call simply pushes
// its result onto the caller.
func (vm *VM) execReturn(f *Frame) {
	ret := f.Pop()
	wasGenerator := f.IsGenerator
	var gen *Generator
	if wasGenerator {
		gen = f.GenRef
	}
	vm.popFrame()
	if vm.Frames.Len() == 0 {
		vm.finished = true
		vm.completeVal = ret
		return
	}
	depth := vm.Frames.Len()
	caller := vm.Frames.Top()

	if wasGenerator {
		if gen != nil {
			gen.Done = true
		}
		if n := len(vm.pendingForIters); n > 0 && vm.pendingForIters[n-1].FrameDepth == depth {
			entry := vm.pendingForIters[n-1]
			vm.pendingForIters = vm.pendingForIters[:n-1]
			caller.IP = entry.JumpOffset
		}
		return
	}

	if n := len(vm.pendingBinaries); n > 0 && vm.pendingBinaries[n-1].FrameDepth == depth {
		entry := vm.pendingBinaries[n-1]
		vm.pendingBinaries = vm.pendingBinaries[:n-1]
		switch entry.Category {
		case CategoryCompare:
			vm.resumeCompareStage(caller, entry, ret)
		case CategoryEq:
			vm.resumeEqStage(caller, entry, ret)
		case CategoryCtor:
			caller.Push(entry.L)
		case CategoryWithEnter:
			vm.resumeWithEnter(caller, entry, ret)
		case CategoryWithExit:
			vm.resumeWithExit(caller, entry, ret)
		case CategoryClassBody:
			vm.resumeClassBody(caller, entry, f, ret)
		default:
			vm.resumeBinaryStage(caller, entry, ret)
		}
		return
	}
	if n := len(vm.pendingForIters); n > 0 && vm.pendingForIters[n-1].FrameDepth == depth {
		entry := vm.pendingForIters[n-1]
		vm.pendingForIters = vm.pendingForIters[:n-1]
		vm.resumeForIter(caller, entry, ret)
		return
	}
	if n := len(vm.pendingSubscripts); n > 0 && vm.pendingSubscripts[n-1].FrameDepth == depth {
		entry := vm.pendingSubscripts[n-1]
		vm.pendingSubscripts = vm.pendingSubscripts[:n-1]
		vm.resumeSubscript(caller, entry, ret)
		return
	}
	if n := len(vm.pendingMemberships); n > 0 && vm.pendingMemberships[n-1].FrameDepth == depth {
		entry := vm.pendingMemberships[n-1]
		vm.pendingMemberships = vm.pendingMemberships[:n-1]
		vm.resumeMembership(caller, entry, ret)
		return
	}
	caller.Push(ret)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
