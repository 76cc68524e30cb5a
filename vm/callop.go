// OpCall / OpMakeFunction / class instantiation and __call__ dispatch
// (§4.4.9, §4.3).
package vm

import "github.com/parcadei/ouros/models"

// execCall implements OpCall: pop argc positional args (reverse order),
// optionally a kwargs dict if hasKwargs, then the callable, and dispatch
// by its kind.
func (vm *VM) execCall(f *Frame, argc int, hasKwargs bool) error {
	var kwargs map[string]models.Value
	if hasKwargs {
		kwDict := f.Pop()
		kwargs = make(map[string]models.Value)
		if e, ok := vm.Heap.Read(kwDict.Heap); ok {
			if d, ok := e.Value.(*models.Dict); ok {
				for i, k := range d.Keys {
					if ke, ok := vm.Heap.Read(k.Heap); ok {
						if s, ok := ke.Value.(*models.Str); ok {
							kwargs[s.S] = d.Values[i]
						}
					}
				}
			}
		}
	}
	args := make([]models.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = f.Pop()
	}
	callee := f.Pop()
	return vm.dispatchCall(f, callee, args, kwargs)
}

func (vm *VM) dispatchCall(f *Frame, callee models.Value, args []models.Value, kwargs map[string]models.Value) error {
	e, ok := vm.Heap.Read(callee.Heap)
	if !ok {
		return models.NewException("TypeError", "object is not callable")
	}
	switch p := e.Value.(type) {
	case *models.Function:
		if _, ok := p.Code.(*buildClassMarker); ok {
			return vm.execBuildClass(f, args)
		}
		code, ok := p.Code.(*CompiledFunction)
		if !ok {
			return models.NewException("SystemError", "function has no compiled code")
		}
		args = vm.applyDefaults(p, args, kwargs)
		for _, a := range args {
			if a.Heap != 0 {
				vm.Heap.Incref(a.Heap)
			}
		}
		if code.IsGenerator {
			if err := vm.Tracker.CheckRecursion(vm.Frames.Len() + 1); err != nil {
				return err
			}
			genFrame, err := vm.bindFrame(code, args, kwargs, p.Closure)
			if err != nil {
				return err
			}
			f.Push(vm.makeGenerator(genFrame))
			return nil
		}
		return vm.pushFrame(code, args, kwargs, p.Closure)
	case *models.BoundMethod:
		full := append([]models.Value{models.FromHeap(vm.kindOfHeap(p.Self), p.Self)}, args...)
		return vm.dispatchCall(f, models.FromHeap(models.KindFunction, p.Func), full, kwargs)
	case *models.ClassObject:
		return vm.instantiate(f, p.Type, callee.Heap, args, kwargs)
	default:
		if e.Type != nil {
			d := vm.lookupTypeDunder(e.Type, "__call__")
			if d.State == models.DunderResolved {
				full := append([]models.Value{callee}, args...)
				return vm.callDunder(d.Func, full)
			}
		}
	}
	return models.NewException("TypeError", "'"+vm.kindNameOf(callee)+"' object is not callable")
}

// applyDefaults returns args unchanged: fn.Defaults and fn.KwDefaults are
// not applied, so a call has to supply every parameter itself, positionally
// or by keyword, or bindFrame reports it missing.
func (vm *VM) applyDefaults(fn *models.Function, args []models.Value, kwargs map[string]models.Value) []models.Value {
	return args
}

// instantiate implements object construction (§4.4.9): it allocates a
// plain Instance of cls and, when cls's MRO defines __init__, calls it and
// leaves the instance on the caller's stack once it returns. A __new__
// found on cls is not called: the !rootFallbacks["__new__"] condition
// below is always false, so a user __new__ neither runs nor replaces the
// instance. Abstract classes with unoverridden abstractmethods raise
// TypeError before anything is allocated.
func (vm *VM) instantiate(f *Frame, cls *models.TypeDescriptor, clsID models.HeapId, args []models.Value, kwargs map[string]models.Value) error {
	if len(cls.Abstract) > 0 {
		for name := range cls.Abstract {
			return models.NewException("TypeError", "Can't instantiate abstract class "+cls.Name+" with abstract method "+name)
		}
	}
	newD := vm.lookupTypeDunder(cls, "__new__")
	if newD.State == models.DunderResolved && !rootFallbacks["__new__"] {
		full := append([]models.Value{models.FromHeap(models.KindClass, clsID)}, args...)
		return vm.callDunder(newD.Func, full)
	}
	inst := &models.Instance{Class: cls}
	if cls.Slots != nil {
		inst.SlotVals = make([]models.Value, len(cls.Slots))
	} else {
		inst.Dict = make(map[string]models.Value)
	}
	id := vm.Heap.AllocInstance(models.KindInstance, inst, cls)
	selfVal := models.FromHeap(models.KindInstance, id)

	initD := vm.lookupTypeDunder(cls, "__init__")
	if initD.State == models.DunderResolved {
		full := append([]models.Value{selfVal}, args...)
		// __init__'s return value (always None) is discarded; the
		// constructed instance is what the call expression evaluates to,
		// so we push it ourselves once __init__ returns rather than
		// letting execReturn's default "push whatever came back" apply.
		vm.pendingBinaries = append(vm.pendingBinaries, PendingBinary{
			FrameDepth: vm.Frames.Len(),
			Category:   CategoryCtor,
			L:          selfVal,
		})
		return vm.callDunder(initD.Func, full)
	}
	f.Push(selfVal)
	return nil
}

// execMakeFunction implements make_function: build a Function value
// closing over the frame's live cells (§4.3).
func (vm *VM) execMakeFunction(f *Frame, code *CompiledFunction) error {
	closure := make([]models.HeapId, 0, len(code.FreeVars))
	for _, name := range code.FreeVars {
		for i, cn := range f.Fn.CellNames {
			if cn == name {
				closure = append(closure, f.Cells[i])
			}
		}
		for i, fv := range f.Fn.FreeVars {
			if fv == name {
				closure = append(closure, f.FreeCells[i])
			}
		}
	}
	fn := &models.Function{Name: code.Name, Code: code, Closure: closure}
	id := vm.Heap.Alloc(models.KindFunction, fn)
	f.Push(models.FromHeap(models.KindFunction, id))
	return nil
}
