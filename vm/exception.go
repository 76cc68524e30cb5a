// Exception raise and unwind (§4.4.10).
package vm

import "github.com/parcadei/ouros/models"

// handleError is loop()'s entry point for an error surfacing from exec().
// A *models.PyException unwinds through try/except/finally like any raised
// exception, including a RecursionError the resource tracker raises when a
// frame push breaches the depth limit; any other error (driver misuse) is
// a host-level fault that no Python except clause can observe.
func (vm *VM) handleError(err error) error {
	exc, ok := err.(*models.PyException)
	if !ok {
		return err
	}
	return vm.raiseAt(vm.Frames.Len()-1, exc)
}

// raiseAt begins unwinding with topIndex as the current top frame. Used
// both by handleError (topIndex is always the actual top) and by
// Resume/ResumeFutures delivering an OutcomeException for a suspended
// external call (topIndex is the frame that issued it, which by
// construction is already the top since nothing can suspend beneath it).
func (vm *VM) raiseAt(topIndex int, exc *models.PyException) error {
	for vm.Frames.Len()-1 > topIndex {
		vm.popFrame()
	}
	return vm.unwind(exc)
}

// unwind walks the frame stack outward from the top looking for a
// matching handler, trimming continuation registers and releasing frames
// as it goes (§4.4.10's unwinding rule). Returns nil once a handler has
// been entered (loop() resumes normal dispatch at f.IP); returns exc
// itself once the stack empties with no handler found, for escapeToHost.
func (vm *VM) unwind(exc *models.PyException) error {
	for vm.Frames.Len() > 0 {
		f := vm.Frames.Top()
		exc.Traceback = append(exc.Traceback, models.TracebackFrame{Function: f.Fn.Name})

		if idx, h := findHandler(f, exc); idx >= 0 {
			f.TruncateTo(vm.Heap, h.StackDepth)
			f.HandlerStack = f.HandlerStack[:idx]
			vm.trimContinuations(vm.Frames.Len())
			if h.IsFinally {
				f.PendingReraise = exc
			} else {
				f.CurrentException = exc
				excVal := vm.allocException(exc)
				vm.Heap.Incref(excVal.Heap)
				f.Push(excVal)
			}
			f.IP = h.HandlerPC
			return nil
		}
		vm.popFrame()
	}
	return exc
}

// findHandler searches f's active handlers innermost-first for one whose
// exception-type list matches exc. The handler stack holds only handlers
// whose try body is running (OpSetupTry pushes, OpPopTry pops), so
// HandlerEntry's StartPC/EndPC are not consulted. (An
// empty ExceptionTypes list is a bare "except:", which per Python
// semantics only bare-catches BaseException — callers wanting "except
// Exception" list it explicitly). A finally handler always matches.
func findHandler(f *Frame, exc *models.PyException) (int, HandlerEntry) {
	for i := len(f.HandlerStack) - 1; i >= 0; i-- {
		h := f.HandlerStack[i].Entry
		if h.IsFinally {
			return i, h
		}
		if len(h.ExceptionTypes) == 0 {
			if exc.Is("BaseException") || exc.TypeName == "BaseException" {
				return i, h
			}
			continue
		}
		for _, t := range h.ExceptionTypes {
			if exc.Is(t) || exc.TypeName == t {
				return i, h
			}
		}
	}
	return -1, HandlerEntry{}
}

// allocException materializes a PyException as a heap Instance so it can
// be pushed onto the operand stack and inspected from bytecode (isinstance
// checks, str(), attribute access on user exception subclasses).
func (vm *VM) allocException(exc *models.PyException) models.Value {
	t := vm.classes[vm.exceptionClassID(exc.TypeName)]
	inst := &models.Instance{Class: t, Dict: map[string]models.Value{
		"args": vm.strValue(exc.Message),
	}}
	id := vm.Heap.AllocInstance(models.KindException, inst, t)
	return models.FromHeap(models.KindException, id)
}

// exceptionClassID looks up (or lazily registers) a built-in-hierarchy
// type descriptor's heap id for name, so allocException always has a
// Class to attach even for exception types the user program never
// subclassed explicitly.
func (vm *VM) exceptionClassID(name string) models.HeapId {
	if id, ok := vm.builtinExceptionClasses[name]; ok {
		return id
	}
	td := models.NewTypeDescriptor(name)
	id := vm.Heap.AllocFrozen(models.KindClass, &models.ClassObject{Type: td})
	vm.classes[id] = td
	if vm.builtinExceptionClasses == nil {
		vm.builtinExceptionClasses = make(map[string]models.HeapId)
	}
	vm.builtinExceptionClasses[name] = id
	return id
}

// execRaise implements OpRaise: pop the already-constructed exception
// instance (or exception class, called with no args) off the stack and
// raise it.
func (vm *VM) execRaise(f *Frame) error {
	v := f.Pop()
	exc := vm.valueToException(v)
	if v.Heap != 0 {
		vm.Heap.Decref(v.Heap)
	}
	return exc
}

// execReraise implements OpReraise: a bare "raise" inside an except
// block, re-raising the exception that block is handling.
func (vm *VM) execReraise(f *Frame) error {
	if f.CurrentException == nil {
		return models.NewException("RuntimeError", "no active exception to re-raise")
	}
	return f.CurrentException
}

// valueToException converts a heap Instance (an exception object, however
// it was constructed) back into the Go-side PyException the unwinder
// operates on.
func (vm *VM) valueToException(v models.Value) *models.PyException {
	e, ok := vm.Heap.Read(v.Heap)
	if !ok {
		return models.NewException("RuntimeError", "invalid exception object")
	}
	inst, ok := e.Value.(*models.Instance)
	if !ok || inst.Class == nil {
		return models.NewException("RuntimeError", "invalid exception object")
	}
	msg := ""
	if args, ok := inst.Dict["args"]; ok {
		if ae, ok := vm.Heap.Read(args.Heap); ok {
			if s, ok := ae.Value.(*models.Str); ok {
				msg = s.S
			}
		}
	}
	return models.NewException(inst.Class.Name, msg)
}

// execEndFinally implements OpEndFinally: if the finally block that just
// finished running was entered to handle an in-flight exception
// (PendingReraise set) and the block itself did not already raise, return,
// or break out, the original exception resumes unwinding.
func (vm *VM) execEndFinally(f *Frame) error {
	if f.PendingReraise == nil {
		return nil
	}
	exc := f.PendingReraise
	f.PendingReraise = nil
	return exc
}
