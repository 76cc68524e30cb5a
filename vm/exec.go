// exec is the central opcode dispatch switch (C4, §4.3-§4.4): one flat
// case per Opcode, called once per bytecode instruction by loop() (and by
// runSyncUntil's restricted inner stepping). Most handlers live in their
// own file by protocol (binary.go, attr.go, ...); this file carries the
// switch itself plus the handlers too small to deserve a file of their own.
package vm

import (
	"strings"

	"github.com/parcadei/ouros/models"
)

// exec runs one instruction against f, returning a non-nil SuspensionState
// only for OpCallExternal (§4.6) — every other opcode either completes
// synchronously or returns an error for loop()'s unwinder to handle.
func (vm *VM) exec(f *Frame, instr Instr) (*SuspensionState, error) {
	switch instr.Op {
	case OpNop:
		return nil, nil

	case OpLoadConst:
		v := vm.materializeConstant(instr.A)
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		f.Push(v)
		return nil, nil

	case OpLoadLocal:
		v := f.Locals[instr.A]
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		f.Push(v)
		return nil, nil

	case OpStoreLocal:
		v := f.Pop()
		if old := f.Locals[instr.A]; old.Heap != 0 {
			vm.Heap.Decref(old.Heap)
		}
		f.Locals[instr.A] = v
		return nil, nil

	case OpLoadCell:
		cell, ok := vm.cellAt(f, instr.A, instr.B)
		if !ok {
			return nil, models.NewException("SystemError", "invalid cell reference")
		}
		v := cell.V
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		f.Push(v)
		return nil, nil

	case OpStoreCell:
		v := f.Pop()
		cell, ok := vm.cellAt(f, instr.A, instr.B)
		if !ok {
			return nil, models.NewException("SystemError", "invalid cell reference")
		}
		if cell.V.Heap != 0 {
			vm.Heap.Decref(cell.V.Heap)
		}
		cell.V = v
		return nil, nil

	case OpLoadGlobal:
		v, ok := vm.lookupGlobal(f, instr.S)
		if !ok {
			return nil, models.NewException("NameError", "name '"+instr.S+"' is not defined")
		}
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		f.Push(v)
		return nil, nil

	case OpStoreGlobal:
		v := f.Pop()
		target := vm.Globals
		if f.ClassNS != nil {
			target = f.ClassNS
		}
		if old, ok := target[instr.S]; ok && old.Heap != 0 {
			vm.Heap.Decref(old.Heap)
		}
		target[instr.S] = v
		return nil, nil

	case OpPop:
		v := f.Pop()
		if v.Heap != 0 {
			vm.Heap.Decref(v.Heap)
		}
		return nil, nil

	case OpDup:
		v := f.Top()
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		f.Push(v)
		return nil, nil

	case OpRotTwo:
		n := len(f.Stack)
		f.Stack[n-1], f.Stack[n-2] = f.Stack[n-2], f.Stack[n-1]
		return nil, nil

	case OpBinaryOp:
		return nil, vm.execBinaryOp(f, instr.S)
	case OpInplaceOp:
		return nil, vm.execInplaceOp(f, instr.S)
	case OpUnaryOp:
		return nil, vm.execUnaryOp(f, instr.S)
	case OpCompareOp:
		return nil, vm.execCompareOp(f, instr.S)
	case OpBoolOp:
		return nil, vm.execBoolOp(f)
	case OpContains:
		return nil, vm.execContains(f, instr.A != 0)

	case OpLoadAttr:
		return nil, vm.execLoadAttr(f, instr.S)
	case OpStoreAttr:
		return nil, vm.execStoreAttr(f, instr.S)
	case OpDeleteAttr:
		return nil, vm.execDeleteAttr(f, instr.S)

	case OpLoadSubscr:
		return nil, vm.execLoadSubscr(f)
	case OpStoreSubscr:
		return nil, vm.execStoreSubscr(f)
	case OpDeleteSubscr:
		return nil, vm.execDeleteSubscr(f)

	case OpGetIter:
		return nil, vm.execGetIter(f)
	case OpForIter:
		return nil, vm.execForIter(f, instr.A)

	case OpMakeFunction:
		return nil, vm.execMakeFunction(f, vm.Program.Functions[instr.A])
	case OpCall:
		return nil, vm.execCall(f, instr.A, instr.B != 0)
	case OpReturn:
		vm.execReturn(f)
		return nil, nil

	case OpYield:
		vm.execYield(f)
		return nil, nil
	case OpYieldFrom:
		return nil, vm.execYieldFrom(f)
	case OpGetAwaitable:
		return nil, vm.execGetAwaitable(f)

	case OpRaise:
		return nil, vm.execRaise(f)
	case OpReraise:
		return nil, vm.execReraise(f)
	case OpSetupTry:
		vm.execSetupTry(f, instr)
		return nil, nil
	case OpPopTry:
		vm.execPopTry(f)
		return nil, nil
	case OpEndFinally:
		return nil, vm.execEndFinally(f)

	case OpSetupWith:
		return nil, vm.execSetupWith(f, instr.A)
	case OpWithCleanup:
		return nil, vm.execWithCleanup(f)

	case OpLoadBuildClass:
		return nil, vm.execLoadBuildClass(f)

	case OpJump:
		f.IP = instr.A
		return nil, nil
	case OpJumpIfFalse:
		return vm.execJumpIf(f, instr.A, false)
	case OpJumpIfTrue:
		return vm.execJumpIf(f, instr.A, true)

	case OpCallExternal:
		return vm.execCallExternal(f, instr)
	}
	return nil, models.NewException("SystemError", "unknown opcode")
}

// cellAt resolves a cell-access instruction's operand to the underlying
// *models.Cell: free == 0 selects f.Cells (owned), free == 1 selects
// f.FreeCells (captured from an enclosing scope).
func (vm *VM) cellAt(f *Frame, idx, free int) (*models.Cell, bool) {
	var id models.HeapId
	if free != 0 {
		if idx < 0 || idx >= len(f.FreeCells) {
			return nil, false
		}
		id = f.FreeCells[idx]
	} else {
		if idx < 0 || idx >= len(f.Cells) {
			return nil, false
		}
		id = f.Cells[idx]
	}
	e, ok := vm.Heap.Read(id)
	if !ok {
		return nil, false
	}
	cell, ok := e.Value.(*models.Cell)
	return cell, ok
}

// lookupGlobal implements load_global's CPython-class-body scoping rule
// (§4.4.9): inside a class body ClassNS shadows module globals, exactly
// as a class body's own f_locals shadows the enclosing module namespace.
func (vm *VM) lookupGlobal(f *Frame, name string) (models.Value, bool) {
	if f.ClassNS != nil {
		if v, ok := f.ClassNS[name]; ok {
			return v, true
		}
	}
	v, ok := vm.Globals[name]
	return v, ok
}

// execJumpIf implements jump_if_false/jump_if_true: pop, run the full
// truthiness protocol (§4.4.5) on whatever is there (the compiler does not
// need to emit a separate OpBoolOp first), and jump on a match.
func (vm *VM) execJumpIf(f *Frame, target int, wantTrue bool) (*SuspensionState, error) {
	v := f.Pop()
	t, err := vm.truthy(v)
	if v.Heap != 0 {
		vm.Heap.Decref(v.Heap)
	}
	if err != nil {
		return nil, err
	}
	if t == wantTrue {
		f.IP = target
	}
	return nil, nil
}

// execSetupTry implements setup_try: push a handler entry covering the
// following try body (§4.4.10). instr.S encodes the exception-type list as
// a comma-joined string ("" for a bare "except:", the sentinel
// "<finally>" for a finally handler).
func (vm *VM) execSetupTry(f *Frame, instr Instr) {
	entry := HandlerEntry{
		HandlerPC:  instr.A,
		StackDepth: instr.B,
		IsFinally:  instr.S == "<finally>",
	}
	if !entry.IsFinally && instr.S != "" {
		entry.ExceptionTypes = strings.Split(instr.S, ",")
	}
	f.HandlerStack = append(f.HandlerStack, activeHandler{Entry: entry})
}

// execPopTry implements pop_try: the try body finished without raising,
// so its handler no longer applies.
func (vm *VM) execPopTry(f *Frame) {
	if n := len(f.HandlerStack); n > 0 {
		f.HandlerStack = f.HandlerStack[:n-1]
	}
}

// execCallExternal implements the §4.6 suspension entry point: unlike
// every other call form this never pushes a frame, it records a
// PendingCall and hands a SuspensionState back up through loop() to the
// driver.
func (vm *VM) execCallExternal(f *Frame, instr Instr) (*SuspensionState, error) {
	var kwargs map[string]models.Value
	if instr.B != 0 {
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
	args := make([]models.Value, instr.A)
	for i := instr.A - 1; i >= 0; i-- {
		args[i] = f.Pop()
	}
	callID := vm.nextCallID
	vm.nextCallID++
	pc := &PendingCall{
		CallID:     callID,
		Name:       instr.S,
		Args:       args,
		Kwargs:     kwargs,
		IsOS:       vm.osFunctions[instr.S],
		FrameDepth: vm.Frames.Len() - 1,
	}
	vm.pendingCalls[callID] = pc
	return &SuspensionState{Kind: SuspendExternalCall, Call: pc}, nil
}
