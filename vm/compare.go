// Comparison and truthiness protocols (§4.4.4, §4.4.5).
package vm

import "github.com/parcadei/ouros/models"

// execCompareOp is OpCompareOp's handler.
func (vm *VM) execCompareOp(f *Frame, symbol string) error {
	r := f.Pop()
	l := f.Pop()

	if fast, ok, err := vm.fastCompare(symbol, l, r); ok {
		if err != nil {
			return err
		}
		f.Push(models.Bool(fast))
		return nil
	}

	switch symbol {
	case "==":
		return vm.beginEq(f, l, r, false)
	case "!=":
		return vm.beginEq(f, l, r, true)
	default:
		c := compareOps[symbol]
		plan := []PendingStage{StagePrimary, StageReflected}
		if vm.subclassPriority(l, r, c.ROP) {
			plan = []PendingStage{StageReflected, StagePrimary}
		}
		entry := PendingBinary{
			FrameDepth: vm.Frames.Len(),
			L: l, R: r,
			OpSymbol: symbol,
			Plan:     plan,
			Category: CategoryCompare,
		}
		return vm.tryNextCompareStage(f, entry, c)
	}
}

// fastCompare handles the numeric fast path directly, bypassing dispatch entirely.
func (vm *VM) fastCompare(symbol string, l, r models.Value) (bool, bool, error) {
	if !l.IsNumber() || !r.IsNumber() {
		return false, false, nil
	}
	lf, lok := vm.asFloat(l)
	rf, rok := vm.asFloat(r)
	if !lok || !rok {
		return false, false, nil
	}
	switch symbol {
	case "<":
		return lf < rf, true, nil
	case "<=":
		return lf <= rf, true, nil
	case ">":
		return lf > rf, true, nil
	case ">=":
		return lf >= rf, true, nil
	case "==":
		return lf == rf, true, nil
	case "!=":
		return lf != rf, true, nil
	}
	return false, false, nil
}

func (vm *VM) tryNextCompareStage(f *Frame, entry PendingBinary, c CompareOp) error {
	for entry.PlanIdx < len(entry.Plan) {
		stage := entry.Plan[entry.PlanIdx]
		var operand models.Value
		var method string
		if stage == StagePrimary {
			operand, method = entry.L, c.OP
		} else {
			operand, method = entry.R, c.ROP
		}
		t := vm.classOf(operand)
		d := vm.lookupTypeDunder(t, method)
		if d.State != models.DunderResolved {
			entry.PlanIdx++
			continue
		}
		entry.OpSymbol = c.Symbol
		vm.pendingBinaries = append(vm.pendingBinaries, entry)
		args := vm.compareCallArgs(entry, stage)
		return vm.callDunder(d.Func, args)
	}
	return models.NewException("TypeError", "'"+c.Symbol+"' not supported between instances of '"+vm.kindNameOf(entry.L)+"' and '"+vm.kindNameOf(entry.R)+"'")
}

func (vm *VM) compareCallArgs(entry PendingBinary, stage PendingStage) []models.Value {
	if stage == StagePrimary {
		return []models.Value{entry.L, entry.R}
	}
	return []models.Value{entry.R, entry.L}
}

// beginEq drives "==" (then negated for "!=" via negate).
func (vm *VM) beginEq(f *Frame, l, r models.Value, negate bool) error {
	entry := PendingBinary{
		FrameDepth: vm.Frames.Len(),
		L: l, R: r,
		OpSymbol: "==",
		Plan:     []PendingStage{StagePrimary, StageReflected},
		IsInplace: negate, // reused as a "negate result" flag for eq/ne, not inplace semantics
		Category:  CategoryEq,
	}
	return vm.tryNextEqStage(f, entry)
}

func (vm *VM) tryNextEqStage(f *Frame, entry PendingBinary) error {
	for entry.PlanIdx < len(entry.Plan) {
		stage := entry.Plan[entry.PlanIdx]
		var operand, other models.Value
		if stage == StagePrimary {
			operand, other = entry.L, entry.R
		} else {
			operand, other = entry.R, entry.L
		}
		t := vm.classOf(operand)
		d := vm.lookupTypeDunder(t, "__eq__")
		if d.State != models.DunderResolved {
			entry.PlanIdx++
			continue
		}
		vm.pendingBinaries = append(vm.pendingBinaries, entry)
		return vm.callDunder(d.Func, []models.Value{operand, other})
	}
	// Both NotImplemented/absent: identity comparison (§4.4.4).
	result := entry.L == entry.R
	if entry.IsInplace {
		result = !result
	}
	f.Push(models.Bool(result))
	return nil
}

// resumeCompareStage continues execCompareOp's state machine once a user
// rich-comparison dunder call returns.
func (vm *VM) resumeCompareStage(f *Frame, entry PendingBinary, ret models.Value) {
	if ret.Kind != models.KindNotImplemented {
		f.Push(ret)
		return
	}
	entry.PlanIdx++
	if err := vm.tryNextCompareStage(f, entry, compareOps[entry.OpSymbol]); err != nil {
		vm.deliverError(f, err)
	}
}

// resumeEqStage continues beginEq's state machine once a user __eq__
// call returns. Dispatched from execReturn alongside resumeBinaryStage
// via the CategoryEq marker (OpSymbol is "==" for both == and !=;
// IsInplace carries the negation) — see call.go.
func (vm *VM) resumeEqStage(f *Frame, entry PendingBinary, ret models.Value) {
	if ret.Kind != models.KindNotImplemented {
		truthy, err := vm.truthy(ret)
		if err != nil {
			vm.deliverError(f, err)
			return
		}
		if entry.IsInplace {
			truthy = !truthy
		}
		f.Push(models.Bool(truthy))
		return
	}
	entry.PlanIdx++
	if err := vm.tryNextEqStage(f, entry); err != nil {
		vm.deliverError(f, err)
	}
}

// truthy implements §4.4.5: __bool__ first, then __len__, else True. A
// non-bool __bool__ return is a TypeError; a __bool__ exception
// propagates with no __len__ fallback.
func (vm *VM) truthy(v models.Value) (bool, error) {
	switch v.Kind {
	case models.KindNone:
		return false, nil
	case models.KindBool:
		return v.BoolV, nil
	case models.KindNotImplemented, models.KindEllipsis:
		return true, nil
	}
	if v.IsNumber() {
		f, _ := vm.asFloat(v)
		return f != 0, nil
	}
	e, ok := vm.Heap.Read(v.Heap)
	if !ok {
		return false, models.ErrNotFound
	}
	switch p := e.Value.(type) {
	case *models.Str:
		return len(p.S) != 0, nil
	case *models.Bytes:
		return len(p.B) != 0, nil
	case *models.Tuple:
		return len(p.Items) != 0, nil
	case *models.List:
		return len(p.Items) != 0, nil
	case *models.Dict:
		return len(p.Keys) != 0, nil
	case *models.Set:
		return len(p.Items) != 0, nil
	case *models.FrozenSet:
		return len(p.Items) != 0, nil
	}
	if e.Type != nil {
		d := vm.lookupTypeDunder(e.Type, "__bool__")
		if d.State == models.DunderResolved {
			return vm.callSyncBoolDunder(d.Func, v)
		}
		d = vm.lookupTypeDunder(e.Type, "__len__")
		if d.State == models.DunderResolved {
			n, err := vm.callSyncLenDunder(d.Func, v)
			if err != nil {
				return false, err
			}
			return n != 0, nil
		}
	}
	return true, nil
}

// callSyncBoolDunder and callSyncLenDunder drive a nested dunder call to
// completion synchronously by stepping the flat dispatch loop restricted
// to frames above the caller's current depth. This is a deliberate,
// documented narrowing: an external call issued from inside __bool__ or
// __len__ cannot suspend the whole VM the way one issued from ordinary
// bytecode can (runSyncUntil rejects it as an error rather than losing
// the suspension silently). Every other truthiness call site (if/while
// conditions, bool(), not, and/or short-circuit) goes through truthy().
func (vm *VM) callSyncBoolDunder(fid models.HeapId, self models.Value) (bool, error) {
	base := vm.Frames.Len()
	if err := vm.callDunder(fid, []models.Value{self}); err != nil {
		return false, err
	}
	ret, err := vm.runSyncUntil(base)
	if err != nil {
		return false, err
	}
	if ret.Kind != models.KindBool {
		return false, models.NewException("TypeError", "__bool__ should return bool")
	}
	return ret.BoolV, nil
}

func (vm *VM) callSyncLenDunder(fid models.HeapId, self models.Value) (int64, error) {
	base := vm.Frames.Len()
	if err := vm.callDunder(fid, []models.Value{self}); err != nil {
		return 0, err
	}
	ret, err := vm.runSyncUntil(base)
	if err != nil {
		return 0, err
	}
	if ret.Kind != models.KindInt {
		return 0, models.NewException("TypeError", "__len__ should return >= 0")
	}
	bi, ok := vm.asBigInt(ret)
	if !ok {
		return 0, models.NewException("TypeError", "__len__ should return >= 0")
	}
	n := bi.Int64()
	if n < 0 {
		return 0, models.NewException("ValueError", "__len__() should return >= 0")
	}
	return n, nil
}

// runSyncUntil steps the dispatch loop until the frame stack returns to
// base, then returns the value execReturn deposited on the caller frame.
func (vm *VM) runSyncUntil(base int) (models.Value, error) {
	for vm.Frames.Len() > base {
		f := vm.Frames.Top()
		if f.IP >= len(f.Fn.Code) {
			f.Push(models.None())
			vm.execReturn(f)
			continue
		}
		instr := f.Fn.Code[f.IP]
		f.IP++
		suspend, err := vm.exec(f, instr)
		if err != nil {
			if err2 := vm.handleError(err); err2 != nil {
				return models.Value{}, err2
			}
			continue
		}
		if vm.fatalErr != nil {
			err2 := vm.fatalErr
			vm.fatalErr = nil
			return models.Value{}, err2
		}
		if suspend != nil {
			return models.Value{}, models.NewException("RuntimeError", "external calls are not supported inside __bool__/__len__")
		}
	}
	caller := vm.Frames.Top()
	return caller.Pop(), nil
}
