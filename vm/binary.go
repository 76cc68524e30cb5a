// Binary and inplace operator protocols (§4.4.2, §4.4.3). The fast path
// for two concrete builtin numerics bypasses all of this (step 1); the
// rest is a small state machine over Plan/PlanIdx so that a user dunder
// call (which must push a frame and let the flat dispatch loop run it)
// can suspend the protocol and resume it correctly once that frame
// returns, including across an external call nested inside the dunder.
package vm

import (
	"math"
	"math/big"

	"github.com/parcadei/ouros/models"
)

// execBinaryOp is OpBinaryOp's handler.
func (vm *VM) execBinaryOp(f *Frame, symbol string) error {
	r := f.Pop()
	l := f.Pop()
	if result, ok, err := vm.fastBinary(symbol, l, r); ok {
		if err != nil {
			return err
		}
		f.Push(result)
		return nil
	}
	return vm.beginBinary(f, symbol, l, r, false)
}

// execInplaceOp is OpInplaceOp's handler (§4.4.3).
func (vm *VM) execInplaceOp(f *Frame, symbol string) error {
	r := f.Pop()
	l := f.Pop()
	iop, ok := inplaceOps[symbol]
	if !ok {
		return models.NewException("SystemError", "unknown inplace operator "+symbol)
	}
	if lt := vm.classOf(l); lt != nil {
		d := vm.lookupTypeDunder(lt, iop.IOp)
		if d.State == models.DunderResolved {
			vm.pendingBinaries = append(vm.pendingBinaries, PendingBinary{
				FrameDepth: vm.Frames.Len(),
				Stage:      StageInplace,
				L:          l, R: r,
				OpSymbol:  symbol,
				IsInplace: true,
				Plan:      []PendingStage{StageInplace},
			})
			return vm.callDunder(d.Func, []models.Value{l, r})
		}
	}
	// No __iadd__-family override (or L is not a user instance): fall
	// through to the ordinary binary protocol with (OP, ROP) (§4.4.3 step 1).
	if result, ok, err := vm.fastBinary(symbol, l, r); ok {
		if err != nil {
			return err
		}
		f.Push(result)
		return nil
	}
	return vm.beginBinary(f, symbol, l, r, false)
}

// fastBinary implements §4.4.2 step 1: both concrete builtin numerics of
// compatible kind, computed natively without consulting dispatch at all.
func (vm *VM) fastBinary(symbol string, l, r models.Value) (models.Value, bool, error) {
	if !l.IsNumber() || !r.IsNumber() {
		return models.Value{}, false, nil
	}
	lf, lok := vm.asFloat(l)
	rf, rok := vm.asFloat(r)
	if !lok || !rok {
		return models.Value{}, false, nil
	}
	// If either operand is a float, or the operator implies float
	// division, compute in float64; otherwise stay in big.Int for §8's
	// "no silent overflow" guarantee. Complex operands never get here:
	// asFloat rejects them above, so they skip the fast path.
	bothIntLike := vm.isIntLike(l) && vm.isIntLike(r)
	if bothIntLike && symbol == "**" {
		if ri, _ := vm.asBigInt(r); ri.Sign() < 0 {
			bothIntLike = false // int ** negative int -> float, matching CPython
		}
	}
	if bothIntLike && symbol != "/" {
		li, _ := vm.asBigInt(l)
		ri, _ := vm.asBigInt(r)
		res, err := intBinary(symbol, li, ri)
		if err != nil {
			return models.Value{}, true, err
		}
		return vm.wrapInt(res), true, nil
	}
	res, err := floatBinary(symbol, lf, rf)
	if err != nil {
		return models.Value{}, true, err
	}
	return vm.wrapFloat(res), true, nil
}

func (vm *VM) isIntLike(v models.Value) bool {
	return v.Kind == models.KindInt || v.Kind == models.KindBool
}

func (vm *VM) asBigInt(v models.Value) (*big.Int, bool) {
	if v.Kind == models.KindBool {
		if v.BoolV {
			return big.NewInt(1), true
		}
		return big.NewInt(0), true
	}
	e, ok := vm.Heap.Read(v.Heap)
	if !ok {
		return nil, false
	}
	bi, ok := e.Value.(*models.BigInt)
	if !ok {
		return nil, false
	}
	return bi.V, true
}

func (vm *VM) asFloat(v models.Value) (float64, bool) {
	switch v.Kind {
	case models.KindBool:
		if v.BoolV {
			return 1, true
		}
		return 0, true
	case models.KindInt:
		bi, ok := vm.asBigInt(v)
		if !ok {
			return 0, false
		}
		f := new(big.Float).SetInt(bi)
		out, _ := f.Float64()
		return out, true
	case models.KindFloat:
		e, ok := vm.Heap.Read(v.Heap)
		if !ok {
			return 0, false
		}
		return e.Value.(float64), true
	}
	return 0, false
}

func (vm *VM) wrapInt(i *big.Int) models.Value {
	if i.IsInt64() {
		if id, small := vm.Heap.InternSmallInt(i.Int64()); small {
			vm.Heap.Incref(id)
			return models.FromHeap(models.KindInt, id)
		}
	}
	id := vm.Heap.Alloc(models.KindInt, &models.BigInt{V: i})
	return models.FromHeap(models.KindInt, id)
}

func (vm *VM) wrapFloat(f float64) models.Value {
	id := vm.Heap.Alloc(models.KindFloat, f)
	return models.FromHeap(models.KindFloat, id)
}

func intBinary(symbol string, l, r *big.Int) (*big.Int, error) {
	switch symbol {
	case "+":
		return new(big.Int).Add(l, r), nil
	case "-":
		return new(big.Int).Sub(l, r), nil
	case "*":
		return new(big.Int).Mul(l, r), nil
	case "//":
		if r.Sign() == 0 {
			return nil, models.NewException("ZeroDivisionError", "integer division or modulo by zero")
		}
		q, m := new(big.Int).DivMod(l, r, new(big.Int))
		_ = m
		return q, nil
	case "%":
		if r.Sign() == 0 {
			return nil, models.NewException("ZeroDivisionError", "integer division or modulo by zero")
		}
		return new(big.Int).Mod(l, r), nil
	case "**":
		return new(big.Int).Exp(l, r, nil), nil
	case "&":
		return new(big.Int).And(l, r), nil
	case "|":
		return new(big.Int).Or(l, r), nil
	case "^":
		return new(big.Int).Xor(l, r), nil
	case "<<":
		return new(big.Int).Lsh(l, uint(r.Int64())), nil
	case ">>":
		return new(big.Int).Rsh(l, uint(r.Int64())), nil
	}
	return nil, models.NewException("SystemError", "unknown int operator "+symbol)
}

func floatBinary(symbol string, l, r float64) (float64, error) {
	switch symbol {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, models.NewException("ZeroDivisionError", "float division by zero")
		}
		return l / r, nil
	case "//":
		if r == 0 {
			return 0, models.NewException("ZeroDivisionError", "float floor division by zero")
		}
		q := l / r
		return float64(int64(q)), nil
	case "%":
		if r == 0 {
			return 0, models.NewException("ZeroDivisionError", "float modulo")
		}
		m := l - r*float64(int64(l/r))
		return m, nil
	case "**":
		return math.Pow(l, r), nil
	}
	return 0, models.NewException("SystemError", "unknown float operator "+symbol)
}

// beginBinary starts the §4.4.2 state machine for an instance-involving
// binary operator. swappedAlready is not read; every caller passes false,
// including the inplace fallback in resumeBinaryStage after __iadd__
// returns NotImplemented, since that fallback starts the binary protocol
// fresh.
func (vm *VM) beginBinary(f *Frame, symbol string, l, r models.Value, swappedAlready bool) error {
	bin, ok := binOps[symbol]
	if !ok {
		return models.NewException("SystemError", "unknown binary operator "+symbol)
	}
	plan := []PendingStage{StagePrimary, StageReflected}
	if vm.subclassPriority(l, r, bin.ROp) {
		plan = []PendingStage{StageReflected, StagePrimary}
	}
	entry := PendingBinary{
		FrameDepth: vm.Frames.Len(),
		L: l, R: r,
		OpSymbol: symbol,
		Plan:     plan,
		PlanIdx:  0,
	}
	return vm.tryNextBinaryStage(f, entry)
}

// subclassPriority implements §4.4.2 step 3 / §4.4.4: type(R) is a proper
// subclass of type(L) and defines ROP distinctly from whatever L's type
// would inherit.
func (vm *VM) subclassPriority(l, r models.Value, ropName string) bool {
	lt := vm.classOf(l)
	rt := vm.classOf(r)
	if lt == nil || rt == nil || lt == rt {
		return false
	}
	if !models.IsProperSubclassMRO(rt.MRO, mroEntryFor(lt, vm)) {
		return false
	}
	ld := vm.lookupTypeDunder(lt, ropName)
	rd := vm.lookupTypeDunder(rt, ropName)
	if rd.State != models.DunderResolved {
		return false
	}
	if ld.State == models.DunderResolved && ld.Func == rd.Func {
		return false // inherited the same implementation, not a distinct override
	}
	return true
}

// mroEntryFor returns the HeapId that t is registered under in vm.classes
// (a linear scan is fine: MRO lists are short and this only runs on the
// subclass-priority slow path, never on the fast numeric path).
func mroEntryFor(t *models.TypeDescriptor, vm *VM) models.HeapId {
	for id, cls := range vm.classes {
		if cls == t {
			return id
		}
	}
	return 0
}

// tryNextBinaryStage attempts entry.Plan[entry.PlanIdx]; on Absent it
// advances to the next stage (or fails per step 5); on Resolved it pushes
// a frame and records the continuation.
func (vm *VM) tryNextBinaryStage(f *Frame, entry PendingBinary) error {
	for entry.PlanIdx < len(entry.Plan) {
		stage := entry.Plan[entry.PlanIdx]
		operand, methodName := vm.operandAndMethod(entry, stage)
		t := vm.classOf(operand)
		d := vm.lookupTypeDunder(t, methodName)
		if d.State != models.DunderResolved {
			entry.PlanIdx++
			continue
		}
		vm.pendingBinaries = append(vm.pendingBinaries, entry)
		args := vm.binaryCallArgs(entry, stage)
		return vm.callDunder(d.Func, args)
	}
	return models.NewException("TypeError", "unsupported operand type(s) for "+entry.OpSymbol+": '"+vm.kindNameOf(entry.L)+"' and '"+vm.kindNameOf(entry.R)+"'")
}

func (vm *VM) operandAndMethod(entry PendingBinary, stage PendingStage) (models.Value, string) {
	bin := binOps[entry.OpSymbol]
	if entry.IsInplace {
		return entry.L, inplaceOps[entry.OpSymbol].IOp
	}
	if stage == StagePrimary {
		return entry.L, bin.Op
	}
	return entry.R, bin.ROp
}

func (vm *VM) binaryCallArgs(entry PendingBinary, stage PendingStage) []models.Value {
	if entry.IsInplace || stage == StagePrimary {
		return []models.Value{entry.L, entry.R}
	}
	return []models.Value{entry.R, entry.L}
}

func (vm *VM) kindNameOf(v models.Value) string {
	if t := vm.classOf(v); t != nil {
		return t.Name
	}
	return models.KindName(v.Kind)
}

// resumeBinaryStage is invoked by execReturn when a dunder call that this
// protocol pushed has just returned. A NotImplemented result advances the
// plan (§4.4.2 "drop it and continue"); any other value completes the
// operator. An exception raised inside the dunder does not come through
// here: it propagates through the ordinary unwinding path (handleError),
// aborting the chain (§4.4.2's final paragraph).
func (vm *VM) resumeBinaryStage(f *Frame, entry PendingBinary, ret models.Value) {
	if entry.IsInplace {
		if ret.Kind == models.KindNotImplemented {
			if err := vm.beginBinary(f, entry.OpSymbol, entry.L, entry.R, false); err != nil {
				vm.deliverError(f, err)
			}
			return
		}
		f.Push(ret)
		return
	}
	if ret.Kind == models.KindNotImplemented {
		entry.PlanIdx++
		if err := vm.tryNextBinaryStage(f, entry); err != nil {
			vm.deliverError(f, err)
		}
		return
	}
	f.Push(ret)
}

// deliverError routes a synchronously-detected error (one not raised by
// bytecode, e.g. the final TypeError at the end of the binary protocol)
// through the same unwinding path as any other raised exception.
func (vm *VM) deliverError(f *Frame, err error) {
	if err2 := vm.handleError(err); err2 != nil {
		vm.finished = true
		vm.fatalErr = err2
	}
}
