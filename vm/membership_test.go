package vm

import (
	"testing"

	"github.com/parcadei/ouros/models"
)

// buildContainsProgram assembles `item in <container const>` (or `not in`
// when notIn is true) as a one-instruction-past-the-operands program, with
// the container constant left as a placeholder for the caller to patch in
// directly on the VM's heap once it exists.
func buildContainsProgram(notIn bool) (*Builder, *CompiledProgram, int) {
	builder := NewBuilder("contains")
	fn := &CompiledFunction{Name: "<module>", MaxStack: 2}
	builder.Func(fn)
	itemIdx := builder.ConstPayload(models.KindInt, int64(2))
	containerIdx := builder.ConstPayload(models.KindList, nil)
	builder.Emit(Instr{Op: OpLoadConst, A: itemIdx})
	builder.Emit(Instr{Op: OpLoadConst, A: containerIdx})
	a := 0
	if notIn {
		a = 1
	}
	builder.Emit(Instr{Op: OpContains, A: a})
	builder.Emit(Instr{Op: OpReturn})
	builder.SetMain()
	prog := builder.Build()
	return builder, prog, containerIdx
}

func patchListConst(v *VM, prog *CompiledProgram, idx int, ints []int64) {
	items := make([]models.Value, 0, len(ints))
	for _, n := range ints {
		id, _ := v.Heap.InternSmallInt(n)
		v.Heap.Incref(id)
		items = append(items, models.FromHeap(models.KindInt, id))
	}
	listID := v.Heap.Alloc(models.KindList, &models.List{Items: items})
	v.Heap.Incref(listID)
	prog.Constants[idx] = models.FromHeap(models.KindList, listID)
	delete(prog.ConstPayloads, idx)
}

func TestVMContainsBuiltinListScanFound(t *testing.T) {
	_, prog, containerIdx := buildContainsProgram(false)
	v := NewVM(prog, DefaultLimits(), "contains-found")
	patchListConst(v, prog, containerIdx, []int64{1, 2, 3})

	state, err := v.Run(nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Kind != SuspendComplete {
		t.Fatalf("expected SuspendComplete, got %v", state.Kind)
	}
	if state.CompleteValue.Kind != models.KindBool || !state.CompleteValue.BoolV {
		t.Errorf("2 in [1, 2, 3]: want True, got %+v", state.CompleteValue)
	}
}

func TestVMContainsBuiltinListScanNotFound(t *testing.T) {
	_, prog, containerIdx := buildContainsProgram(false)
	v := NewVM(prog, DefaultLimits(), "contains-not-found")
	patchListConst(v, prog, containerIdx, []int64{5, 6, 7})

	state, err := v.Run(nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.CompleteValue.Kind != models.KindBool || state.CompleteValue.BoolV {
		t.Errorf("2 in [5, 6, 7]: want False, got %+v", state.CompleteValue)
	}
}

func TestVMNotContainsNegatesResult(t *testing.T) {
	_, prog, containerIdx := buildContainsProgram(true)
	v := NewVM(prog, DefaultLimits(), "not-contains")
	patchListConst(v, prog, containerIdx, []int64{1, 2, 3})

	state, err := v.Run(nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.CompleteValue.Kind != models.KindBool || state.CompleteValue.BoolV {
		t.Errorf("2 not in [1, 2, 3]: want False, got %+v", state.CompleteValue)
	}
}

// TestVMContainsUserDunderSuspendCapable drives the tier-1 __contains__
// path through the same pendingMemberships/execReturn routing a suspending
// external call nested inside __contains__ would use, confirming the
// dunder's (trivial, always-True) return completes the `in` expression.
func TestVMContainsUserDunderSuspendCapable(t *testing.T) {
	builder := NewBuilder("contains-dunder")

	containsFn := &CompiledFunction{Name: "__contains__", Params: []string{"self", "item"}, NumLocals: 2, MaxStack: 1}
	builder.Func(containsFn)
	trueIdx := builder.Const(models.Bool(true))
	builder.Emit(Instr{Op: OpLoadConst, A: trueIdx})
	builder.Emit(Instr{Op: OpReturn})

	mainFn := &CompiledFunction{Name: "<module>", MaxStack: 2}
	builder.Func(mainFn)
	itemIdx := builder.ConstPayload(models.KindInt, int64(1))
	containerIdx := builder.ConstPayload(models.KindInstance, nil)
	builder.Emit(Instr{Op: OpLoadConst, A: itemIdx})
	builder.Emit(Instr{Op: OpLoadConst, A: containerIdx})
	builder.Emit(Instr{Op: OpContains, A: 0})
	builder.Emit(Instr{Op: OpReturn})
	builder.SetMain()
	prog := builder.Build()

	v := NewVM(prog, DefaultLimits(), "contains-dunder-test")

	fnID := v.Heap.AllocFrozen(models.KindFunction, &models.Function{Name: "__contains__", Code: containsFn})
	td := models.NewTypeDescriptor("C")
	td.Namespace["__contains__"] = fnID
	v.Heap.Incref(fnID)
	selfID := v.Heap.Alloc(models.KindClass, &models.ClassObject{Type: td})
	td.MRO = []models.HeapId{selfID}
	v.classes[selfID] = td

	instID := v.Heap.AllocInstance(models.KindInstance, &models.Instance{Class: td}, td)
	v.Heap.Incref(instID)
	prog.Constants[containerIdx] = models.FromHeap(models.KindInstance, instID)
	delete(prog.ConstPayloads, containerIdx)

	state, err := v.Run(nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Kind != SuspendComplete {
		t.Fatalf("expected SuspendComplete, got %v", state.Kind)
	}
	if state.CompleteValue.Kind != models.KindBool || !state.CompleteValue.BoolV {
		t.Errorf("expected __contains__'s True to decide the expression, got %+v", state.CompleteValue)
	}
}

func TestVMContainsNonIterableRaisesTypeError(t *testing.T) {
	builder := NewBuilder("contains-type-error")
	fn := &CompiledFunction{Name: "<module>", MaxStack: 2}
	builder.Func(fn)
	itemIdx := builder.ConstPayload(models.KindInt, int64(1))
	containerIdx := builder.ConstPayload(models.KindInt, int64(42))
	builder.Emit(Instr{Op: OpLoadConst, A: itemIdx})
	builder.Emit(Instr{Op: OpLoadConst, A: containerIdx})
	builder.Emit(Instr{Op: OpContains, A: 0})
	builder.Emit(Instr{Op: OpReturn})
	builder.SetMain()
	prog := builder.Build()

	v := NewVM(prog, DefaultLimits(), "contains-type-error-test")
	_, err := v.Run(nil)
	if err == nil {
		t.Fatal("expected `in` against a plain int to raise TypeError")
	}
	pe, ok := err.(*models.RuntimeError)
	if !ok {
		t.Fatalf("expected *models.RuntimeError, got %T: %v", err, err)
	}
	if pe.ExceptionType != "TypeError" {
		t.Errorf("expected the escaped exception to be TypeError, got %s", pe.ExceptionType)
	}
}
