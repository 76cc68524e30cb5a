package vm

import (
	"testing"

	"github.com/parcadei/ouros/models"
)

// buildReturnSum assembles `return a + b` as a CompiledProgram, the
// smallest program exercising OpLoadConst/OpBinaryOp/OpReturn without a
// real compiler (§1's non-goal).
func buildReturnSum(a, b int64) *CompiledProgram {
	builder := NewBuilder("sum")
	fn := &CompiledFunction{Name: "<module>", MaxStack: 2}
	builder.Func(fn)
	ia := builder.ConstPayload(models.KindInt, a)
	ib := builder.ConstPayload(models.KindInt, b)
	builder.Emit(Instr{Op: OpLoadConst, A: ia})
	builder.Emit(Instr{Op: OpLoadConst, A: ib})
	builder.Emit(Instr{Op: OpBinaryOp, S: "+"})
	builder.Emit(Instr{Op: OpReturn})
	builder.SetMain()
	return builder.Build()
}

func TestVMRunArithmeticComplete(t *testing.T) {
	prog := buildReturnSum(3, 4)
	v := NewVM(prog, DefaultLimits(), "arith-test")

	state, err := v.Run(nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Kind != SuspendComplete {
		t.Fatalf("expected SuspendComplete, got %v", state.Kind)
	}

	entry, ok := v.Heap.Read(state.CompleteValue.Heap)
	if !ok {
		t.Fatal("completion value's heap entry is gone")
	}
	bi, ok := entry.Value.(*models.BigInt)
	if !ok {
		t.Fatalf("completion value payload is %T, want *models.BigInt", entry.Value)
	}
	if bi.V.Int64() != 7 {
		t.Errorf("3 + 4 = %v, want 7", bi.V)
	}
}

func TestVMGlobalsPersistAcrossStoreLoad(t *testing.T) {
	builder := NewBuilder("globals")
	fn := &CompiledFunction{Name: "<module>", MaxStack: 1}
	builder.Func(fn)
	idx := builder.ConstPayload(models.KindInt, int64(42))
	builder.Emit(Instr{Op: OpLoadConst, A: idx})
	builder.Emit(Instr{Op: OpStoreGlobal, S: "x"})
	builder.Emit(Instr{Op: OpLoadGlobal, S: "x"})
	builder.Emit(Instr{Op: OpReturn})
	builder.SetMain()
	prog := builder.Build()

	v := NewVM(prog, DefaultLimits(), "globals-test")
	state, err := v.Run(nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Kind != SuspendComplete {
		t.Fatalf("expected SuspendComplete, got %v", state.Kind)
	}
	if _, ok := v.Globals["x"]; !ok {
		t.Error("expected global \"x\" to remain bound after the module body returns")
	}
}

func TestVMRunRespectsMaxAllocations(t *testing.T) {
	prog := buildReturnSum(1, 1)
	v := NewVM(prog, Limits{MaxAllocations: 0}, "breach-test")
	// MaxAllocations: 0 means unbounded per Limits' own doc comment, so
	// force a breach directly against the tracker: the VM's own heap
	// allocations (materializing the two int constants included) do not go
	// through Tracker.CheckAlloc, so Run never counts them.
	v.Tracker.Limits.MaxAllocations = 1
	if err := v.Tracker.CheckAlloc(0); err != nil {
		t.Fatalf("first allocation should be within the limit of 1: %v", err)
	}
	if err := v.Tracker.CheckAlloc(0); err == nil {
		t.Error("expected the second allocation to breach MaxAllocations=1")
	}
}
