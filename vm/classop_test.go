package vm

import (
	"testing"

	"github.com/parcadei/ouros/models"
)

// newRegisteredClass builds a minimal TypeDescriptor with a single
// namespace entry (typically a dunder) directly on the heap and registers
// it in vm.classes, the same shape execMakeClass itself produces but
// without driving a class body frame through the bytecode loop.
func newRegisteredClass(v *VM, name string, namespace map[string]models.HeapId) (models.HeapId, *models.TypeDescriptor) {
	td := models.NewTypeDescriptor(name)
	for k, id := range namespace {
		td.Namespace[k] = id
	}
	id := v.Heap.Alloc(models.KindClass, &models.ClassObject{Type: td})
	td.MRO = []models.HeapId{id}
	v.classes[id] = td
	return id, td
}

// pushRootFrame installs a throwaway frame so vm.Frames.Len() > 0, the
// same precondition any real bytecode-driven call into a synchronous
// dunder helper (callSyncSimple/runSyncUntil, compare.go) already has —
// these tests invoke such helpers directly, outside of a running program.
func pushRootFrame(v *VM) {
	v.Frames.Push(NewFrame(&CompiledFunction{Name: "<root>", MaxStack: 1}))
}

func TestExecMakeClassInheritsMetaclassFromBase(t *testing.T) {
	prog := buildReturnSum(0, 0)
	v := NewVM(prog, DefaultLimits(), "metaclass-inherit")

	sentinelMeta := models.HeapId(999)
	baseID, baseTD := newRegisteredClass(v, "Base", nil)
	baseTD.Metaclass = sentinelMeta

	baseVal := models.FromHeap(models.KindClass, baseID)
	childVal, err := v.execMakeClass("Child", []models.Value{baseVal}, nil)
	if err != nil {
		t.Fatalf("execMakeClass: %v", err)
	}
	childTD := v.classes[childVal.Heap]
	if childTD.Metaclass != sentinelMeta {
		t.Errorf("Child.Metaclass = %v, want inherited %v", childTD.Metaclass, sentinelMeta)
	}
}

func TestRunInitSubclassInvokesFirstAncestor(t *testing.T) {
	builder := NewBuilder("init-subclass")

	// __init_subclass__(cls): store a global marker, then return None.
	initFn := &CompiledFunction{Name: "__init_subclass__", Params: []string{"cls"}, NumLocals: 1, MaxStack: 1}
	builder.Func(initFn)
	trueIdx := builder.Const(models.Bool(true))
	noneIdx := builder.Const(models.None())
	builder.Emit(Instr{Op: OpLoadConst, A: trueIdx})
	builder.Emit(Instr{Op: OpStoreGlobal, S: "init_subclass_called"})
	builder.Emit(Instr{Op: OpLoadConst, A: noneIdx})
	builder.Emit(Instr{Op: OpReturn})

	mainFn := &CompiledFunction{Name: "<module>", MaxStack: 1}
	builder.Func(mainFn)
	zeroIdx := builder.Const(models.None())
	builder.Emit(Instr{Op: OpLoadConst, A: zeroIdx})
	builder.Emit(Instr{Op: OpReturn})
	builder.SetMain()
	prog := builder.Build()

	v := NewVM(prog, DefaultLimits(), "init-subclass-test")

	fnID := v.Heap.AllocFrozen(models.KindFunction, &models.Function{Name: "__init_subclass__", Code: initFn})
	v.Heap.Incref(fnID)
	baseID, _ := newRegisteredClass(v, "Base", map[string]models.HeapId{
		"__init_subclass__": fnID,
	})

	pushRootFrame(v)
	baseVal := models.FromHeap(models.KindClass, baseID)
	if _, err := v.execMakeClass("Child", []models.Value{baseVal}, nil); err != nil {
		t.Fatalf("execMakeClass: %v", err)
	}
	if _, ok := v.Globals["init_subclass_called"]; !ok {
		t.Error("expected __init_subclass__ to run and set a global marker")
	}
}

func TestIsInstanceOfConsultsInstanceCheck(t *testing.T) {
	builder := NewBuilder("instancecheck")

	checkFn := &CompiledFunction{Name: "__instancecheck__", Params: []string{"cls", "obj"}, NumLocals: 2, MaxStack: 1}
	builder.Func(checkFn)
	trueIdx := builder.Const(models.Bool(true))
	builder.Emit(Instr{Op: OpLoadConst, A: trueIdx})
	builder.Emit(Instr{Op: OpReturn})

	mainFn := &CompiledFunction{Name: "<module>", MaxStack: 1}
	builder.Func(mainFn)
	noneIdx := builder.Const(models.None())
	builder.Emit(Instr{Op: OpLoadConst, A: noneIdx})
	builder.Emit(Instr{Op: OpReturn})
	builder.SetMain()
	prog := builder.Build()

	v := NewVM(prog, DefaultLimits(), "instancecheck-test")

	fnID := v.Heap.AllocFrozen(models.KindFunction, &models.Function{Name: "__instancecheck__", Code: checkFn})
	v.Heap.Incref(fnID)
	clsID, _ := newRegisteredClass(v, "Weird", map[string]models.HeapId{
		"__instancecheck__": fnID,
	})

	// obj is a plain int, structurally unrelated to Weird, so only the
	// __instancecheck__ override (always True here) can make this pass.
	pushRootFrame(v)
	obj := models.Value{Kind: models.KindInt}
	ok, err := v.isInstanceOf(obj, clsID)
	if err != nil {
		t.Fatalf("isInstanceOf: %v", err)
	}
	if !ok {
		t.Error("expected __instancecheck__ override to report True")
	}
}

func TestIsSubclassOfConsultsSubclassCheck(t *testing.T) {
	builder := NewBuilder("subclasscheck")

	checkFn := &CompiledFunction{Name: "__subclasscheck__", Params: []string{"cls", "candidate"}, NumLocals: 2, MaxStack: 1}
	builder.Func(checkFn)
	falseIdx := builder.Const(models.Bool(false))
	builder.Emit(Instr{Op: OpLoadConst, A: falseIdx})
	builder.Emit(Instr{Op: OpReturn})

	mainFn := &CompiledFunction{Name: "<module>", MaxStack: 1}
	builder.Func(mainFn)
	noneIdx := builder.Const(models.None())
	builder.Emit(Instr{Op: OpLoadConst, A: noneIdx})
	builder.Emit(Instr{Op: OpReturn})
	builder.SetMain()
	prog := builder.Build()

	v := NewVM(prog, DefaultLimits(), "subclasscheck-test")

	fnID := v.Heap.AllocFrozen(models.KindFunction, &models.Function{Name: "__subclasscheck__", Code: checkFn})
	v.Heap.Incref(fnID)
	ancestorID, _ := newRegisteredClass(v, "Picky", map[string]models.HeapId{
		"__subclasscheck__": fnID,
	})

	// candidate's MRO structurally contains ancestorID, so the plain
	// membership test would say True; the override says False and must win.
	_, candidateTD := newRegisteredClass(v, "Sub", nil)
	candidateTD.MRO = append(candidateTD.MRO, ancestorID)

	pushRootFrame(v)
	ok, err := v.isSubclassOf(candidateTD, ancestorID)
	if err != nil {
		t.Fatalf("isSubclassOf: %v", err)
	}
	if ok {
		t.Error("expected __subclasscheck__ override (False) to override the structural MRO match")
	}
}
