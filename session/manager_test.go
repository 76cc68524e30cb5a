package session

import (
	"testing"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

// returnIntProgram builds a CompiledProgram whose module body is just
// `return <n>`, the smallest possible complete run for exercising the
// session manager without a real compiler (§1's non-goal).
func returnIntProgram(n int64) *vm.CompiledProgram {
	b := vm.NewBuilder("test")
	fn := &vm.CompiledFunction{Name: "<module>", MaxStack: 1}
	b.Func(fn)
	idx := b.ConstPayload(models.KindInt, n)
	b.Emit(vm.Instr{Op: vm.OpLoadConst, A: idx})
	b.Emit(vm.Instr{Op: vm.OpReturn})
	b.SetMain()
	return b.Build()
}

func TestManagerExecuteDefaultSession(t *testing.T) {
	m := NewManager(t.TempDir(), 4)
	defer m.Close()

	state, err := m.Execute(DefaultSessionID, returnIntProgram(7), vm.DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Kind != vm.SuspendComplete {
		t.Fatalf("expected SuspendComplete, got %v", state.Kind)
	}
}

func TestManagerCreateAndDestroySession(t *testing.T) {
	m := NewManager(t.TempDir(), 4)
	defer m.Close()

	if _, err := m.CreateSession("s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := m.CreateSession("s1"); err == nil {
		t.Error("expected ErrDuplicate creating an already-registered session")
	}

	ids := m.ListSessions()
	found := false
	for _, id := range ids {
		if id == "s1" {
			found = true
		}
	}
	if !found {
		t.Errorf("ListSessions() = %v, expected to contain \"s1\"", ids)
	}

	if err := m.DestroySession("s1"); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}
	if err := m.DestroySession(DefaultSessionID); err == nil {
		t.Error("expected the default session to be protected from destruction")
	}
}

func TestManagerExecuteAccumulatesHistory(t *testing.T) {
	m := NewManager(t.TempDir(), 4)
	defer m.Close()

	if _, err := m.Execute(DefaultSessionID, returnIntProgram(1), vm.DefaultLimits(), nil); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := m.Execute(DefaultSessionID, returnIntProgram(2), vm.DefaultLimits(), nil); err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	box, err := m.Sandbox(DefaultSessionID)
	if err != nil {
		t.Fatalf("Sandbox: %v", err)
	}
	if len(box.history) != 1 {
		t.Errorf("expected one history entry after a second Execute, got %d", len(box.history))
	}
}

func TestManagerSandboxUnknownID(t *testing.T) {
	m := NewManager(t.TempDir(), 4)
	defer m.Close()
	if _, err := m.Sandbox("does-not-exist"); err == nil {
		t.Error("expected ErrNotFound for an unregistered session id")
	}
}

func TestManagerVariableCRUD(t *testing.T) {
	m := NewManager(t.TempDir(), 4)
	defer m.Close()

	if _, err := m.Execute(DefaultSessionID, returnIntProgram(0), vm.DefaultLimits(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := m.SetVariable(DefaultSessionID, "x", models.Bool(true)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	v, ok, err := m.GetVariable(DefaultSessionID, "x")
	if err != nil {
		t.Fatalf("GetVariable: %v", err)
	}
	if !ok || v.Kind != models.KindBool || !v.BoolV {
		t.Errorf("GetVariable(x) = %+v, %v, want Bool(true), true", v, ok)
	}

	names, err := m.ListVariables(DefaultSessionID)
	if err != nil {
		t.Fatalf("ListVariables: %v", err)
	}
	if len(names) != 1 || names[0] != "x" {
		t.Errorf("ListVariables() = %v, want [x]", names)
	}

	if err := m.DeleteVariable(DefaultSessionID, "x"); err != nil {
		t.Fatalf("DeleteVariable: %v", err)
	}
	if err := m.DeleteVariable(DefaultSessionID, "x"); err == nil {
		t.Error("expected DeleteVariable on an already-removed name to fail")
	}
}

func TestManagerForkIsolatesState(t *testing.T) {
	m := NewManager(t.TempDir(), 4)
	defer m.Close()

	if _, err := m.Execute(DefaultSessionID, returnIntProgram(0), vm.DefaultLimits(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := m.SetVariable(DefaultSessionID, "x", models.Bool(true)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	if err := m.Fork(DefaultSessionID, "forked"); err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if err := m.SetVariable("forked", "x", models.Bool(false)); err != nil {
		t.Fatalf("SetVariable on fork: %v", err)
	}

	orig, _, err := m.GetVariable(DefaultSessionID, "x")
	if err != nil {
		t.Fatalf("GetVariable(original): %v", err)
	}
	if !orig.BoolV {
		t.Error("mutating the fork must not affect the source session")
	}
}

func TestManagerRewindRestoresPriorGlobals(t *testing.T) {
	m := NewManager(t.TempDir(), 4)
	defer m.Close()

	if _, err := m.Execute(DefaultSessionID, returnIntProgram(0), vm.DefaultLimits(), nil); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if err := m.SetVariable(DefaultSessionID, "x", models.Bool(true)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	if _, err := m.Execute(DefaultSessionID, returnIntProgram(1), vm.DefaultLimits(), nil); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if err := m.SetVariable(DefaultSessionID, "x", models.Bool(false)); err != nil {
		t.Fatalf("SetVariable 2: %v", err)
	}

	if err := m.Rewind(DefaultSessionID, 1); err != nil {
		t.Fatalf("Rewind: %v", err)
	}

	v, ok, err := m.GetVariable(DefaultSessionID, "x")
	if err != nil {
		t.Fatalf("GetVariable after rewind: %v", err)
	}
	if !ok || !v.BoolV {
		t.Errorf("expected rewind to restore x=true, got %+v, %v", v, ok)
	}
}

func TestManagerRewindRejectsExcessiveDepth(t *testing.T) {
	m := NewManager(t.TempDir(), 4)
	defer m.Close()
	if err := m.Rewind(DefaultSessionID, 1); err == nil {
		t.Error("expected Rewind on a session with no history to fail")
	}
	if err := m.Rewind(DefaultSessionID, 0); err == nil {
		t.Error("expected Rewind(0) to be rejected as invalid input")
	}
}
