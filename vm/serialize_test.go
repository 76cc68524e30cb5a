package vm

import (
	"testing"

	"github.com/parcadei/ouros/models"
)

func TestSnapshotRestoreCompletedVM(t *testing.T) {
	prog := buildReturnSum(10, 32)
	original := NewVM(prog, DefaultLimits(), "snap-test")

	state, err := original.Run(nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Kind != SuspendComplete {
		t.Fatalf("expected SuspendComplete, got %v", state.Kind)
	}

	snap := original.Snapshot()
	if !snap.Finished {
		t.Fatal("Snapshot().Finished = false for a completed VM")
	}

	restored, err := NewVMFromSnapshot(snap)
	if err != nil {
		t.Fatalf("NewVMFromSnapshot: %v", err)
	}
	if !restored.finished {
		t.Error("restored VM should report finished")
	}
	if restored.Tracker.SessionID != "snap-test" {
		t.Errorf("SessionID = %q, want %q", restored.Tracker.SessionID, "snap-test")
	}

	entry, ok := restored.Heap.Read(restored.completeVal.Heap)
	if !ok {
		t.Fatal("restored completion value's heap entry is gone")
	}
	bi, ok := entry.Value.(*models.BigInt)
	if !ok {
		t.Fatalf("restored completion value is %T, want *models.BigInt", entry.Value)
	}
	if bi.V.Int64() != 42 {
		t.Errorf("restored completion value = %v, want 42", bi.V)
	}
}

func TestSnapshotPreservesPendingCalls(t *testing.T) {
	v := NewVM(buildReturnSum(1, 1), DefaultLimits(), "pending-test")
	id := v.Heap.Alloc(models.KindStr, &models.Str{S: "arg"})
	v.pendingCalls = map[uint64]*PendingCall{
		7: {CallID: 7, Args: []models.Value{{Kind: models.KindStr, Heap: id}}},
	}
	v.nextCallID = 8

	snap := v.Snapshot()
	if len(snap.PendingCalls) != 1 || snap.PendingCalls[0].CallID != 7 {
		t.Fatalf("PendingCalls not captured: %+v", snap.PendingCalls)
	}

	restored, err := NewVMFromSnapshot(snap)
	if err != nil {
		t.Fatalf("NewVMFromSnapshot: %v", err)
	}
	if restored.nextCallID != 8 {
		t.Errorf("nextCallID = %d, want 8", restored.nextCallID)
	}
	pc, ok := restored.pendingCalls[7]
	if !ok {
		t.Fatal("pending call 7 missing after restore")
	}
	if len(pc.Args) != 1 {
		t.Fatalf("restored pending call has %d args, want 1", len(pc.Args))
	}
	if _, ok := restored.Heap.Read(pc.Args[0].Heap); !ok {
		t.Error("restored pending call's argument heap id does not resolve against the new heap")
	}
}

func TestNewVMFromSnapshotRejectsDanglingClassRef(t *testing.T) {
	snap := &Snapshot{
		Version: 1,
		Program: ProgramSnapshot{Functions: []FunctionCodeSnapshot{{Name: "<module>"}}},
		Heap: []HeapObjectSnapshot{
			// ClassRef points at id 2, which never appears as its own Class
			// entry below: the defining class is missing from the snapshot.
			{OldID: 1, Kind: models.KindInstance, ClassRef: 2, Instance: &InstanceSnapshot{}},
		},
	}

	if _, err := NewVMFromSnapshot(snap); err != models.ErrDanglingHeapID {
		t.Errorf("NewVMFromSnapshot with an unresolved ClassRef: got %v, want models.ErrDanglingHeapID", err)
	}
}
