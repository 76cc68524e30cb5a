package models

import "testing"

func TestHeapAllocAndRead(t *testing.T) {
	h := NewHeap()
	id := h.Alloc(KindStr, &Str{S: "hi"})

	e, ok := h.Read(id)
	if !ok {
		t.Fatalf("Read(%d) = false, want true", id)
	}
	if e.Kind != KindStr {
		t.Errorf("Kind = %v, want KindStr", e.Kind)
	}
	if s := e.Value.(*Str).S; s != "hi" {
		t.Errorf("Value = %q, want %q", s, "hi")
	}
	if e.Refcount != 1 {
		t.Errorf("Refcount = %d, want 1", e.Refcount)
	}
}

func TestHeapReadUnknownID(t *testing.T) {
	h := NewHeap()
	if _, ok := h.Read(HeapId(999)); ok {
		t.Error("Read of an unallocated id should return false")
	}
}

func TestHeapIncrefDecrefFrees(t *testing.T) {
	h := NewHeap()
	id := h.Alloc(KindStr, &Str{S: "x"})
	h.Incref(id)

	if e, _ := h.Read(id); e.Refcount != 2 {
		t.Fatalf("Refcount after Incref = %d, want 2", e.Refcount)
	}

	h.Decref(id)
	if _, ok := h.Read(id); !ok {
		t.Error("entry should still be alive after one of two references is dropped")
	}

	h.Decref(id)
	if _, ok := h.Read(id); ok {
		t.Error("entry should be freed once its refcount reaches zero")
	}
}

func TestHeapWriteRejectsFrozen(t *testing.T) {
	h := NewHeap()
	id := h.AllocFrozen(KindStr, &Str{S: "frozen"})
	if err := h.Write(id, &Str{S: "mutated"}); err != ErrFrozen {
		t.Errorf("Write on a frozen entry: got %v, want ErrFrozen", err)
	}
}

func TestHeapFrozenDecrefNeverFrees(t *testing.T) {
	h := NewHeap()
	id := h.AllocFrozen(KindStr, &Str{S: "pinned"})
	for i := 0; i < 5; i++ {
		h.Decref(id)
	}
	if _, ok := h.Read(id); !ok {
		t.Error("a frozen entry must never be freed by Decref")
	}
}

func TestHeapFreeSlotIsReused(t *testing.T) {
	h := NewHeap()
	id1 := h.Alloc(KindStr, &Str{S: "a"})
	h.Decref(id1)

	id2 := h.Alloc(KindStr, &Str{S: "b"})
	if id2 != id1 {
		t.Errorf("expected the freed slot %d to be reused, got a new slot %d", id1, id2)
	}
}

func TestHeapInternStringDedups(t *testing.T) {
	h := NewHeap()
	id1 := h.InternString("shared")
	id2 := h.InternString("shared")
	if id1 != id2 {
		t.Errorf("InternString(\"shared\") called twice returned different ids: %d, %d", id1, id2)
	}
}

func TestHeapInternSmallInt(t *testing.T) {
	h := NewHeap()
	id, small := h.InternSmallInt(5)
	if !small {
		t.Fatal("5 should be within the small-int interning range")
	}
	id2, small2 := h.InternSmallInt(5)
	if !small2 || id != id2 {
		t.Errorf("InternSmallInt(5) should return the same id both times, got %d and %d", id, id2)
	}

	_, big := h.InternSmallInt(100000)
	if big {
		t.Error("100000 should fall outside the small-int interning range")
	}
}
