package vm

import "testing"

func TestTrackerCheckAllocLimit(t *testing.T) {
	tr := NewTracker("s1", Limits{MaxAllocations: 2})

	if err := tr.CheckAlloc(0); err != nil {
		t.Fatalf("first CheckAlloc: %v", err)
	}
	if err := tr.CheckAlloc(0); err != nil {
		t.Fatalf("second CheckAlloc: %v", err)
	}
	if err := tr.CheckAlloc(0); err == nil {
		t.Error("expected third CheckAlloc to breach MaxAllocations=2")
	}
}

func TestTrackerCheckAllocMemoryLimit(t *testing.T) {
	tr := NewTracker("s1", Limits{MaxMemory: 10})

	if err := tr.CheckAlloc(5); err != nil {
		t.Fatalf("CheckAlloc(5): %v", err)
	}
	if err := tr.CheckAlloc(6); err == nil {
		t.Error("expected CheckAlloc(6) to breach MaxMemory=10 (5+6=11)")
	}
}

func TestTrackerUnboundedByDefault(t *testing.T) {
	tr := NewTracker("s1", Limits{})
	for i := 0; i < 1000; i++ {
		if err := tr.CheckAlloc(1 << 20); err != nil {
			t.Fatalf("unbounded tracker should never breach, got %v at i=%d", err, i)
		}
	}
}

func TestTrackerCheckRecursionLimit(t *testing.T) {
	tr := NewTracker("s1", Limits{MaxRecursionDepth: 3})
	if err := tr.CheckRecursion(3); err != nil {
		t.Fatalf("CheckRecursion(3) within limit: %v", err)
	}
	if err := tr.CheckRecursion(4); err == nil {
		t.Error("expected CheckRecursion(4) to breach MaxRecursionDepth=3")
	}
}

func TestTrackerCheckTimeNotStarted(t *testing.T) {
	tr := NewTracker("s1", Limits{MaxDurationSecs: 0.001})
	if err := tr.CheckTime(); err != nil {
		t.Error("CheckTime before Start() must never breach")
	}
}

func TestTrackerCountersRoundTrip(t *testing.T) {
	tr := NewTracker("s1", Limits{})
	tr.CheckAlloc(100)
	tr.CheckAlloc(50)

	allocs, bytes := tr.Counters()
	if allocs != 2 || bytes != 150 {
		t.Errorf("Counters() = (%d, %d), want (2, 150)", allocs, bytes)
	}

	restored := NewTracker("s2", Limits{})
	restored.RestoreCounters(allocs, bytes)
	ra, rb := restored.Counters()
	if ra != allocs || rb != bytes {
		t.Errorf("RestoreCounters did not round-trip: got (%d, %d)", ra, rb)
	}
}

func TestTrackerRelease(t *testing.T) {
	tr := NewTracker("s1", Limits{})
	tr.CheckAlloc(100)
	tr.Release(40)
	_, bytes := tr.Counters()
	if bytes != 60 {
		t.Errorf("memory after Release(40) = %d, want 60", bytes)
	}
	tr.Release(1000)
	if _, bytes := tr.Counters(); bytes != 0 {
		t.Errorf("memory should floor at 0, got %d", bytes)
	}
}

func TestDefaultLimitsRecursionDepth(t *testing.T) {
	l := DefaultLimits()
	if l.MaxRecursionDepth != 1000 {
		t.Errorf("DefaultLimits().MaxRecursionDepth = %d, want 1000", l.MaxRecursionDepth)
	}
	if l.MaxAllocations != 0 || l.MaxMemory != 0 || l.MaxDurationSecs != 0 {
		t.Error("DefaultLimits() should leave every other field unbounded (zero)")
	}
}
