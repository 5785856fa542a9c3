package batchsize

import "testing"

func TestManager_Get_DefaultsToTotalRegisters(t *testing.T) {
	m := New(0, 0, 0)
	if got := m.Get("meter-1", 20); got != 20 {
		t.Fatalf("expected default batch size 20, got %d", got)
	}
}

func TestManager_Shrink_HalvesAndFloorsAtMinBatch(t *testing.T) {
	m := New(4, 0.5, 10)
	m.Get("meter-1", 20)

	m.Shrink("meter-1", 20)
	if got := m.Get("meter-1", 20); got != 10 {
		t.Fatalf("expected size 10 after one shrink, got %d", got)
	}

	m.Shrink("meter-1", 10)
	if got := m.Get("meter-1", 20); got != 5 {
		t.Fatalf("expected size 5 after two shrinks, got %d", got)
	}

	m.Shrink("meter-1", 5)
	if got := m.Get("meter-1", 20); got != 4 {
		t.Fatalf("expected size floored at minBatch 4, got %d", got)
	}
}

func TestManager_RecordSuccess_GrowsAfterWindow(t *testing.T) {
	m := New(1, 0.5, 3)
	m.Shrink("meter-1", 20) // size -> 10

	for i := 0; i < 2; i++ {
		m.RecordSuccess("meter-1", 20)
	}
	if got := m.Get("meter-1", 20); got != 10 {
		t.Fatalf("expected no growth before window elapses, got %d", got)
	}

	m.RecordSuccess("meter-1", 20) // third consecutive success hits the window
	if got := m.Get("meter-1", 20); got != 20 {
		t.Fatalf("expected growth back to totalRegisters 20, got %d", got)
	}
}

func TestManager_RecordSuccess_CapsAtTotalRegisters(t *testing.T) {
	m := New(1, 0.5, 1)
	m.Get("meter-1", 20)
	m.RecordSuccess("meter-1", 20)
	if got := m.Get("meter-1", 20); got != 20 {
		t.Fatalf("expected cap at totalRegisters 20, got %d", got)
	}
}

func TestManager_Shrink_ResetsSuccessStreak(t *testing.T) {
	m := New(1, 0.5, 2)
	m.RecordSuccess("meter-1", 20)
	m.Shrink("meter-1", 20)
	m.RecordSuccess("meter-1", 20)
	if got := m.Get("meter-1", 20); got == 20 {
		t.Fatal("expected success streak reset by Shrink, grew too early")
	}
}

func TestManager_PerMeterIsolation(t *testing.T) {
	m := New(1, 0.5, 10)
	m.Shrink("meter-a", 20)
	if got := m.Get("meter-b", 20); got != 20 {
		t.Fatalf("expected meter-b unaffected by meter-a's shrink, got %d", got)
	}
}
