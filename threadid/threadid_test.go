// File: threadid/threadid_test.go
package threadid

import "testing"

func TestAcquireReleaseRoundTrips(t *testing.T) {
	m := NewManager(4)
	id, gen := m.Acquire()
	if id < 0 || id >= 4 {
		t.Fatalf("Acquire returned out-of-range id %d", id)
	}
	if !m.IsAlive(id, gen) {
		t.Fatalf("expected freshly acquired id to be alive")
	}
	if !m.IsBound(id) {
		t.Fatalf("expected IsBound true right after Acquire")
	}
	m.Release(id)
	if m.IsAlive(id, gen) {
		t.Fatalf("expected id to be dead after Release under its old generation")
	}
	if m.IsBound(id) {
		t.Fatalf("expected IsBound false after Release")
	}
}

func TestReleaseBumpsGenerationSoStaleObserverSeesDeath(t *testing.T) {
	m := NewManager(2)
	id, gen1 := m.Acquire()
	m.Release(id)
	id2, gen2 := m.Acquire()
	if id2 != id {
		t.Fatalf("expected the freed slot to be reused, got id=%d want=%d", id2, id)
	}
	if gen2 == gen1 {
		t.Fatalf("expected generation to change across Acquire/Release/Acquire")
	}
	if m.IsAlive(id, gen1) {
		t.Fatalf("stale generation must not read as alive after the slot was recycled")
	}
	if !m.IsAlive(id2, gen2) {
		t.Fatalf("current generation must read as alive")
	}
}

func TestCapacityExhaustionPanics(t *testing.T) {
	m := NewManager(1)
	m.Acquire()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Acquire to panic when capacity is exhausted")
		}
	}()
	m.Acquire()
}

func TestHeartbeatResetsStaleSince(t *testing.T) {
	m := NewManager(2)
	id, _ := m.Acquire()
	before := m.StaleSince(id)
	m.Heartbeat(id)
	after := m.StaleSince(id)
	if after > before {
		t.Fatalf("StaleSince should not grow immediately after a Heartbeat: before=%d after=%d", before, after)
	}
}

func TestOutOfRangeIDsAreSafe(t *testing.T) {
	m := NewManager(2)
	if m.IsAlive(-1, 0) || m.IsAlive(5, 0) {
		t.Fatalf("IsAlive must reject out-of-range ids")
	}
	if m.IsBound(-1) || m.IsBound(5) {
		t.Fatalf("IsBound must reject out-of-range ids")
	}
	m.Heartbeat(-1) // must not panic
	m.Release(-1)   // must not panic
}
