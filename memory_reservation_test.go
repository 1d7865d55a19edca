package vm

import (
	"sync"
	"testing"
)

// TestReservationRoundTrip verifies that an update always changes the value
// a subsequent acquire observes.
func TestReservationRoundTrip(t *testing.T) {
	m := newTestMemory(t)

	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)
	if addr == 0 {
		t.Fatal("Alloc failed")
	}

	before := m.ReservationAcquire(addr)
	m.ReservationUpdate(addr)
	after := m.ReservationAcquire(addr)
	if after == before {
		t.Fatalf("stamp unchanged across update: 0x%016X", after)
	}
}

// TestReservationStampsNeverRepeat verifies that rapid back-to-back updates
// hand out strictly increasing stamps even when the host clock stalls.
func TestReservationStampsNeverRepeat(t *testing.T) {
	m := newTestMemory(t)

	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)
	last := uint64(0)
	for i := 0; i < 10000; i++ {
		m.ReservationUpdate(addr)
		stamp := m.ReservationAcquire(addr)
		if stamp <= last {
			t.Fatalf("stamp 0x%016X not above previous 0x%016X", stamp, last)
		}
		last = stamp
	}
}

// TestReservationLinesIndependent verifies that lock lines 128 bytes apart
// carry independent stamps.
func TestReservationLinesIndependent(t *testing.T) {
	m := newTestMemory(t)

	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)
	neighbour := m.ReservationAcquire(addr + LOCK_LINE_SIZE)
	m.ReservationUpdate(addr)
	if got := m.ReservationAcquire(addr + LOCK_LINE_SIZE); got != neighbour {
		t.Fatalf("update on line 0 disturbed line 1: 0x%016X -> 0x%016X", neighbour, got)
	}

	// Same line, different offset: one stamp.
	if m.ReservationAcquire(addr) != m.ReservationAcquire(addr+LOCK_LINE_SIZE-1) {
		t.Fatal("offsets within one lock line disagree on the stamp")
	}
}

// TestReservationStorageCreationRace verifies that concurrent first touches
// of a page's reservation storage converge on a single storage block.
func TestReservationStorageCreationRace(t *testing.T) {
	m := newTestMemory(t)

	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)

	const goroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ReservationAcquire(addr)
		}()
	}
	wg.Wait()

	line := m.pages[addr/PAGE_SIZE].reservations.Load()
	if line == nil {
		t.Fatal("no reservation storage after concurrent acquires")
	}
	for i := 0; i < goroutines; i++ {
		if got := m.pages[addr/PAGE_SIZE].reservations.Load(); got != line {
			t.Fatal("reservation storage pointer changed after publication")
		}
	}
}

// TestStoreConditionalSequence walks the emulated load-reserve /
// store-conditional protocol the way the interpreter drives it.
func TestStoreConditionalSequence(t *testing.T) {
	m := newTestMemory(t)

	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)
	m.Write32(addr, 100)

	// Uncontended: capture, re-validate, commit.
	stamp := m.ReservationAcquire(addr)
	value := m.Read32(addr) + 1
	if m.ReservationAcquire(addr) != stamp {
		t.Fatal("uncontended reservation lost")
	}
	m.Write32(addr, value)
	m.ReservationUpdate(addr)

	// Contended: a concurrent update between capture and commit must make
	// the re-validation fail.
	stamp = m.ReservationAcquire(addr)
	m.ReservationUpdate(addr) // another core's successful store
	if m.ReservationAcquire(addr) == stamp {
		t.Fatal("reservation survived a concurrent update")
	}

	if got := m.Read32(addr); got != 101 {
		t.Fatalf("memory 0x%08X, expected 101", got)
	}
}
