package vm

import (
	"errors"
	"testing"
)

// TestMapUnmapRoundTrip verifies the end-to-end block lifecycle at one
// fixed address.
func TestMapUnmapRoundTrip(t *testing.T) {
	m := newTestMemory(t)

	b, err := m.Map(0x40000000, 0x10000, 0)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got := m.Get(LocationAny, 0x40008000); got != b {
		t.Fatal("Get(LocationAny) did not resolve the mapped block")
	}

	removed, err := m.Unmap(0x40000000, false)
	if err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if removed != b {
		t.Fatal("Unmap returned a different block")
	}
	if got := m.Get(LocationAny, 0x40008000); got != nil {
		t.Fatal("unmapped block still resolvable by address")
	}
}

// TestMapOverlapRejected verifies overlap detection against both named
// locations and previously mapped blocks.
func TestMapOverlapRejected(t *testing.T) {
	m := newTestMemory(t)

	if _, err := m.Map(MAIN_ADDR+0x10000, 0x10000, 0); !errors.Is(err, ErrBlockOverlap) {
		t.Fatalf("Map inside the main location: %v", err)
	}

	if _, err := m.Map(0x40000000, 0x10000, 0); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := m.Map(0x40008000, 0x10000, 0); !errors.Is(err, ErrBlockOverlap) {
		t.Fatalf("Map overlapping a mapped block: %v", err)
	}
}

// TestUnmapMustBeEmpty verifies the two unmap failure paths: a populated
// block with mustBeEmpty set, and an address owning no block at all.
func TestUnmapMustBeEmpty(t *testing.T) {
	m := newTestMemory(t)

	b, err := m.Map(0x40000000, 0x10000, 0)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	addr := b.Alloc(0x1000, 0x1000, nil, 0)

	if _, err := m.Unmap(0x40000000, true); !errors.Is(err, ErrBlockNotEmpty) {
		t.Fatalf("Unmap of a populated block: %v", err)
	}
	b.Dealloc(addr, nil, nil)
	if _, err := m.Unmap(0x40000000, true); err != nil {
		t.Fatalf("Unmap of the emptied block failed: %v", err)
	}

	// Double unmap: the block is gone.
	if _, err := m.Unmap(0x40000000, false); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("second Unmap: %v", err)
	}
}

// TestDanglingBlockAfterUnmap verifies that a stale reference to an
// unmapped block rejects mutation loudly instead of corrupting the page
// table.
func TestDanglingBlockAfterUnmap(t *testing.T) {
	m := newTestMemory(t)

	b, err := m.Map(0x40000000, 0x10000, 0)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := m.Unmap(0x40000000, false); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Alloc through a dangling block reference succeeded")
		}
	}()
	b.Alloc(0x1000, 0x1000, nil, 0)
}

// TestWildcardScanOrder verifies the documented LocationAny candidate
// order: named locations by declaration, then mapped blocks.
func TestWildcardScanOrder(t *testing.T) {
	m := newTestMemory(t)

	if got := m.Get(LocationAny, MAIN_ADDR); got != m.Get(LocationMain, 0) {
		t.Fatal("main location not found first for a main-range address")
	}
	if got := m.Get(LocationAny, STACK_ADDR+0x1000); got != m.Get(LocationStack, 0) {
		t.Fatal("stack address did not resolve to the stack location")
	}
	if got := m.Get(LocationAny, 0x8000); got != nil {
		t.Fatal("address below every location resolved to a block")
	}

	b, err := m.Map(0x40000000, 0x10000, 0)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got := m.Get(LocationAny, 0x40000000); got != b {
		t.Fatal("mapped block not reachable through the wildcard")
	}
}

// TestEndToEndAllocation is the user-space walk-through: map a 64KB block,
// allocate 256 bytes at 16-byte alignment, account for it, free it.
func TestEndToEndAllocation(t *testing.T) {
	m := newTestMemory(t)

	b, err := m.Map(0x40000000, 0x10000, 0)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	addr := b.Alloc(0x100, 0x10, nil, 0)
	if addr < 0x40000000 || addr+0x100 > 0x40010000 {
		t.Fatalf("allocation $%08X outside the mapped range", addr)
	}
	if addr%0x10 != 0 {
		t.Fatalf("allocation $%08X not 16-byte aligned", addr)
	}
	if b.Used() != 0x100 {
		t.Fatalf("Used() = $%X, expected $100", b.Used())
	}

	if size := b.Dealloc(addr, nil, nil); size != 0x100 {
		t.Fatalf("Dealloc returned $%X, expected $100", size)
	}
	if b.Used() != 0 {
		t.Fatalf("Used() = $%X after dealloc, expected 0", b.Used())
	}
}

// TestTopLevelWrappers verifies the location-resolving convenience
// wrappers, including falloc/dealloc through the wildcard.
func TestTopLevelWrappers(t *testing.T) {
	m := newTestMemory(t)

	addr := m.Alloc(0x10000, LocationUserSpace, 0x10000, 3)
	if addr == 0 || addr%0x10000 != 0 {
		t.Fatalf("Alloc returned $%08X", addr)
	}

	fixed := m.Falloc(VIDEO_ADDR+0x100000, 0x1000, LocationVideo, 0)
	if fixed != VIDEO_ADDR+0x100000 {
		t.Fatalf("Falloc returned $%08X", fixed)
	}
	if m.Falloc(fixed, 0x1000, LocationAny, 0) != 0 {
		t.Fatal("overlapping Falloc through the wildcard succeeded")
	}

	var sup uint32
	if size := m.Dealloc(addr, LocationAny, &sup); size != 0x10000 || sup != 3 {
		t.Fatalf("Dealloc returned $%X sup %d", size, sup)
	}
	if size := m.Dealloc(fixed, LocationVideo, nil); size != 0x1000 {
		t.Fatalf("Dealloc of fixed allocation returned $%X", size)
	}
}

// TestDeallocUnknownAddressPanics verifies the loud contract-violation path
// for deallocating an address with no allocation.
func TestDeallocUnknownAddressPanics(t *testing.T) {
	m := newTestMemory(t)

	defer func() {
		if recover() == nil {
			t.Fatal("Dealloc of an unknown address did not panic")
		}
	}()
	m.Dealloc(MAIN_ADDR+0x1000, LocationMain, nil)
}

// TestDeallocNoFail verifies the cleanup-path variant swallows the same
// failure.
func TestDeallocNoFail(t *testing.T) {
	m := newTestMemory(t)
	m.DeallocNoFail(MAIN_ADDR+0x1000, LocationMain)
	m.DeallocNoFail(0x50000000, LocationAny) // no block there at all
}

// TestTryGetBacksOffDuringWriter verifies the non-blocking lookup refuses
// rather than stalls while a writer transition is in flight.
func TestTryGetBacksOffDuringWriter(t *testing.T) {
	m := newTestMemory(t)

	if b, ok := m.TryGet(LocationMain, 0); !ok || b == nil {
		t.Fatal("TryGet failed on an idle address space")
	}

	m.mutex.Lock()
	if _, ok := m.TryGet(LocationMain, 0); ok {
		t.Fatal("TryGet acquired the structural lock under a writer")
	}
	m.mutex.Unlock()
}
