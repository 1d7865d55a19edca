package vm

import (
	"testing"
)

// newTestMemory builds a fresh guest address space and tears it down with
// the test.
func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := Init()
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	return m
}

// TestInitInstallsStandardLocations verifies that a fresh address space has
// all four named locations bound to blocks with the platform's fixed bounds.
func TestInitInstallsStandardLocations(t *testing.T) {
	m := newTestMemory(t)

	cases := []struct {
		location Location
		addr     uint32
		size     uint32
	}{
		{LocationMain, MAIN_ADDR, MAIN_SIZE},
		{LocationUserSpace, USER_ADDR, USER_SIZE},
		{LocationVideo, VIDEO_ADDR, VIDEO_SIZE},
		{LocationStack, STACK_ADDR, STACK_SIZE},
	}
	for _, tc := range cases {
		b := m.Get(tc.location, 0)
		if b == nil {
			t.Fatalf("Get(%d) returned nil", tc.location)
		}
		if b.Addr != tc.addr || b.Size != tc.size {
			t.Fatalf("location %d bound to $%08X+$%X, expected $%08X+$%X",
				tc.location, b.Addr, b.Size, tc.addr, tc.size)
		}
	}
}

// TestInitCloseCycles verifies that the address space survives repeated
// init/close cycles, as happens across emulator restarts.
func TestInitCloseCycles(t *testing.T) {
	for cycle := 0; cycle < 3; cycle++ {
		m, err := Init()
		if err != nil {
			t.Fatalf("cycle %d: Init() failed: %v", cycle, err)
		}

		addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)
		if addr == 0 {
			t.Fatalf("cycle %d: Alloc failed", cycle)
		}
		m.Write32(addr, 0xDEADBEEF)
		if got := m.Read32(addr); got != 0xDEADBEEF {
			t.Fatalf("cycle %d: read 0x%08X, expected 0xDEADBEEF", cycle, got)
		}

		if err := m.Close(); err != nil {
			t.Fatalf("cycle %d: Close() failed: %v", cycle, err)
		}
	}
}

// TestCloseIdempotent verifies that a second Close is a harmless no-op.
func TestCloseIdempotent(t *testing.T) {
	m, err := Init()
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}

// TestFreshAllocationIsZeroed verifies that an allocation over previously
// used memory comes back zero-filled.
func TestFreshAllocationIsZeroed(t *testing.T) {
	m := newTestMemory(t)

	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)
	if addr == 0 {
		t.Fatal("first Alloc failed")
	}
	m.Write64(addr, 0xA5A5A5A5A5A5A5A5)
	if size := m.Dealloc(addr, LocationMain, nil); size != 0x1000 {
		t.Fatalf("Dealloc returned $%X, expected $1000", size)
	}

	again := m.Alloc(0x1000, LocationMain, 0x1000, 0)
	if again != addr {
		t.Fatalf("free space not reused: got $%08X, expected $%08X", again, addr)
	}
	if got := m.Read64(again); got != 0 {
		t.Fatalf("reused allocation not zeroed: 0x%016X", got)
	}
}
