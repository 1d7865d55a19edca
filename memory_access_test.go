package vm

import (
	"bytes"
	"testing"
	"unsafe"
)

// TestAccessWidths verifies the 8/16/32/64-bit accessors against each
// other on one allocation.
func TestAccessWidths(t *testing.T) {
	m := newTestMemory(t)
	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)

	m.Write64(addr, 0x1122334455667788)
	if got := m.Read32(addr); got != 0x55667788 {
		t.Fatalf("Read32 low word 0x%08X, expected 0x55667788", got)
	}
	if got := m.Read16(addr+6); got != 0x1122 {
		t.Fatalf("Read16 high half 0x%04X, expected 0x1122", got)
	}
	if got := m.Read8(addr+7); got != 0x11 {
		t.Fatalf("Read8 top byte 0x%02X, expected 0x11", got)
	}

	m.Write8(addr, 0xFF)
	if got := m.Read64(addr); got != 0x11223344556677FF {
		t.Fatalf("Read64 after byte write 0x%016X", got)
	}
}

// TestReadWriteBytes verifies the block-copy accessors.
func TestReadWriteBytes(t *testing.T) {
	m := newTestMemory(t)
	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)

	src := []byte("IntuitionCell")
	m.WriteBytes(addr, src)
	dst := make([]byte, len(src))
	m.ReadBytes(addr, dst)
	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip %q, expected %q", dst, src)
	}
}

// TestBaseAliasesBackingBuffer verifies that Base exposes the same bytes
// the accessors see.
func TestBaseAliasesBackingBuffer(t *testing.T) {
	m := newTestMemory(t)
	addr := m.Alloc(0x1000, LocationMain, 0x1000, 0)

	m.Write32(addr, 0x0BADF00D)
	window := m.Base(addr)
	if got := uint32(window[0]) | uint32(window[1])<<8 | uint32(window[2])<<16 | uint32(window[3])<<24; got != 0x0BADF00D {
		t.Fatalf("Base window reads 0x%08X", got)
	}
}

// TestGetAddrRoundTrip verifies host-pointer to guest-address conversion on
// a pointer inside the buffer, for the nil pointer, and for a pointer just
// past the end.
func TestGetAddrRoundTrip(t *testing.T) {
	m := newTestMemory(t)

	const addr = MAIN_ADDR + 0x1234
	ptr := unsafe.Pointer(&m.Base(addr)[0])
	if got := m.GetAddr(ptr); got != addr {
		t.Fatalf("GetAddr returned $%08X, expected $%08X", got, uint32(addr))
	}
	if got := m.GetAddr(nil); got != 0 {
		t.Fatalf("GetAddr(nil) = $%08X, expected 0", got)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("GetAddr accepted a pointer outside the backing buffer")
		}
	}()
	m.GetAddr(unsafe.Add(unsafe.Pointer(unsafe.SliceData(m.data)), uintptr(MEMORY_SIZE)))
}

// TestCast verifies checked narrowing of 64-bit register values.
func TestCast(t *testing.T) {
	if got := Cast(0xDEAD0000); got != 0xDEAD0000 {
		t.Fatalf("Cast returned $%08X", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("Cast accepted a value above the 32-bit space")
		}
	}()
	Cast(0x1_0000_0000)
}
