// memory_access.go - Raw guest memory access for IntuitionCell

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▄████▄  ▓█████  ██▓     ██▓
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █   ▒██▀ ▀█  ▓█   ▀ ▓██▒    ▓██▒
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒  ▒▓█    ▄ ▒███   ▒██░    ▒██░
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒  ▒▓▓▄ ▄██▒▒▓█  ▄ ▒██░    ▒██░
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░  ▒ ▓███▀ ░░▒████▒░██████▒░██████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒   ░ ░▒ ▒  ░░░ ▒░ ░░ ▒░▓  ░░ ▒░▓  ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░  ▒    ░ ░  ░░ ░ ▒  ░░ ░ ▒  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░   ░           ░     ░ ░     ░ ░
 ░           ░             ░      ░            ░      ░ ░           ░   ░ ░         ░  ░    ░  ░    ░  ░

(c) 2024 - 2025 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionCell
Buy me a coffee: https://ko-fi.com/intuition/tip

License: GPLv3 or later
*/

/*
memory_access.go - Raw Guest Memory Access

The interpreter/JIT consumes these primitives on every emulated memory
instruction, so there is no bounds or protection validation here: the caller
gates access with CheckAddr first. Values move in host byte order; guest
big-endian conversion is a thin value-marshalling layer owned by the
interpreter, exactly as device register decoding is.

Writes feed the waiter registry through a single-atomic-load fast path, so
an idle registry costs the hot path nothing.
*/

package vm

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

func panicf(format string, args ...any) {
	panic("vm: " + fmt.Sprintf(format, args...))
}

// Base returns the backing bytes starting at addr. The interpreter uses it
// to service block operations (DMA, memcpy-style instructions) without
// per-byte calls; writes through the returned slice bypass waiter
// notification, so such callers notify explicitly when needed.
func (m *Memory) Base(addr uint32) []byte {
	return m.data[addr:]
}

// GetAddr converts a host pointer back to the guest address it aliases.
// A pointer outside the backing buffer is a logic error in the caller and
// panics loudly; nil converts to 0 (the never-mapped null page).
func (m *Memory) GetAddr(ptr unsafe.Pointer) uint32 {
	if ptr == nil {
		return 0
	}
	diff := uintptr(ptr) - uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	if uint64(diff) >= MEMORY_SIZE {
		panicf("GetAddr: %p is not a guest memory pointer", ptr)
	}
	return uint32(diff)
}

// Cast narrows a 64-bit guest register value to an address. Guest code
// routinely carries addresses in 64-bit registers; high bits set means the
// value was never an address, which is a contract violation, not a wrap.
func Cast(value uint64) uint32 {
	if value > 0xFFFFFFFF {
		panicf("Cast: $%016X exceeds the 32-bit guest space", value)
	}
	return uint32(value)
}

func (m *Memory) Read8(addr uint32) uint8 {
	return m.data[addr]
}

func (m *Memory) Write8(addr uint32, value uint8) {
	m.data[addr] = value
	m.notifyWrite(addr, 1)
}

func (m *Memory) Read16(addr uint32) uint16 {
	return binary.LittleEndian.Uint16(m.data[addr:])
}

func (m *Memory) Write16(addr uint32, value uint16) {
	binary.LittleEndian.PutUint16(m.data[addr:], value)
	m.notifyWrite(addr, 2)
}

func (m *Memory) Read32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(m.data[addr:])
}

func (m *Memory) Write32(addr uint32, value uint32) {
	binary.LittleEndian.PutUint32(m.data[addr:], value)
	m.notifyWrite(addr, 4)
}

func (m *Memory) Read64(addr uint32) uint64 {
	return binary.LittleEndian.Uint64(m.data[addr:])
}

func (m *Memory) Write64(addr uint32, value uint64) {
	binary.LittleEndian.PutUint64(m.data[addr:], value)
	m.notifyWrite(addr, 8)
}

// ReadBytes copies guest memory at addr into dst.
func (m *Memory) ReadBytes(addr uint32, dst []byte) {
	copy(dst, m.data[addr:])
}

// WriteBytes copies src into guest memory at addr.
func (m *Memory) WriteBytes(addr uint32, src []byte) {
	copy(m.data[addr:], src)
	m.notifyWrite(addr, uint32(len(src)))
}
