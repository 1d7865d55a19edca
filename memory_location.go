// memory_location.go - Location registry and allocation API for IntuitionCell

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

package vm

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrBlockOverlap  = errors.New("vm: block overlaps an existing block")
	ErrBlockNotFound = errors.New("vm: no block at address")
	ErrBlockNotEmpty = errors.New("vm: block still has live allocations")
)

// Map creates a new block covering [addr, addr+size) and installs it in the
// registry. addr and size must be page-aligned and addr non-zero (the null
// page is never mapped); an overlap with any existing block, named bounds
// included, returns ErrBlockOverlap and installs nothing.
func (m *Memory) Map(addr uint32, size uint32, flags uint64) (*Block, error) {
	if addr == 0 || addr%PAGE_SIZE != 0 || size == 0 || size%PAGE_SIZE != 0 {
		panicf("Map: invalid block range $%08X+$%X", addr, size)
	}
	end := uint64(addr) + uint64(size)
	if end > MEMORY_SIZE {
		panicf("Map: block range $%08X+$%X exceeds the guest space", addr, size)
	}

	m.lockWriter()
	defer m.unlockWriter()

	for _, b := range m.locations {
		if b == nil {
			continue
		}
		if uint64(b.Addr) < end && uint64(b.Addr)+uint64(b.Size) > uint64(addr) {
			return nil, fmt.Errorf("%w: $%08X+$%X vs $%08X+$%X",
				ErrBlockOverlap, addr, size, b.Addr, b.Size)
		}
	}

	b := newBlock(m, addr, size, flags)
	m.locations = append(m.locations, b)
	return b, nil
}

// Unmap removes and returns the block starting at addr. With mustBeEmpty
// set it fails with ErrBlockNotEmpty while the block still has live
// allocations; otherwise the allocations are discarded and their pages
// released. The returned block is poisoned: any later mutation through a
// stale reference panics.
func (m *Memory) Unmap(addr uint32, mustBeEmpty bool) (*Block, error) {
	m.lockWriter()
	defer m.unlockWriter()

	for i, b := range m.locations {
		if b == nil || b.Addr != addr {
			continue
		}
		if mustBeEmpty && b.allocCount() > 0 {
			return nil, fmt.Errorf("%w: $%08X holds %d allocations",
				ErrBlockNotEmpty, addr, b.allocCount())
		}

		b.unmapLocked()
		if i < int(locationMax) {
			m.locations[i] = nil // named slot stays reserved
		} else {
			m.locations = append(m.locations[:i], m.locations[i+1:]...)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: $%08X", ErrBlockNotFound, addr)
}

// Get returns the block bound to a named location, or, for LocationAny, the
// block containing addr. Candidates are scanned in a stable, documented
// order: main, user space, video, stack, then mapped blocks in mapping
// order. Returns nil when nothing matches.
func (m *Memory) Get(location Location, addr uint32) *Block {
	unlock := m.readerLock()
	defer unlock()
	return m.getLocked(location, addr)
}

// TryGet is the non-blocking variant of Get for pollers that must not
// stall behind a pending writer transition. Reports false when the
// structural lock is unavailable; the caller backs off and retries.
func (m *Memory) TryGet(location Location, addr uint32) (*Block, bool) {
	unlock := m.tryReaderLock()
	if unlock == nil {
		return nil, false
	}
	defer unlock()
	return m.getLocked(location, addr), true
}

func (m *Memory) getLocked(location Location, addr uint32) *Block {
	if location != LocationAny {
		if location < 0 || location >= locationMax || int(location) >= len(m.locations) {
			return nil
		}
		return m.locations[location]
	}

	for _, b := range m.locations {
		if b == nil {
			continue
		}
		if addr >= b.Addr && uint64(addr) < uint64(b.Addr)+uint64(b.Size) {
			return b
		}
	}
	return nil
}

// Alloc searches the named location's block for the lowest fitting gap and
// maps size bytes there with the given alignment and supplemental tag.
// Returns the allocated address, or 0 when the location has no fitting gap.
// The syscall layer surfaces that 0 to the guest as its out-of-memory code.
func (m *Memory) Alloc(size uint32, location Location, align uint32, sup uint32) uint32 {
	b := m.Get(location, 0)
	if b == nil {
		panicf("Alloc: invalid location %d", location)
	}
	return b.Alloc(size, align, nil, sup)
}

// Falloc maps size bytes at the caller-fixed addr inside the given location
// (LocationAny resolves the block containing addr). Returns addr, or 0 on
// overlap or out-of-bounds placement.
func (m *Memory) Falloc(addr uint32, size uint32, location Location, sup uint32) uint32 {
	b := m.Get(location, addr)
	if b == nil {
		if location == LocationAny {
			return 0
		}
		panicf("Falloc: invalid location %d", location)
	}
	return b.Falloc(addr, size, nil, sup)
}

// Dealloc releases the allocation starting at addr in the given location
// (LocationAny resolves by address) and returns its size, storing the
// supplemental tag through supOut when non-nil. Deallocating an address
// with no allocation is a collaborator bug and panics: continuing would
// desynchronize the page table from the allocation maps.
func (m *Memory) Dealloc(addr uint32, location Location, supOut *uint32) uint32 {
	b := m.Get(location, addr)
	if b == nil {
		panicf("Dealloc: no block for address $%08X (location %d)", addr, location)
	}
	size := b.Dealloc(addr, nil, supOut)
	if size == 0 {
		panicf("Dealloc: no allocation at $%08X", addr)
	}
	return size
}

// DeallocNoFail is Dealloc for cleanup paths that must keep going: failures
// are reported on stderr instead of panicking.
func (m *Memory) DeallocNoFail(addr uint32, location Location) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "vm: DeallocNoFail($%08X): %v\n", addr, r)
		}
	}()
	m.Dealloc(addr, location, nil)
}
