// memory_block.go - Bounded-region sub-allocator for IntuitionCell

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
	"sort"
)

// allocation is one live sub-allocation inside a block.
type allocation struct {
	addr uint32
	size uint32
}

type Block struct {
	/*
		Block manages sub-allocations inside one contiguous, bounds-fixed
		region of the guest space. Its [Addr, Addr+Size) bound is fixed at
		construction and never resized; allocations inside it never
		overlap. Blocks are shared: the location registry holds the owning
		reference and any subsystem may hold others while the block stays
		mapped. A block reached through a stale reference after Unmap
		rejects all mutation loudly.

		Every mutating method takes the writer path, since it updates the
		shared page table. A caller running on a registered CPU thread
		wraps these calls in TemporaryUnlock/PassiveLock, or the writer
		transition would wait on the calling thread itself.
	*/

	Addr  uint32 // start address, fixed
	Size  uint32 // total size, fixed
	Flags uint64 // reserved for callers, not interpreted

	m        *Memory
	allocs   []allocation // sorted by addr
	sup      map[uint32]uint32
	unmapped bool
}

func newBlock(m *Memory, addr uint32, size uint32, flags uint64) *Block {
	return &Block{
		Addr:  addr,
		Size:  size,
		Flags: flags,
		m:     m,
		sup:   make(map[uint32]uint32),
	}
}

// Alloc finds the lowest free gap of at least size bytes aligned to align,
// marks it allocated, optionally seeds it with data (zero-filled otherwise)
// and records sup as the allocation's supplemental tag. Returns the chosen
// address, or 0 when no gap fits. align must be a power of two; 0 selects
// page alignment.
func (b *Block) Alloc(size uint32, align uint32, data []byte, sup uint32) uint32 {
	if align == 0 {
		align = PAGE_SIZE
	}
	if align&(align-1) != 0 {
		panicf("Block.Alloc: alignment $%X is not a power of two", align)
	}
	if size == 0 {
		return 0
	}

	b.m.lockWriter()
	defer b.m.unlockWriter()
	b.checkMapped("Alloc")

	prevEnd := uint64(b.Addr)
	for i := 0; i <= len(b.allocs); i++ {
		gapEnd := uint64(b.Addr) + uint64(b.Size)
		if i < len(b.allocs) {
			gapEnd = uint64(b.allocs[i].addr)
		}

		addr := alignUp(prevEnd, uint64(align))
		if addr+uint64(size) <= gapEnd {
			b.commit(uint32(addr), size, data, sup, i)
			return uint32(addr)
		}

		if i < len(b.allocs) {
			prevEnd = uint64(b.allocs[i].addr) + uint64(b.allocs[i].size)
		}
	}
	return 0
}

// Falloc allocates at the caller-fixed address. Returns addr on success, 0
// when the range overlaps an existing allocation or lies outside the
// block's bounds.
func (b *Block) Falloc(addr uint32, size uint32, data []byte, sup uint32) uint32 {
	if size == 0 {
		return 0
	}

	b.m.lockWriter()
	defer b.m.unlockWriter()
	b.checkMapped("Falloc")

	end := uint64(addr) + uint64(size)
	if addr < b.Addr || end > uint64(b.Addr)+uint64(b.Size) {
		return 0
	}

	i := sort.Search(len(b.allocs), func(i int) bool {
		return b.allocs[i].addr >= addr
	})
	if i < len(b.allocs) && uint64(b.allocs[i].addr) < end {
		return 0
	}
	if i > 0 && uint64(b.allocs[i-1].addr)+uint64(b.allocs[i-1].size) > uint64(addr) {
		return 0
	}

	b.commit(addr, size, data, sup, i)
	return addr
}

// Dealloc removes the allocation starting exactly at addr, returning its
// size, 0 when no allocation starts there. The allocation's bytes are
// copied into dataOut (when non-nil, up to its length) and its supplemental
// tag into supOut before the covered pages are released. Pages still
// overlapped by another live allocation in the block stay mapped.
func (b *Block) Dealloc(addr uint32, dataOut []byte, supOut *uint32) uint32 {
	b.m.lockWriter()
	defer b.m.unlockWriter()
	b.checkMapped("Dealloc")

	i := sort.Search(len(b.allocs), func(i int) bool {
		return b.allocs[i].addr >= addr
	})
	if i == len(b.allocs) || b.allocs[i].addr != addr {
		return 0
	}
	size := b.allocs[i].size

	if dataOut != nil {
		n := uint64(len(dataOut))
		if n > uint64(size) {
			n = uint64(size)
		}
		copy(dataOut, b.m.data[addr:uint64(addr)+n])
	}
	if supOut != nil {
		*supOut = b.sup[addr]
	}
	delete(b.sup, addr)
	b.allocs = append(b.allocs[:i], b.allocs[i+1:]...)

	b.m.pageRelease(addr, size, b.pageInUse)
	return size
}

// Used returns the sum of all current allocation sizes in the block.
func (b *Block) Used() uint32 {
	unlock := b.m.readerLock()
	defer unlock()

	var used uint32
	for _, a := range b.allocs {
		used += a.size
	}
	return used
}

// commit inserts the allocation at sorted index i, seeds or zeroes its
// bytes and maps its pages. Caller holds the writer lock and has verified
// the range is free and in bounds.
func (b *Block) commit(addr uint32, size uint32, data []byte, sup uint32, i int) {
	b.allocs = append(b.allocs, allocation{})
	copy(b.allocs[i+1:], b.allocs[i:])
	b.allocs[i] = allocation{addr: addr, size: size}
	if sup != 0 {
		b.sup[addr] = sup
	}

	clear(b.m.data[addr : uint64(addr)+uint64(size)])
	if data != nil {
		n := uint64(len(data))
		if n > uint64(size) {
			n = uint64(size)
		}
		copy(b.m.data[addr:uint64(addr)+n], data)
	}

	b.m.pageAllocate(addr, size, PAGE_READABLE|PAGE_WRITABLE)
}

// pageInUse reports whether any live allocation in the block overlaps the
// given page. pageRelease consults it so sub-page neighbours keep their
// page mapped when one of them is freed.
func (b *Block) pageInUse(page uint64) bool {
	pageStart := page * PAGE_SIZE
	pageEnd := pageStart + PAGE_SIZE

	i := sort.Search(len(b.allocs), func(i int) bool {
		return uint64(b.allocs[i].addr)+uint64(b.allocs[i].size) > pageStart
	})
	return i < len(b.allocs) && uint64(b.allocs[i].addr) < pageEnd
}

// unmapLocked releases every allocation's pages and poisons the block
// against further use. Caller holds the writer lock.
func (b *Block) unmapLocked() {
	for _, a := range b.allocs {
		b.m.pageRelease(a.addr, a.size, nil)
	}
	b.allocs = nil
	b.sup = nil
	b.unmapped = true
}

// allocCount returns the number of live allocations. Caller holds the
// writer lock or the shared structural lock.
func (b *Block) allocCount() int {
	return len(b.allocs)
}

// checkMapped panics when the block has been unmapped: continuing would
// desynchronize the page table from the registry. Caller holds the writer
// lock.
func (b *Block) checkMapped(op string) {
	if b.unmapped {
		panicf("Block.%s: block $%08X+$%X is not mapped", op, b.Addr, b.Size)
	}
}

func alignUp(v uint64, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
