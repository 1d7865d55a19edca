// memory_pages.go - Page table and protection flags for IntuitionCell

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
	"sync/atomic"
)

// CheckAddr reports whether every page covering [addr, addr+size) carries
// all of the requested flag bits. Lock-free; the interpreter calls this as
// an access gate before raw reads and writes, so it must never block.
// A zero-sized range at a valid address checks that single page.
func (m *Memory) CheckAddr(addr uint32, size uint32, flags uint8) bool {
	end := uint64(addr) + uint64(size)
	if end > MEMORY_SIZE {
		return false
	}
	if size == 0 {
		end = uint64(addr) + 1
	}

	for page := uint64(addr) / PAGE_SIZE; page*PAGE_SIZE < end; page++ {
		if uint8(m.pages[page].flags.Load())&flags != flags {
			return false
		}
	}
	return true
}

// PageProtect changes the protection of [addr, addr+size) through the
// writer path: it verifies that every covered page carries all flagsTest
// bits, then applies flagsSet and flagsClear. All-or-nothing: if any page
// fails the test, no page in the range changes and PageProtect reports
// false. addr and size must be page-aligned.
func (m *Memory) PageProtect(addr uint32, size uint32, flagsTest, flagsSet, flagsClear uint8) bool {
	m.lockWriter()
	defer m.unlockWriter()
	return m.pageProtect(addr, size, flagsTest, flagsSet, flagsClear)
}

// pageProtect atomically changes the protection of [addr, addr+size): it
// first verifies that every covered page carries all flagsTest bits, then
// applies flagsSet and flagsClear to every page. If any page fails the test
// no page changes at all. Caller must hold the writer lock; addr and size
// must be page-aligned.
func (m *Memory) pageProtect(addr uint32, size uint32, flagsTest, flagsSet, flagsClear uint8) bool {
	if addr%PAGE_SIZE != 0 || size%PAGE_SIZE != 0 {
		panicf("pageProtect: unaligned range $%08X+$%X", addr, size)
	}
	end := uint64(addr) + uint64(size)
	if end > MEMORY_SIZE {
		return false
	}

	first := uint64(addr) / PAGE_SIZE
	last := end / PAGE_SIZE

	for page := first; page < last; page++ {
		if uint8(m.pages[page].flags.Load())&flagsTest != flagsTest {
			return false
		}
	}

	for page := first; page < last; page++ {
		for {
			old := m.pages[page].flags.Load()
			next := (old | uint32(flagsSet)) &^ uint32(flagsClear)
			if m.pages[page].flags.CompareAndSwap(old, next) {
				break
			}
		}
	}
	return true
}

// pageAllocate marks the pages covering [addr, addr+size) with the given
// flags in addition to PAGE_ALLOCATED. Sub-page allocations share their
// page entry, so flags accumulate with OR. Caller holds the writer lock.
func (m *Memory) pageAllocate(addr uint32, size uint32, flags uint8) {
	end := uint64(addr) + uint64(size)
	for page := uint64(addr) / PAGE_SIZE; page*PAGE_SIZE < end; page++ {
		m.pages[page].flags.Or(uint32(flags | PAGE_ALLOCATED))
	}
}

// pageRelease clears the access flags of the pages covering
// [addr, addr+size), skipping any page for which keep returns true (a page
// still overlapped by a live allocation stays mapped). Caller holds the
// writer lock.
func (m *Memory) pageRelease(addr uint32, size uint32, keep func(page uint64) bool) {
	const accessFlags = PAGE_ALLOCATED | PAGE_READABLE | PAGE_WRITABLE |
		PAGE_EXECUTABLE | PAGE_FAULT_NOTIFICATION | PAGE_NO_RESERVATIONS |
		PAGE_64K_SIZE | PAGE_1M_SIZE

	end := uint64(addr) + uint64(size)
	for page := uint64(addr) / PAGE_SIZE; page*PAGE_SIZE < end; page++ {
		if keep != nil && keep(page) {
			continue
		}
		m.pages[page].flags.And(^uint32(accessFlags))
	}
}

// reservationLine returns the lock-line timestamp slot for addr, creating
// the page's reservation storage on first use. Creation is opportunistic:
// both racers build a block, one publishes it with CompareAndSwap and the
// loser silently adopts the winner's.
func (p *memoryPage) reservationLine(addr uint32) *atomic.Uint64 {
	info := p.reservations.Load()
	if info == nil {
		info = new(reservationInfo)
		if !p.reservations.CompareAndSwap(nil, info) {
			info = p.reservations.Load()
		}
	}
	return &info[(addr%PAGE_SIZE)/LOCK_LINE_SIZE]
}
