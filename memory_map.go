// memory_map.go - Guest address space layout for IntuitionCell

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
memory_map.go - Guest Address Space Layout for IntuitionCell

This module defines the shape of the emulated 32-bit guest address space: the
page and lock-line granularities, the per-page protection flag bits, the named
memory locations and their fixed bounds, and the Memory context that owns the
backing buffer, the page table, the reader/writer coordination state and the
location registry.

Core Features:

    Full 4GB guest space covered by a static table of 4KB page entries.
    128-byte lock lines (32 per page) carrying reservation timestamps.
    Named locations (main, user space, video, stack) with fixed guest bounds
    matching the emulated platform's standard memory map.
    Explicit Init/Close lifecycle so the whole address space can be torn down
    and rebuilt across emulator restarts.

Technical Details:

    Page protection flags live in one atomic word per page and are only ever
    mutated while the writer path holds exclusive access; readers use plain
    atomic loads. Reservation storage hangs off each page entry behind an
    atomic pointer and is created lazily on first use. The backing buffer is
    a single contiguous reservation of the full 32-bit space so that
    base+addr arithmetic needs no per-access translation.
*/

package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	PAGE_SIZE      = 4096
	PAGE_COUNT     = 1 << 20 // 4GB / 4KB
	LOCK_LINE_SIZE = 128
	LINES_PER_PAGE = PAGE_SIZE / LOCK_LINE_SIZE
	MEMORY_SIZE    = uint64(1) << 32
)

// ------------------------------------------------------------------------------
// Page protection flags
// One atomic byte-sized word per page; see memory_pages.go for the operations.
// ------------------------------------------------------------------------------
const (
	PAGE_READABLE   = uint8(1 << 0)
	PAGE_WRITABLE   = uint8(1 << 1)
	PAGE_EXECUTABLE = uint8(1 << 2)

	PAGE_FAULT_NOTIFICATION = uint8(1 << 3)
	PAGE_NO_RESERVATIONS    = uint8(1 << 4)
	PAGE_64K_SIZE           = uint8(1 << 5)
	PAGE_1M_SIZE            = uint8(1 << 6)

	PAGE_ALLOCATED = uint8(1 << 7)
)

// ------------------------------------------------------------------------------
// Standard guest memory map
// Address 0 is never mapped; the first 64KB stay reserved as a null guard.
// ------------------------------------------------------------------------------
const (
	MAIN_ADDR  = 0x00010000 // General-purpose location ("main")
	MAIN_SIZE  = 0x1FFF0000
	USER_ADDR  = 0x20000000 // User-space allocations
	USER_SIZE  = 0x10000000
	VIDEO_ADDR = 0xC0000000 // Device/video buffers
	VIDEO_SIZE = 0x10000000
	STACK_ADDR = 0xD0000000 // Guest thread stacks
	STACK_SIZE = 0x10000000
)

// Location names a class of memory block in the guest address space.
type Location int

const (
	LocationMain Location = iota
	LocationUserSpace
	LocationVideo
	LocationStack

	locationMax

	// LocationAny selects a block by the address it contains rather than
	// by name. Lookup scans candidates in declaration order: main, user
	// space, video, stack, then explicitly mapped blocks in mapping order.
	LocationAny Location = -1
)

// reservationInfo holds one reservation timestamp per 128-byte lock line.
type reservationInfo [LINES_PER_PAGE]atomic.Uint64

// memoryPage is the metadata entry for one 4KB page.
type memoryPage struct {
	// Lazily created on first reservation or wait; published once via
	// CompareAndSwap, the losing creator discards its copy.
	reservations atomic.Pointer[reservationInfo]

	// Protection flags (PAGE_* bits). Mutated only under the writer path.
	flags atomic.Uint32
}

type Memory struct {
	/*
		Memory is the guest address space context. It owns the backing
		buffer, the page table, the reservation clock, the waiter
		registry, the reader/writer coordination state and the location
		registry. One Memory corresponds to one emulated machine; the
		interpreter, the syscall layer and device emulation all share a
		reference to it.

		Raw access and reservation operations are lock-free. Structural
		mutation (allocation, protection changes, mapping) goes through
		the writer path, which pauses every registered CPU thread at a
		safe point before touching shared state.
	*/

	data  []byte       // backing buffer covering the full 32-bit space
	pages []memoryPage // PAGE_COUNT entries, process-lifetime

	// Reservation timestamp high-water mark (see memory_reservation.go).
	stampClock atomic.Uint64

	// Structural lock: held exclusively by writers, shared by auxiliary
	// readers (Used, Get). CPU threads never take it on the hot path.
	mutex sync.RWMutex

	// CPU thread registry and quiescence protocol (memory_lock.go).
	threadsMu      sync.Mutex
	threadsCond    *sync.Cond
	threads        map[*CPUThread]struct{}
	passive        int  // registered threads not parked at a safe point
	suspendReq     bool // writer wants all passive threads parked
	suspendPending atomic.Bool

	// Waiter registry (memory_waiter.go).
	waitersMu   sync.Mutex
	waiters     []*Waiter
	waiterCount atomic.Int32

	// Location registry: four named slots, then mapped blocks in order.
	locations []*Block

	closed bool
}

// Init establishes a fresh guest address space: it reserves the backing
// buffer, builds the page table and installs the standard named locations.
// Each call returns an independent context; Close releases it. Init after
// Close on the same process works across any number of restart cycles.
func Init() (*Memory, error) {
	data, err := reserveBacking()
	if err != nil {
		return nil, fmt.Errorf("vm: reserving guest backing buffer: %w", err)
	}

	m := &Memory{
		data:  data,
		pages: make([]memoryPage, PAGE_COUNT),
	}
	m.threadsCond = sync.NewCond(&m.threadsMu)
	m.threads = make(map[*CPUThread]struct{})

	m.locations = make([]*Block, locationMax)
	m.locations[LocationMain] = newBlock(m, MAIN_ADDR, MAIN_SIZE, 0)
	m.locations[LocationUserSpace] = newBlock(m, USER_ADDR, USER_SIZE, 0)
	m.locations[LocationVideo] = newBlock(m, VIDEO_ADDR, VIDEO_SIZE, 0)
	m.locations[LocationStack] = newBlock(m, STACK_ADDR, STACK_SIZE, 0)

	return m, nil
}

// Close tears the address space down: every block is unmapped (releasing its
// page flags), every waiter is woken and the backing buffer is returned to
// the host. Close is idempotent; a second call is a no-op.
func (m *Memory) Close() error {
	m.lockWriter()

	if m.closed {
		m.unlockWriter()
		return nil
	}
	m.closed = true

	for i, b := range m.locations {
		if b == nil {
			continue
		}
		b.unmapLocked()
		m.locations[i] = nil
	}
	m.locations = m.locations[:0]

	m.unlockWriter() // wakes every waiter via NotifyAll

	data := m.data
	m.data = nil
	m.pages = nil
	if data != nil {
		if err := releaseBacking(data); err != nil {
			return fmt.Errorf("vm: releasing guest backing buffer: %w", err)
		}
	}
	return nil
}
