// memory_reservation.go - Load-reserve/store-conditional emulation for IntuitionCell

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
memory_reservation.go - Load-Reserve / Store-Conditional Emulation

The emulated guest architecture exposes load-reserve and store-conditional
atomic primitives. The host has no hardware reservation to lean on, so this
module emulates one with a timestamp per 128-byte lock line: the interpreter
captures a line's timestamp before a read-modify-write sequence, re-validates
it immediately before the conditional store, and on a match commits the write
and bumps the timestamp so every concurrent reservation on the line goes
stale. A mismatch is not an error; it is the guest-visible "store-conditional
failed" outcome and the guest retries under its own semantics.

All atomicity risk is pushed onto the narrow compare-and-bump window, so no
lock is ever taken for an emulated atomic instruction.
*/

package vm

import (
	"time"
)

// ReservationAcquire returns the current timestamp of the lock line covering
// addr. Lock-free; creates the page's reservation storage on first use.
func (m *Memory) ReservationAcquire(addr uint32) uint64 {
	return m.pages[addr/PAGE_SIZE].reservationLine(addr).Load()
}

// ReservationUpdate stamps a fresh timestamp into the lock line covering
// addr, invalidating every reservation currently held on it. The committing
// interpreter calls this after a successful store-conditional regardless of
// how the guest proceeds, so stale holders are always forced to retry.
func (m *Memory) ReservationUpdate(addr uint32) {
	m.pages[addr/PAGE_SIZE].reservationLine(addr).Store(m.nextStamp())
	m.notifyWrite(addr, LOCK_LINE_SIZE)
}

// nextStamp produces a timestamp that is distinguishable from every earlier
// one handed out by this context. Host nanotime is the source; an atomic
// high-water mark pushes the value forward whenever the clock has not moved
// between nearby events, so two updates can never repeat a value.
func (m *Memory) nextStamp() uint64 {
	for {
		stamp := uint64(time.Now().UnixNano())
		last := m.stampClock.Load()
		if stamp <= last {
			stamp = last + 1
		}
		if m.stampClock.CompareAndSwap(last, stamp) {
			return stamp
		}
	}
}
