// memory_waiter.go - Notification and wait registry for IntuitionCell

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

// WAITER_SIZE is the width of the window a waiter watches. Always one lock
// line: the watched data and its reservation timestamp travel together.
const WAITER_SIZE = LOCK_LINE_SIZE

// Waiter is a registered interest in one lock line of guest memory. It
// captures the line's reservation timestamp and a snapshot of its bytes at
// registration; a notify that finds either changed wakes the owner. A
// CPU thread must TemporaryUnlock before blocking on a Waiter, or a pending
// writer would wait on it forever.
type Waiter struct {
	m     *Memory
	owner string
	addr  uint32 // aligned down to the lock line
	stamp uint64
	data  [WAITER_SIZE]byte

	wake    chan struct{} // closed exactly once, on wake or removal
	removed bool          // guarded by Memory.waitersMu
}

// NewWaiter registers interest in the lock line covering addr on behalf of
// owner. The returned waiter is live immediately: the waiter count and the
// registry entry are published before the stamp and snapshot are captured,
// so a write racing with registration either lands inside the snapshot or
// finds the registry populated and notifies through it. Capturing first
// would open a window where a write sees count zero, skips the scan and is
// never reflected anywhere — the owner would sleep forever.
func (m *Memory) NewWaiter(owner string, addr uint32) *Waiter {
	w := &Waiter{
		m:     m,
		owner: owner,
		addr:  addr &^ (WAITER_SIZE - 1),
		wake:  make(chan struct{}),
	}

	m.waitersMu.Lock()
	m.waiterCount.Add(1)
	m.waiters = append(m.waiters, w)
	w.stamp = m.ReservationAcquire(w.addr)
	copy(w.data[:], m.data[w.addr:uint64(w.addr)+WAITER_SIZE])
	m.waitersMu.Unlock()
	return w
}

// Addr returns the watched lock-line address.
func (w *Waiter) Addr() uint32 { return w.addr }

// Wait blocks until the waiter is woken or removed. No implicit timeout;
// callers that need one select on Wake() themselves.
func (w *Waiter) Wait() {
	<-w.wake
}

// Wake returns the channel closed when the waiter is woken or removed, for
// callers that need to combine waiting with a timer or cancellation signal.
func (w *Waiter) Wake() <-chan struct{} {
	return w.wake
}

// Remove cancels the registration. Idempotent, and safe to race with a
// concurrent notify; the owner may call it at any time before or after
// being woken.
func (w *Waiter) Remove() {
	w.m.waitersMu.Lock()
	w.removeLocked()
	w.m.waitersMu.Unlock()
}

// removeLocked unregisters and wakes w. Caller holds waitersMu.
func (w *Waiter) removeLocked() {
	if w.removed {
		return
	}
	w.removed = true
	for i, other := range w.m.waiters {
		if other == w {
			last := len(w.m.waiters) - 1
			w.m.waiters[i] = w.m.waiters[last]
			w.m.waiters[last] = nil
			w.m.waiters = w.m.waiters[:last]
			break
		}
	}
	w.m.waiterCount.Add(-1)
	close(w.wake)
}

// test wakes w if its watched line has changed since registration, either
// by reservation timestamp or by byte content. Caller holds waitersMu.
func (w *Waiter) test() {
	if w.m.ReservationAcquire(w.addr) == w.stamp &&
		string(w.data[:]) == string(w.m.data[w.addr:uint64(w.addr)+WAITER_SIZE]) {
		return
	}
	w.removeLocked()
}

// Notify checks every waiter overlapping [addr, addr+size) and wakes those
// whose watched line has changed. Every write path that can touch a watched
// range goes through here; missing one is a liveness bug, not a safety bug,
// so write paths call notifyWrite unconditionally and rely on the waiter
// count fast path.
func (m *Memory) Notify(addr uint32, size uint32) {
	end := uint64(addr) + uint64(size)

	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()

	// test() may remove the waiter under our feet, so walk a snapshot.
	snapshot := append([]*Waiter(nil), m.waiters...)
	for _, w := range snapshot {
		if uint64(w.addr)+WAITER_SIZE > uint64(addr) && uint64(w.addr) < end {
			w.test()
		}
	}
}

// NotifyAll wakes every waiter unconditionally. Used after global
// structural changes, when any watched address may have moved semantically.
func (m *Memory) NotifyAll() {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()

	for len(m.waiters) > 0 {
		m.waiters[0].removeLocked()
	}
}

// notifyWrite is the hot-path hook: a single atomic load when nobody is
// waiting, a full Notify scan otherwise.
func (m *Memory) notifyWrite(addr uint32, size uint32) {
	if m.waiterCount.Load() == 0 {
		return
	}
	m.Notify(addr, size)
}
