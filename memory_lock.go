// memory_lock.go - Reader/writer coordination for IntuitionCell

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
memory_lock.go - Reader/Writer Coordination

Emulated CPU cores run on independent host threads and touch guest memory on
every instruction. Making each of those accesses take even a shared lock
would dominate the interpreter's hot path, so this module uses a cooperative
quiescence protocol instead:

    A CPU thread registers itself as a passive reader (PassiveLock) and from
    then on reads and writes guest memory with no synchronization at all. It
    promises to call SafePoint regularly (between instructions).

    A structural mutation takes the writer path: it blocks new readers from
    registering, raises a suspend request, and waits until every registered
    reader has parked itself inside SafePoint. With all readers parked, the
    writer mutates the page table and location registry, then releases
    everyone.

Readers vastly outnumber writers in steady state (every emulated memory
instruction is a reader event, writers are a handful of allocation calls),
so zero reader-reader contention in exchange for a rare global pause is the
correct trade-off.

A reader about to block elsewhere (the waiter registry, host I/O) must call
TemporaryUnlock first so a pending writer never waits on a thread that
cannot reach a safe point; CleanupUnlock covers foreign threads that die
while registered.
*/

package vm

// CPUThread is the coordination handle for one emulated CPU core. The
// interpreter creates one per host thread running guest code; the pointer
// itself is the thread's identity in the registry.
type CPUThread struct {
	name      string
	suspended bool // parked inside SafePoint; guarded by Memory.threadsMu
}

// NewCPUThread creates a coordination handle. The name only matters for
// diagnostics.
func NewCPUThread(name string) *CPUThread {
	return &CPUThread{name: name}
}

// Name returns the diagnostic name given at creation.
func (t *CPUThread) Name() string { return t.name }

// PassiveLock registers t as a passive reader. Once registered the thread
// may access guest memory and reservations freely, but must call SafePoint
// regularly and must not block on anything else without TemporaryUnlock.
// Registration waits while a writer transition is in flight, so a fresh
// reader can never observe a half-applied structural change.
func (m *Memory) PassiveLock(t *CPUThread) {
	m.threadsMu.Lock()
	defer m.threadsMu.Unlock()

	if _, ok := m.threads[t]; ok {
		panicf("PassiveLock: thread %q already registered", t.name)
	}
	for m.suspendReq {
		m.threadsCond.Wait()
	}
	t.suspended = false
	m.threads[t] = struct{}{}
	m.passive++
}

// PassiveUnlock removes t from the reader pool. Safe to call while a writer
// transition is mid-flight: the writer stops counting on t immediately, so
// unregistering can never deadlock the protocol.
func (m *Memory) PassiveUnlock(t *CPUThread) {
	m.threadsMu.Lock()
	defer m.threadsMu.Unlock()

	if _, ok := m.threads[t]; !ok {
		panicf("PassiveUnlock: thread %q not registered", t.name)
	}
	m.unregisterLocked(t)
}

// unregisterLocked removes t from the registry, keeping the passive count
// honest when t is currently parked inside SafePoint (a parked thread has
// already surrendered its passive slot). Caller holds threadsMu.
func (m *Memory) unregisterLocked(t *CPUThread) {
	delete(m.threads, t)
	if !t.suspended {
		m.passive--
	}
	m.threadsCond.Broadcast()
}

// CleanupUnlock unregisters a foreign thread that may already be gone. It
// never panics; unregistered handles are ignored. Reaper paths call this so
// a writer never waits on a thread that no longer exists.
func (m *Memory) CleanupUnlock(t *CPUThread) {
	m.threadsMu.Lock()
	defer m.threadsMu.Unlock()

	if _, ok := m.threads[t]; !ok {
		return
	}
	m.unregisterLocked(t)
}

// TemporaryUnlock drops t's reader status if it holds one, returning whether
// it did. A reader about to block on something other than guest memory calls
// this first and re-registers with PassiveLock afterwards:
//
//	if m.TemporaryUnlock(t) {
//		defer m.PassiveLock(t)
//	}
//	w.Wait()
func (m *Memory) TemporaryUnlock(t *CPUThread) bool {
	m.threadsMu.Lock()
	defer m.threadsMu.Unlock()

	if _, ok := m.threads[t]; !ok {
		return false
	}
	m.unregisterLocked(t)
	return true
}

// SafePoint is the reader's quiescent point. The interpreter calls it
// between instructions; when no writer is pending it is a single atomic
// load. When a writer has raised a suspend request the thread parks here
// until the transition completes, acknowledging the request so the writer
// can proceed once every registered reader has parked.
func (m *Memory) SafePoint(t *CPUThread) {
	if !m.suspendPending.Load() {
		return
	}

	m.threadsMu.Lock()
	defer m.threadsMu.Unlock()

	if _, ok := m.threads[t]; !ok {
		panicf("SafePoint: thread %q not registered", t.name)
	}
	for m.suspendReq {
		if !t.suspended {
			t.suspended = true
			m.passive--
			m.threadsCond.Broadcast()
		}
		m.threadsCond.Wait()

		// Unregistered while parked (CleanupUnlock from a reaper):
		// the passive count no longer includes this thread, so leave
		// it alone and let the caller wind down.
		if _, ok := m.threads[t]; !ok {
			t.suspended = false
			return
		}
	}
	if t.suspended {
		t.suspended = false
		m.passive++
	}
}

// lockWriter acquires exclusive access to the address space structure:
// exclusive against other writers and auxiliary readers via the structural
// mutex, and against CPU threads via the quiescence protocol. Returns with
// every registered reader parked.
func (m *Memory) lockWriter() {
	m.mutex.Lock()

	m.threadsMu.Lock()
	m.suspendReq = true
	m.suspendPending.Store(true)
	for m.passive > 0 {
		m.threadsCond.Wait()
	}
	m.threadsMu.Unlock()
}

// unlockWriter releases exclusive access, resumes every parked reader and
// wakes all waiters. Waking everyone is deliberate: after a structural
// change any watched address may have moved semantically, so every waiter
// must re-evaluate its condition.
func (m *Memory) unlockWriter() {
	m.threadsMu.Lock()
	m.suspendReq = false
	m.suspendPending.Store(false)
	m.threadsCond.Broadcast()
	m.threadsMu.Unlock()

	m.mutex.Unlock()

	m.NotifyAll()
}

// readerLock takes the structural lock shared. Auxiliary (non-CPU) readers
// that need a consistent view of the allocation structures — Used, Get —
// use this; CPU threads never do.
func (m *Memory) readerLock() func() {
	m.mutex.RLock()
	return m.mutex.RUnlock
}

// tryReaderLock is the non-blocking variant of readerLock. Returns nil when
// a writer holds or is waiting for the structural lock; the caller backs
// off instead of stalling the pending writer.
func (m *Memory) tryReaderLock() func() {
	if !m.mutex.TryRLock() {
		return nil
	}
	return m.mutex.RUnlock
}

// ReaderLock takes the structural lock shared and returns its release
// function. For auxiliary consumers (debugger, device emulation) that need
// the allocation structures to hold still across several calls; a registered
// CPU thread must TemporaryUnlock around it.
func (m *Memory) ReaderLock() (unlock func()) {
	return m.readerLock()
}

// TryReaderLock is the non-blocking ReaderLock: ok is false when a writer
// holds or is waiting for the structural lock.
func (m *Memory) TryReaderLock() (unlock func(), ok bool) {
	release := m.tryReaderLock()
	return release, release != nil
}

// WriterLock pauses the machine: it parks every registered CPU thread at a
// safe point and returns with exclusive access to the address space
// structure. The release function resumes the world. For external
// consumers that batch several structural changes (the syscall layer
// tearing down a guest process, the debugger patching mappings); single
// operations use the Alloc/Map family directly.
func (m *Memory) WriterLock() (unlock func()) {
	m.lockWriter()
	return m.unlockWriter
}

// TryWriterLock is the non-blocking WriterLock: it backs off instead of
// parking the world. Acquisition succeeds only when the structural lock is
// immediately free and no registered CPU thread is running between safe
// points; otherwise ok is false and nothing changes. For opportunistic
// maintenance (the debugger probing for a quiet moment) that must never
// stall the machine.
func (m *Memory) TryWriterLock() (unlock func(), ok bool) {
	if !m.mutex.TryLock() {
		return nil, false
	}

	m.threadsMu.Lock()
	if m.passive > 0 {
		m.threadsMu.Unlock()
		m.mutex.Unlock()
		return nil, false
	}
	m.suspendReq = true
	m.suspendPending.Store(true)
	m.threadsMu.Unlock()

	return m.unlockWriter, true
}
