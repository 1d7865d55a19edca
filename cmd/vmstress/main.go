// vmstress - reader/writer stress workload for the IntuitionCell memory core
//
// Runs a pool of registered reader threads hammering disjoint guest regions
// while a writer continuously allocates, protects and frees memory, then
// reports per-role throughput. Exits non-zero if any invariant check fails.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	vm "github.com/intuitionamiga/IntuitionCell"
)

func main() {
	readers := flag.Int("readers", 4, "Number of reader threads")
	duration := flag.Duration("duration", 2*time.Second, "Workload duration")
	region := flag.Int("region", 0x10000, "Bytes of private arena per reader")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vmstress [options]\n\nStress the guest memory core with concurrent readers and a writer.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	m, err := vm.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	arena := m.Alloc(uint32(*readers)*uint32(*region), vm.LocationUserSpace, vm.PAGE_SIZE, 0)
	if arena == 0 {
		fmt.Fprintf(os.Stderr, "error: arena allocation failed\n")
		os.Exit(1)
	}

	var stop atomic.Bool
	var readOps, writeOps atomic.Int64

	var g errgroup.Group
	for r := 0; r < *readers; r++ {
		base := arena + uint32(r)*uint32(*region)
		span := uint32(*region)
		thread := vm.NewCPUThread(fmt.Sprintf("reader[%d]", r))
		m.PassiveLock(thread)
		g.Go(func() error {
			defer m.PassiveUnlock(thread)
			seed := base | 1
			for !stop.Load() {
				seed = seed*1664525 + 1013904223
				addr := base + seed%(span-8)
				if !m.CheckAddr(addr, 8, vm.PAGE_ALLOCATED|vm.PAGE_WRITABLE) {
					return fmt.Errorf("reader arena lost its flags at $%08X", addr)
				}
				stamp := m.ReservationAcquire(addr)
				m.Write64(addr, uint64(seed))
				if m.ReservationAcquire(addr) == stamp {
					m.ReservationUpdate(addr)
				}
				readOps.Add(1)
				m.SafePoint(thread)
			}
			return nil
		})
	}

	g.Go(func() error {
		for !stop.Load() {
			addr := m.Alloc(0x4000, vm.LocationMain, vm.PAGE_SIZE, 0)
			if addr == 0 {
				return fmt.Errorf("writer ran out of main memory")
			}
			if !m.PageProtect(addr, 0x4000, vm.PAGE_ALLOCATED, vm.PAGE_EXECUTABLE, 0) {
				return fmt.Errorf("protect failed on fresh allocation $%08X", addr)
			}
			m.Dealloc(addr, vm.LocationMain, nil)
			writeOps.Add(1)
		}
		return nil
	})

	time.AfterFunc(*duration, func() { stop.Store(true) })
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	secs := duration.Seconds()
	fmt.Printf("readers: %d threads, %.0f ops/sec\n", *readers, float64(readOps.Load())/secs)
	fmt.Printf("writer:  %.0f alloc/protect/free cycles/sec\n", float64(writeOps.Load())/secs)
}
