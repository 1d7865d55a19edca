//go:build linux || darwin || freebsd

// memory_backing_unix.go - mmap-backed guest buffer for unix hosts

package vm

import (
	"golang.org/x/sys/unix"
)

// reserveBacking maps an anonymous 4GB region for the guest space. The
// mapping is MAP_NORESERVE so untouched guest pages cost no host memory;
// the host kernel commits pages as the guest actually dirties them.
func reserveBacking() ([]byte, error) {
	return unix.Mmap(-1, 0, int(MEMORY_SIZE),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

// releaseBacking returns the guest buffer to the host.
func releaseBacking(data []byte) error {
	return unix.Munmap(data)
}
