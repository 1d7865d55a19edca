//go:build !linux && !darwin && !freebsd

// memory_backing_other.go - heap-backed guest buffer fallback

package vm

// reserveBacking allocates the guest buffer from the Go heap on hosts
// without the anonymous-mmap path. The emulator requires a 64-bit host
// either way; the full 4GB reservation is the point of the design.
func reserveBacking() ([]byte, error) {
	size := MEMORY_SIZE
	return make([]byte, size), nil
}

func releaseBacking(_ []byte) error {
	return nil
}
