//go:build unix

package platform

import "golang.org/x/sys/unix"

const guardPagesSupported = true

func reserveMemory(size int) ([]byte, error) {
	// Anonymous as this is not an actual file, but a memory,
	// Private as this is in-process memory region.
	return unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|mapNoReserve)
}

func commitMemory(b []byte) error {
	if !isPageAligned(b) {
		return ErrUnaligned
	}
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

func releaseMemory(b []byte) error {
	return unix.Munmap(b)
}

func mmapCodeSegment(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func munmapCodeSegment(code []byte) error {
	return unix.Munmap(code)
}

// MprotectRX is like syscall.Mprotect with RX permission.
func MprotectRX(b []byte) (err error) {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC)
}
