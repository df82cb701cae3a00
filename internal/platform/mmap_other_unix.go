// Separated from linux which can drop pages with madvise.
//go:build unix && !linux

package platform

import "golang.org/x/sys/unix"

const mapNoReserve = 0

func decommitMemory(b []byte) error {
	if !isPageAligned(b) {
		return ErrUnaligned
	}
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	clear(b)
	return unix.Mprotect(b, unix.PROT_NONE)
}
