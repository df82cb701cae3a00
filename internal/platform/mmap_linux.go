package platform

import "golang.org/x/sys/unix"

// Reservations are mostly guard region, so don't account them against overcommit.
const mapNoReserve = unix.MAP_NORESERVE

func decommitMemory(b []byte) error {
	if !isPageAligned(b) {
		return ErrUnaligned
	}
	// Private anonymous pages read back as zero after MADV_DONTNEED.
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}
