// Package platform includes runtime-specific code needed for the engine or otherwise: address-space reservations with
// guard regions for linear memories and pools, and executable segments for compiled code.
package platform

import (
	"errors"
	"os"
	"unsafe"
)

// ErrUnaligned is returned when a range to protect does not start on a page boundary.
var ErrUnaligned = errors.New("memory range not page aligned")

var pageSize = os.Getpagesize()

// PageSize returns the page size of the host.
func PageSize() int {
	return pageSize
}

// RoundUpToPage rounds size up to a multiple of PageSize.
func RoundUpToPage(size uint64) uint64 {
	p := uint64(pageSize)
	return (size + p - 1) &^ (p - 1)
}

func isPageAligned(b []byte) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))%uintptr(pageSize) == 0
}

// ReserveMemory reserves size bytes of address space, none of which is accessible until committed with CommitMemory.
// On platforms with virtual memory, touching an uncommitted byte faults, which is what gives a linear memory its guard
// region.
func ReserveMemory(size int) ([]byte, error) {
	if size == 0 {
		panic(errors.New("BUG: ReserveMemory with zero length"))
	}
	return reserveMemory(size)
}

// GuardPagesSupported is true when uncommitted memory faults on access. Otherwise, reservations are plain heap memory.
const GuardPagesSupported = guardPagesSupported

// CommitMemory makes b readable and writable. b must be a sub-slice of a reservation starting on a page boundary.
func CommitMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return commitMemory(b)
}

// DecommitMemory zeroes b and makes it inaccessible again, returning any physical pages to the OS where possible.
// A reservation reset this way never exposes bytes written before the reset.
func DecommitMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return decommitMemory(b)
}

// ReleaseMemory unmaps a reservation returned by ReserveMemory.
func ReleaseMemory(b []byte) error {
	if len(b) == 0 {
		panic(errors.New("BUG: ReleaseMemory with zero length"))
	}
	return releaseMemory(b)
}

// MmapCodeSegment copies the code into the executable region and returns the byte slice of the region.
//
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func MmapCodeSegment(code []byte) ([]byte, error) {
	if len(code) == 0 {
		panic(errors.New("BUG: MmapCodeSegment with zero length"))
	}
	b, err := mmapCodeSegment(len(code))
	if err != nil {
		return nil, err
	}
	copy(b, code)
	if err = MprotectRX(b); err != nil {
		_ = munmapCodeSegment(b)
		return nil, err
	}
	return b, nil
}

// MunmapCodeSegment unmaps the given memory region.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.New("BUG: MunmapCodeSegment with zero length"))
	}
	return munmapCodeSegment(code)
}
