//go:build !unix

package platform

import (
	"fmt"
	"runtime"
)

var errUnsupported = fmt.Errorf("mmap unsupported on GOOS=%s", runtime.GOOS)

// Without mmap, reservations are heap memory that is always accessible: there is no guard region.
const guardPagesSupported = false

func reserveMemory(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func commitMemory([]byte) error {
	return nil
}

func decommitMemory(b []byte) error {
	clear(b)
	return nil
}

func releaseMemory([]byte) error {
	return nil
}

func mmapCodeSegment(int) ([]byte, error) {
	return nil, errUnsupported
}

func munmapCodeSegment([]byte) error {
	return errUnsupported
}

func MprotectRX([]byte) error {
	return errUnsupported
}
