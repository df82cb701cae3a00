package allocator

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmcore/internal/logging"
	"github.com/tetratelabs/wasmcore/internal/platform"
	"github.com/tetratelabs/wasmcore/internal/vmoffsets"
	"github.com/tetratelabs/wasmcore/internal/wasm"
	"github.com/tetratelabs/wasmcore/internal/wasmruntime"
)

// Memory is a linear memory backed by a reservation. Only the first Size pages are accessible; the rest of the
// reservation is the guard region, so that an access past the end faults instead of reading adjacent data.
type Memory struct {
	// reservation is the whole address range of the memory.
	reservation []byte
	// buffer is the accessible prefix of reservation.
	buffer []byte
	// max is the maximum number of pages.
	max uint32
	// pooled is true if reservation belongs to a pool and must not be released with the memory.
	pooled bool
	// definition is the VMMemoryDefinition of the memory in the VM context of its instance, or nil.
	definition []byte
}

func newMemory(reservation []byte, m *wasm.Memory, maxPages uint32, pooled bool) (*Memory, error) {
	max := m.MaxPages()
	if max > maxPages {
		max = maxPages
	}
	mem := &Memory{reservation: reservation, max: max, pooled: pooled}
	if m.Min > max {
		return nil, fmt.Errorf("%w: memory minimum of %d pages exceeds the reservation of %d pages",
			ErrLimitExceeded, m.Min, max)
	}
	if _, ok := mem.Grow(m.Min); !ok {
		return nil, fmt.Errorf("failed to commit %d pages of memory", m.Min)
	}
	return mem, nil
}

// Size returns the current size in pages.
func (m *Memory) Size() uint32 {
	return uint32(uint64(len(m.buffer)) / wasm.PageSize)
}

// Max returns the maximum size in pages.
func (m *Memory) Max() uint32 {
	return m.max
}

// Bytes returns the accessible bytes. The slice is invalidated by Grow.
func (m *Memory) Bytes() []byte {
	return m.buffer
}

// Base returns the address of the first byte, which never changes.
func (m *Memory) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.reservation)))
}

// Contains returns true if addr is inside the reservation, guard region included.
func (m *Memory) Contains(addr uintptr) bool {
	base := m.Base()
	return addr >= base && addr-base < uintptr(len(m.reservation))
}

// Grow grows the memory by delta pages and returns the previous size in pages, or false if the memory would exceed
// its maximum. The contents of existing pages are kept in place.
func (m *Memory) Grow(delta uint32) (previous uint32, ok bool) {
	previous = m.Size()
	if delta == 0 {
		return previous, true
	}
	if uint64(previous)+uint64(delta) > uint64(m.max) {
		return 0, false
	}
	newLen := (uint64(previous) + uint64(delta)) * wasm.PageSize
	if newLen > uint64(len(m.reservation)) {
		return 0, false
	}
	if err := platform.CommitMemory(m.reservation[len(m.buffer):newLen]); err != nil {
		logging.For(logging.LogScopeMemory).Warn("failed to commit memory", zap.Error(err))
		return 0, false
	}
	m.buffer = m.reservation[:newLen]
	m.writeDefinition()
	return previous, true
}

// bind points the memory at its VMMemoryDefinition and writes it.
func (m *Memory) bind(definition []byte) {
	m.definition = definition
	m.writeDefinition()
}

func (m *Memory) writeDefinition() {
	if m.definition == nil {
		return
	}
	putPtr(m.definition, 0, m.Base())
	length := uint64(len(m.buffer))
	if length > math.MaxUint32 {
		length = math.MaxUint32 // a full 4GiB memory saturates.
	}
	binary.NativeEndian.PutUint32(m.definition[ptrSize:], uint32(length))
}

// Fill sets n bytes at dst to val, or returns TrapCodeMemoryOutOfBounds and changes nothing.
func (m *Memory) Fill(dst uint32, val byte, n uint32) error {
	end := uint64(dst) + uint64(n)
	if end > uint64(len(m.buffer)) {
		return wasmruntime.TrapCodeMemoryOutOfBounds
	}
	b := m.buffer[dst:end]
	for i := range b {
		b[i] = val
	}
	return nil
}

// CopyMemory copies n bytes from src at srcOffset to dst at dstOffset. The ranges may overlap, including when src and
// dst are the same memory. Out of bounds ranges return TrapCodeMemoryOutOfBounds and change nothing.
func CopyMemory(dst *Memory, dstOffset uint32, src *Memory, srcOffset, n uint32) error {
	dstEnd, srcEnd := uint64(dstOffset)+uint64(n), uint64(srcOffset)+uint64(n)
	if dstEnd > uint64(len(dst.buffer)) || srcEnd > uint64(len(src.buffer)) {
		return wasmruntime.TrapCodeMemoryOutOfBounds
	}
	copy(dst.buffer[dstOffset:dstEnd], src.buffer[srcOffset:srcEnd])
	return nil
}

// reset zeroes the memory and makes it inaccessible again, keeping the reservation.
func (m *Memory) reset() error {
	err := platform.DecommitMemory(m.buffer)
	m.buffer = m.reservation[:0]
	return err
}

// release frees the memory. A pooled memory is reset instead, so its slot can be reused.
func (m *Memory) release() error {
	if m.pooled {
		return m.reset()
	}
	if len(m.reservation) == 0 {
		return nil
	}
	err := platform.ReleaseMemory(m.reservation)
	m.reservation, m.buffer = nil, nil
	return err
}

// putPtr writes a pointer sized value at off.
func putPtr(b []byte, off vmoffsets.Offset, v uintptr) {
	if ptrSize == 4 {
		binary.NativeEndian.PutUint32(b[off:], uint32(v))
	} else {
		binary.NativeEndian.PutUint64(b[off:], uint64(v))
	}
}

// getPtr reads a pointer sized value at off.
func getPtr(b []byte, off vmoffsets.Offset) uintptr {
	if ptrSize == 4 {
		return uintptr(binary.NativeEndian.Uint32(b[off:]))
	}
	return uintptr(binary.NativeEndian.Uint64(b[off:]))
}
