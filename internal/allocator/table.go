package allocator

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/tetratelabs/wasmcore/internal/platform"
	"github.com/tetratelabs/wasmcore/internal/wasm"
	"github.com/tetratelabs/wasmcore/internal/wasmruntime"
)

// Table is a table of function references. An element is the address of a VMCallerCheckedAnyfunc, or zero for null.
type Table struct {
	elements []uintptr
	// max is the maximum number of elements.
	max uint32
	// storage is the pool slot backing elements, or nil if elements are on the Go heap.
	storage []byte
	// definition is the VMTableDefinition of the table in the VM context of its instance, or nil.
	definition []byte
}

func newTable(t *wasm.Table, maxElements uint32) (*Table, error) {
	max := maxElements
	if t.Max != nil && *t.Max < max {
		max = *t.Max
	}
	if t.Min > max {
		return nil, fmt.Errorf("%w: table minimum of %d elements exceeds the maximum of %d", ErrLimitExceeded, t.Min, max)
	}
	return &Table{elements: make([]uintptr, t.Min), max: max}, nil
}

// newPooledTable is like newTable, but elements live in storage, which must be committed and zeroed.
func newPooledTable(t *wasm.Table, maxElements uint32, storage []byte) (*Table, error) {
	capacity := uint32(uintptr(len(storage)) / unsafe.Sizeof(uintptr(0)))
	if maxElements > capacity {
		maxElements = capacity
	}
	table, err := newTable(t, maxElements)
	if err != nil {
		return nil, err
	}
	table.storage = storage
	table.elements = unsafe.Slice((*uintptr)(unsafe.Pointer(unsafe.SliceData(storage))), capacity)[:t.Min]
	return table, nil
}

// Size returns the current number of elements.
func (t *Table) Size() uint32 {
	return uint32(len(t.elements))
}

// Max returns the maximum number of elements.
func (t *Table) Max() uint32 {
	return t.max
}

// Get returns the element at i, or false if i is out of bounds.
func (t *Table) Get(i uint32) (uintptr, bool) {
	if i >= t.Size() {
		return 0, false
	}
	return t.elements[i], true
}

// Set sets the element at i, or returns false if i is out of bounds.
func (t *Table) Set(i uint32, v uintptr) bool {
	if i >= t.Size() {
		return false
	}
	t.elements[i] = v
	return true
}

// Grow grows the table by delta elements set to init, and returns the previous size, or false if the table would
// exceed its maximum.
func (t *Table) Grow(delta uint32, init uintptr) (previous uint32, ok bool) {
	previous = t.Size()
	if uint64(previous)+uint64(delta) > uint64(t.max) {
		return 0, false
	}
	newLen := int(previous + delta)
	if t.storage != nil || newLen <= cap(t.elements) {
		t.elements = t.elements[:newLen]
	} else {
		t.elements = append(t.elements, make([]uintptr, delta)...)
	}
	for i := int(previous); i < newLen; i++ {
		t.elements[i] = init
	}
	t.writeDefinition()
	return previous, true
}

// Fill sets n elements at dst to v, or returns TrapCodeTableOutOfBounds and changes nothing.
func (t *Table) Fill(dst uint32, v uintptr, n uint32) error {
	if uint64(dst)+uint64(n) > uint64(t.Size()) {
		return wasmruntime.TrapCodeTableOutOfBounds
	}
	for i := dst; i < dst+n; i++ {
		t.elements[i] = v
	}
	return nil
}

// CopyTable copies n elements from src at srcIndex to dst at dstIndex. The ranges may overlap. Out of bounds ranges
// return TrapCodeTableOutOfBounds and change nothing.
func CopyTable(dst *Table, dstIndex uint32, src *Table, srcIndex, n uint32) error {
	if uint64(dstIndex)+uint64(n) > uint64(dst.Size()) || uint64(srcIndex)+uint64(n) > uint64(src.Size()) {
		return wasmruntime.TrapCodeTableOutOfBounds
	}
	copy(dst.elements[dstIndex:dstIndex+n], src.elements[srcIndex:srcIndex+n])
	return nil
}

func (t *Table) base() uintptr {
	if t.storage != nil {
		return uintptr(unsafe.Pointer(unsafe.SliceData(t.storage)))
	}
	if cap(t.elements) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(t.elements)))
}

// bind points the table at its VMTableDefinition and writes it.
func (t *Table) bind(definition []byte) {
	t.definition = definition
	t.writeDefinition()
}

func (t *Table) writeDefinition() {
	if t.definition == nil {
		return
	}
	putPtr(t.definition, 0, t.base())
	binary.NativeEndian.PutUint32(t.definition[ptrSize:], t.Size())
}

// release resets pooled storage for the next occupant of the slot.
func (t *Table) release() error {
	t.elements = nil
	if t.storage == nil {
		return nil
	}
	err := platform.DecommitMemory(t.storage)
	t.storage = nil
	return err
}
