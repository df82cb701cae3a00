// Package allocator allocates the memory of instances: the VM context compiled code indexes directly, linear memories
// and tables. The on-demand strategy allocates each instance independently, while the pooling strategy carves
// instances out of address space reserved up front.
package allocator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tetratelabs/wasmcore/internal/traphandlers"
	"github.com/tetratelabs/wasmcore/internal/vmoffsets"
	"github.com/tetratelabs/wasmcore/internal/wasm"
)

// InstanceAllocator allocates and deallocates instances. Implementations are safe for concurrent use.
type InstanceAllocator interface {
	// ValidateModule returns an error if instances of m can never be allocated, before any memory is committed.
	ValidateModule(m *wasm.Module) error

	// Allocate returns a new instance with its VM context initialized.
	Allocate(req *AllocationRequest) (*InstanceHandle, error)

	// Deallocate frees the memory of h. h must not be used afterwards.
	Deallocate(h *InstanceHandle)

	// Close releases any memory reserved up front. Instances must be deallocated before.
	Close() error
}

// FunctionImport is the VMFunctionImport of an imported function.
type FunctionImport struct {
	// Body is the address of the machine code.
	Body uintptr
	// VMContext is the VM context of the instance defining the function.
	VMContext uintptr
}

// TableImport is the VMTableImport of an imported table.
type TableImport struct {
	// From is the address of the VMTableDefinition in the defining instance.
	From uintptr
	// VMContext is the VM context of the defining instance.
	VMContext uintptr
}

// MemoryImport is the VMMemoryImport of an imported memory.
type MemoryImport struct {
	// From is the address of the VMMemoryDefinition in the defining instance.
	From uintptr
	// VMContext is the VM context of the defining instance.
	VMContext uintptr
}

// Imports are the resolved imports of an instance, in index order.
type Imports struct {
	Functions []FunctionImport
	Tables    []TableImport
	Memories  []MemoryImport
	// Globals are the addresses of the VMGlobalDefinition of each imported global.
	Globals []uintptr
}

// AllocationRequest is everything needed to lay out an instance.
type AllocationRequest struct {
	Module  *wasm.Module
	Offsets *vmoffsets.VMOffsets
	Imports Imports
	// SharedSignatures maps each type index of Module to its engine-wide signature id.
	SharedSignatures []uint32
	// Functions are the addresses of the machine code of each defined function.
	Functions []uintptr
	// Interrupts is the interrupt and fuel cell of the store the instance belongs to. It must outlive the instance.
	Interrupts *traphandlers.Interrupts
	// ExternRefActivationsTable and StackMapRegistry are opaque pointers stored in the VM context header.
	ExternRefActivationsTable uintptr
	StackMapRegistry          uintptr
	// Builtins are the addresses of the builtin functions, indexed by vmoffsets.BuiltinFunctionIndex. Missing
	// trailing entries are zero.
	Builtins []uintptr
}

func (r *AllocationRequest) validate() error {
	m, o := r.Module, r.Offsets
	if m == nil || o == nil {
		return errors.New("BUG: allocation request without module or offsets")
	}
	if o.PointerSize != ptrSize {
		return fmt.Errorf("offsets are for a %d-byte pointer, but the host has %d", o.PointerSize, ptrSize)
	}
	for _, c := range []struct {
		what       string
		got, count int
	}{
		{"imported functions", len(r.Imports.Functions), int(m.ImportFuncCount())},
		{"imported tables", len(r.Imports.Tables), int(m.ImportedTables)},
		{"imported memories", len(r.Imports.Memories), int(m.ImportedMemories)},
		{"imported globals", len(r.Imports.Globals), int(m.ImportedGlobals)},
		{"signatures", len(r.SharedSignatures), len(m.Types)},
		{"function bodies", len(r.Functions), len(m.Functions)},
	} {
		if c.got != c.count {
			return fmt.Errorf("expected %d %s, but got %d", c.count, c.what, c.got)
		}
	}
	if len(r.Builtins) > int(vmoffsets.BuiltinFunctionCount) {
		return fmt.Errorf("expected at most %d builtins, but got %d", vmoffsets.BuiltinFunctionCount, len(r.Builtins))
	}
	return nil
}

// InstanceHandle is an allocated instance.
type InstanceHandle struct {
	Module  *wasm.Module
	Offsets *vmoffsets.VMOffsets

	vmctx    []byte
	memories []*Memory
	tables   []*Table

	// slot is the pool slot, or -1 for an on-demand instance.
	slot int
}

// VMContext returns the VM context bytes.
func (h *InstanceHandle) VMContext() []byte {
	return h.vmctx
}

// VMContextPtr returns the address of the VM context, which is what compiled code receives.
func (h *InstanceHandle) VMContextPtr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(h.vmctx)))
}

// Memory returns the defined memory at index i, which excludes imported memories.
func (h *InstanceHandle) Memory(i wasm.Index) *Memory {
	return h.memories[i]
}

// Memories returns the defined memories.
func (h *InstanceHandle) Memories() []*Memory {
	return h.memories
}

// Table returns the defined table at index i, which excludes imported tables.
func (h *InstanceHandle) Table(i wasm.Index) *Table {
	return h.tables[i]
}

// Tables returns the defined tables.
func (h *InstanceHandle) Tables() []*Table {
	return h.tables
}

// Global returns the raw bits of the defined global at index i, low half first.
func (h *InstanceHandle) Global(i wasm.Index) [2]uint64 {
	off := h.Offsets.VMContextGlobalDefinition(i)
	return [2]uint64{
		binary.NativeEndian.Uint64(h.vmctx[off:]),
		binary.NativeEndian.Uint64(h.vmctx[off+8:]),
	}
}

// SetGlobal sets the raw bits of the defined global at index i.
func (h *InstanceHandle) SetGlobal(i wasm.Index, v [2]uint64) {
	off := h.Offsets.VMContextGlobalDefinition(i)
	binary.NativeEndian.PutUint64(h.vmctx[off:], v[0])
	binary.NativeEndian.PutUint64(h.vmctx[off+8:], v[1])
}

// Slot returns the pool slot of the instance, or -1 if it was allocated on demand.
func (h *InstanceHandle) Slot() int {
	return h.slot
}

// release frees the memories and tables of h, returning the first error.
func (h *InstanceHandle) release() error {
	var err error
	for _, m := range h.memories {
		if e := m.release(); e != nil && err == nil {
			err = e
		}
	}
	for _, t := range h.tables {
		if e := t.release(); e != nil && err == nil {
			err = e
		}
	}
	h.memories, h.tables = nil, nil
	return err
}

// initVMContext writes the VM context of h in layout order. Memories and tables must already be created.
func (h *InstanceHandle) initVMContext(req *AllocationRequest) {
	o, vmctx := h.Offsets, h.vmctx
	self := h.VMContextPtr()

	putPtr(vmctx, o.VMContextInterrupts(), uintptr(unsafe.Pointer(req.Interrupts)))
	putPtr(vmctx, o.VMContextExternRefActivationsTable(), req.ExternRefActivationsTable)
	putPtr(vmctx, o.VMContextStackMapRegistry(), req.StackMapRegistry)

	for i, id := range req.SharedSignatures {
		binary.NativeEndian.PutUint32(vmctx[o.VMContextSharedSignatureID(wasm.Index(i)):], id)
	}

	for i, f := range req.Imports.Functions {
		putPtr(vmctx, o.VMContextFunctionImportBody(wasm.Index(i)), f.Body)
		putPtr(vmctx, o.VMContextFunctionImportVMContext(wasm.Index(i)), f.VMContext)
	}
	for i, t := range req.Imports.Tables {
		putPtr(vmctx, o.VMContextTableImportFrom(wasm.Index(i)), t.From)
		putPtr(vmctx, o.VMContextTableImport(wasm.Index(i))+o.VMTableImportVMContext(), t.VMContext)
	}
	for i, m := range req.Imports.Memories {
		putPtr(vmctx, o.VMContextMemoryImportFrom(wasm.Index(i)), m.From)
		putPtr(vmctx, o.VMContextMemoryImportVMContext(wasm.Index(i)), m.VMContext)
	}
	for i, g := range req.Imports.Globals {
		putPtr(vmctx, o.VMContextGlobalImportFrom(wasm.Index(i)), g)
	}

	for i, t := range h.tables {
		off := o.VMContextTableDefinition(wasm.Index(i))
		t.bind(vmctx[off : off.U32()+o.SizeOfVMTableDefinition()])
	}
	for i, m := range h.memories {
		off := o.VMContextMemoryDefinition(wasm.Index(i))
		m.bind(vmctx[off : off.U32()+o.SizeOfVMMemoryDefinition()])
	}
	for i := range h.Module.Globals {
		h.SetGlobal(wasm.Index(i), h.Module.Globals[i].Init)
	}

	imported := h.Module.ImportFuncCount()
	for i := wasm.Index(0); i < h.Module.TotalFuncCount(); i++ {
		var body, callee uintptr
		if i < imported {
			body, callee = req.Imports.Functions[i].Body, req.Imports.Functions[i].VMContext
		} else {
			body, callee = req.Functions[i-imported], self
		}
		off := o.VMContextAnyfunc(i)
		putPtr(vmctx, off+o.VMCallerCheckedAnyfuncFuncPtr(), body)
		binary.NativeEndian.PutUint32(vmctx[off+o.VMCallerCheckedAnyfuncTypeIndex():],
			req.SharedSignatures[h.Module.TypeOfFunction(i)])
		putPtr(vmctx, off+o.VMCallerCheckedAnyfuncVMContext(), callee)
	}

	for i, b := range req.Builtins {
		putPtr(vmctx, o.VMContextBuiltinFunction(vmoffsets.BuiltinFunctionIndex(i)), b)
	}
}

// AnyfuncPtr returns the address of the VMCallerCheckedAnyfunc of the function at index i, which is what a table
// element referencing the function holds.
func (h *InstanceHandle) AnyfuncPtr(i wasm.Index) uintptr {
	return h.VMContextPtr() + uintptr(h.Offsets.VMContextAnyfunc(i))
}

// AnyfuncBody returns the code pointer stored in the anyfunc entry of the function at index i.
func (h *InstanceHandle) AnyfuncBody(i wasm.Index) uintptr {
	return getPtr(h.vmctx, h.Offsets.VMContextAnyfunc(i)+h.Offsets.VMCallerCheckedAnyfuncFuncPtr())
}
