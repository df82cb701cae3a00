// Package vmoffsets computes the byte layout of the per-instance VM context that compiled code indexes directly.
//
// The VM context is laid out as follows, where every array length is fixed by the shape of the module:
//
//	type vmContext struct {
//		interrupts                *Interrupts
//		externrefActivationsTable uintptr
//		stackMapRegistry          uintptr
//		signatureIDs              [numSignatureIDs]uint32
//		importedFunctions         [numImportedFunctions]struct{ body, vmctx uintptr }
//		importedTables            [numImportedTables]struct{ from, vmctx uintptr }
//		importedMemories          [numImportedMemories]struct{ from, vmctx uintptr }
//		importedGlobals           [numImportedGlobals]struct{ from uintptr }
//		tables                    [numDefinedTables]struct{ base uintptr; currentElements uint32 }
//		memories                  [numDefinedMemories]struct{ base uintptr; currentLength uint32 }
//		globals                   [numDefinedGlobals][16]byte // 16-byte aligned
//		anyfuncs                  [numImportedFunctions+numDefinedFunctions]struct{ funcPtr, typeIndex, vmctx uintptr }
//		builtins                  [BuiltinFunctionCount]uintptr
//	}
//
// Offsets are baked into generated code, so every derivation is overflow-checked: a wrapped offset would turn into an
// out-of-bounds write.
package vmoffsets

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/tetratelabs/wasmcore/internal/wasm"
)

// Interrupted is the value written to the stack limit of Interrupts to request that compiled code stop at its next
// stack check. It is low enough that any stack pointer compares below it, yet high enough to be told apart from a real
// limit.
const Interrupted = ^uintptr(0) - 32*1024

// ErrLayoutOverflow is the panic value (wrapped) raised when a derived offset does not fit in 32 bits.
var ErrLayoutOverflow = errors.New("vmctx layout overflow")

// Offset represents an offset of a field in the VM context or one of its sub-structures.
type Offset uint32

// U32 encodes an Offset as uint32 for convenience.
func (o Offset) U32() uint32 {
	return uint32(o)
}

// I64 encodes an Offset as int64 for convenience.
func (o Offset) I64() int64 {
	return int64(o)
}

// VMOffsets computes offsets to fields within the VM context and its sub-structures. The zero value is not usable;
// create one with New or FromCounts.
type VMOffsets struct {
	// PointerSize is the size in bytes of a pointer on the target: 4 or 8.
	PointerSize uint8
	// NumSignatureIDs is the number of signature declarations in the module.
	NumSignatureIDs uint32
	// NumImportedFunctions is the number of imported functions in the module.
	NumImportedFunctions uint32
	// NumImportedTables is the number of imported tables in the module.
	NumImportedTables uint32
	// NumImportedMemories is the number of imported memories in the module.
	NumImportedMemories uint32
	// NumImportedGlobals is the number of imported globals in the module.
	NumImportedGlobals uint32
	// NumDefinedFunctions is the number of defined functions in the module.
	NumDefinedFunctions uint32
	// NumDefinedTables is the number of defined tables in the module.
	NumDefinedTables uint32
	// NumDefinedMemories is the number of defined memories in the module.
	NumDefinedMemories uint32
	// NumDefinedGlobals is the number of defined globals in the module.
	NumDefinedGlobals uint32
}

// Counts are the shape counts a layout is derived from.
type Counts struct {
	SignatureIDs,
	ImportedFunctions, ImportedTables, ImportedMemories, ImportedGlobals,
	DefinedFunctions, DefinedTables, DefinedMemories, DefinedGlobals uint32
}

// New returns the layout of the VM context of m for the given pointer size.
//
// The whole layout is computed once here, so a module whose context would not fit in 32 bits fails with
// ErrLayoutOverflow before any offset is handed to a compiler.
func New(pointerSize uint8, m *wasm.Module) (VMOffsets, error) {
	return FromCounts(pointerSize, Counts{
		SignatureIDs:      uint32(len(m.Types)),
		ImportedFunctions: m.ImportFuncCount(),
		ImportedTables:    m.ImportedTables,
		ImportedMemories:  m.ImportedMemories,
		ImportedGlobals:   m.ImportedGlobals,
		DefinedFunctions:  uint32(len(m.Functions)),
		DefinedTables:     uint32(len(m.Tables)),
		DefinedMemories:   uint32(len(m.Memories)),
		DefinedGlobals:    uint32(len(m.Globals)),
	})
}

// FromCounts is like New, but takes the counts directly. This is used to size pool slots from configured limits.
func FromCounts(pointerSize uint8, c Counts) (VMOffsets, error) {
	if pointerSize != 4 && pointerSize != 8 {
		return VMOffsets{}, fmt.Errorf("invalid pointer size: %d", pointerSize)
	}
	o := VMOffsets{
		PointerSize:          pointerSize,
		NumSignatureIDs:      c.SignatureIDs,
		NumImportedFunctions: c.ImportedFunctions,
		NumImportedTables:    c.ImportedTables,
		NumImportedMemories:  c.ImportedMemories,
		NumImportedGlobals:   c.ImportedGlobals,
		NumDefinedFunctions:  c.DefinedFunctions,
		NumDefinedTables:     c.DefinedTables,
		NumDefinedMemories:   c.DefinedMemories,
		NumDefinedGlobals:    c.DefinedGlobals,
	}
	if err := o.validate(); err != nil {
		return VMOffsets{}, err
	}
	return o, nil
}

// validate computes the total size, which transitively derives every array begin offset, and turns an overflow
// panic into an error.
func (o *VMOffsets) validate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, ErrLayoutOverflow) {
				err = e
				return
			}
			panic(r)
		}
	}()
	o.SizeOfVMContext()
	return
}

func checkedAdd(a, b uint32, what string) uint32 {
	sum, carry := bits.Add32(a, b, 0)
	if carry != 0 {
		panic(fmt.Errorf("%w: %s: %d + %d", ErrLayoutOverflow, what, a, b))
	}
	return sum
}

func checkedMul(a, b uint32, what string) uint32 {
	hi, lo := bits.Mul32(a, b)
	if hi != 0 {
		panic(fmt.Errorf("%w: %s: %d * %d", ErrLayoutOverflow, what, a, b))
	}
	return lo
}

// align16 rounds offset up to a multiple of 16.
func align16(offset uint32) uint32 {
	return checkedAdd(offset, 15, "align") &^ 15
}

func assertIndex(index, count uint32, what string) {
	if index >= count {
		panic(fmt.Sprintf("BUG: %s index %d out of range [0, %d)", what, index, count))
	}
}

func (o *VMOffsets) ptr() uint32 {
	return uint32(o.PointerSize)
}

// VMFunctionImportBody is the offset of the `body` field of a function import.
func (o *VMOffsets) VMFunctionImportBody() Offset { return 0 }

// VMFunctionImportVMContext is the offset of the `vmctx` field of a function import.
func (o *VMOffsets) VMFunctionImportVMContext() Offset { return Offset(o.ptr()) }

// SizeOfVMFunctionImport is the size of a function import.
func (o *VMOffsets) SizeOfVMFunctionImport() uint32 { return 2 * o.ptr() }

// SizeOfVMFunctionBodyPtr is the size of a pointer to a function body.
func (o *VMOffsets) SizeOfVMFunctionBodyPtr() uint32 { return o.ptr() }

// VMTableImportFrom is the offset of the `from` field of a table import.
func (o *VMOffsets) VMTableImportFrom() Offset { return 0 }

// VMTableImportVMContext is the offset of the `vmctx` field of a table import.
func (o *VMOffsets) VMTableImportVMContext() Offset { return Offset(o.ptr()) }

// SizeOfVMTableImport is the size of a table import.
func (o *VMOffsets) SizeOfVMTableImport() uint32 { return 2 * o.ptr() }

// VMTableDefinitionBase is the offset of the `base` field of a table definition.
func (o *VMOffsets) VMTableDefinitionBase() Offset { return 0 }

// VMTableDefinitionCurrentElements is the offset of the `current_elements` field of a table definition.
func (o *VMOffsets) VMTableDefinitionCurrentElements() Offset { return Offset(o.ptr()) }

// SizeOfVMTableDefinitionCurrentElements is the size of the `current_elements` field, a uint32.
func (o *VMOffsets) SizeOfVMTableDefinitionCurrentElements() uint32 { return 4 }

// SizeOfVMTableDefinition is the size of a table definition.
func (o *VMOffsets) SizeOfVMTableDefinition() uint32 { return 2 * o.ptr() }

// VMMemoryImportFrom is the offset of the `from` field of a memory import.
func (o *VMOffsets) VMMemoryImportFrom() Offset { return 0 }

// VMMemoryImportVMContext is the offset of the `vmctx` field of a memory import.
func (o *VMOffsets) VMMemoryImportVMContext() Offset { return Offset(o.ptr()) }

// SizeOfVMMemoryImport is the size of a memory import.
func (o *VMOffsets) SizeOfVMMemoryImport() uint32 { return 2 * o.ptr() }

// VMMemoryDefinitionBase is the offset of the `base` field of a memory definition.
func (o *VMOffsets) VMMemoryDefinitionBase() Offset { return 0 }

// VMMemoryDefinitionCurrentLength is the offset of the `current_length` field of a memory definition.
func (o *VMOffsets) VMMemoryDefinitionCurrentLength() Offset { return Offset(o.ptr()) }

// SizeOfVMMemoryDefinitionCurrentLength is the size of the `current_length` field, a uint32.
func (o *VMOffsets) SizeOfVMMemoryDefinitionCurrentLength() uint32 { return 4 }

// SizeOfVMMemoryDefinition is the size of a memory definition.
func (o *VMOffsets) SizeOfVMMemoryDefinition() uint32 { return 2 * o.ptr() }

// VMGlobalImportFrom is the offset of the `from` field of a global import.
func (o *VMOffsets) VMGlobalImportFrom() Offset { return 0 }

// SizeOfVMGlobalImport is the size of a global import.
func (o *VMOffsets) SizeOfVMGlobalImport() uint32 { return o.ptr() }

// SizeOfVMGlobalDefinition is the size of a global definition: the size of the largest value type, v128.
func (o *VMOffsets) SizeOfVMGlobalDefinition() uint32 { return 16 }

// SizeOfVMSharedSignatureIndex is the size of a shared signature id.
func (o *VMOffsets) SizeOfVMSharedSignatureIndex() uint32 { return 4 }

// VMInterruptsStackLimit is the offset of the stack limit in Interrupts.
func (o *VMOffsets) VMInterruptsStackLimit() Offset { return 0 }

// VMInterruptsFuelConsumed is the offset of the fuel consumed counter in Interrupts.
func (o *VMOffsets) VMInterruptsFuelConsumed() Offset { return Offset(o.ptr()) }

// VMCallerCheckedAnyfuncFuncPtr is the offset of the `func_ptr` field of an anyfunc.
func (o *VMOffsets) VMCallerCheckedAnyfuncFuncPtr() Offset { return 0 }

// VMCallerCheckedAnyfuncTypeIndex is the offset of the `type_index` field of an anyfunc.
func (o *VMOffsets) VMCallerCheckedAnyfuncTypeIndex() Offset { return Offset(o.ptr()) }

// VMCallerCheckedAnyfuncVMContext is the offset of the `vmctx` field of an anyfunc.
func (o *VMOffsets) VMCallerCheckedAnyfuncVMContext() Offset { return Offset(2 * o.ptr()) }

// SizeOfVMCallerCheckedAnyfunc is the size of an anyfunc.
func (o *VMOffsets) SizeOfVMCallerCheckedAnyfunc() uint32 { return 3 * o.ptr() }

// VMExternRefActivationsTableNext is the offset of the `next` field of the externref activations table.
func (o *VMOffsets) VMExternRefActivationsTableNext() Offset { return 0 }

// VMExternRefActivationsTableEnd is the offset of the `end` field of the externref activations table.
func (o *VMOffsets) VMExternRefActivationsTableEnd() Offset { return Offset(o.ptr()) }

// VMContextInterrupts is the offset of the pointer to Interrupts.
func (o *VMOffsets) VMContextInterrupts() Offset { return 0 }

// VMContextExternRefActivationsTable is the offset of the pointer to the externref activations table.
func (o *VMOffsets) VMContextExternRefActivationsTable() Offset {
	return Offset(checkedAdd(o.VMContextInterrupts().U32(), o.ptr(), "externref activations table"))
}

// VMContextStackMapRegistry is the offset of the pointer to the stack map registry.
func (o *VMOffsets) VMContextStackMapRegistry() Offset {
	return Offset(checkedAdd(o.VMContextExternRefActivationsTable().U32(), o.ptr(), "stack map registry"))
}

// VMContextSignatureIDsBegin is the offset of the signature ids array.
func (o *VMOffsets) VMContextSignatureIDsBegin() Offset {
	return Offset(checkedAdd(o.VMContextStackMapRegistry().U32(), o.ptr(), "signature ids"))
}

// VMContextImportedFunctionsBegin is the offset of the imported functions array.
func (o *VMOffsets) VMContextImportedFunctionsBegin() Offset {
	return o.after(o.VMContextSignatureIDsBegin(), o.NumSignatureIDs, o.SizeOfVMSharedSignatureIndex(), "imported functions")
}

// VMContextImportedTablesBegin is the offset of the imported tables array.
func (o *VMOffsets) VMContextImportedTablesBegin() Offset {
	return o.after(o.VMContextImportedFunctionsBegin(), o.NumImportedFunctions, o.SizeOfVMFunctionImport(), "imported tables")
}

// VMContextImportedMemoriesBegin is the offset of the imported memories array.
func (o *VMOffsets) VMContextImportedMemoriesBegin() Offset {
	return o.after(o.VMContextImportedTablesBegin(), o.NumImportedTables, o.SizeOfVMTableImport(), "imported memories")
}

// VMContextImportedGlobalsBegin is the offset of the imported globals array.
func (o *VMOffsets) VMContextImportedGlobalsBegin() Offset {
	return o.after(o.VMContextImportedMemoriesBegin(), o.NumImportedMemories, o.SizeOfVMMemoryImport(), "imported globals")
}

// VMContextTablesBegin is the offset of the defined tables array.
func (o *VMOffsets) VMContextTablesBegin() Offset {
	return o.after(o.VMContextImportedGlobalsBegin(), o.NumImportedGlobals, o.SizeOfVMGlobalImport(), "tables")
}

// VMContextMemoriesBegin is the offset of the defined memories array.
func (o *VMOffsets) VMContextMemoriesBegin() Offset {
	return o.after(o.VMContextTablesBegin(), o.NumDefinedTables, o.SizeOfVMTableDefinition(), "memories")
}

// VMContextGlobalsBegin is the offset of the defined globals array. It is always 16-byte aligned since globals may
// hold v128 values.
func (o *VMOffsets) VMContextGlobalsBegin() Offset {
	end := o.after(o.VMContextMemoriesBegin(), o.NumDefinedMemories, o.SizeOfVMMemoryDefinition(), "globals")
	return Offset(align16(end.U32()))
}

// VMContextAnyfuncsBegin is the offset of the anyfuncs array.
func (o *VMOffsets) VMContextAnyfuncsBegin() Offset {
	return o.after(o.VMContextGlobalsBegin(), o.NumDefinedGlobals, o.SizeOfVMGlobalDefinition(), "anyfuncs")
}

// NumFunctions is the count of anyfuncs: imported plus defined functions.
func (o *VMOffsets) NumFunctions() uint32 {
	return checkedAdd(o.NumImportedFunctions, o.NumDefinedFunctions, "function count")
}

// VMContextBuiltinFunctionsBegin is the offset of the builtin functions array.
func (o *VMOffsets) VMContextBuiltinFunctionsBegin() Offset {
	return o.after(o.VMContextAnyfuncsBegin(), o.NumFunctions(), o.SizeOfVMCallerCheckedAnyfunc(), "builtin functions")
}

// SizeOfVMContext is the total size of the VM context.
func (o *VMOffsets) SizeOfVMContext() uint32 {
	return o.after(o.VMContextBuiltinFunctionsBegin(), BuiltinFunctionCount, o.ptr(), "vmctx size").U32()
}

// after returns the offset just past an array of count elements of size bytes each starting at begin.
func (o *VMOffsets) after(begin Offset, count, size uint32, what string) Offset {
	return Offset(checkedAdd(begin.U32(), checkedMul(count, size, what), what))
}

// VMContextSharedSignatureID is the offset of the signature id of the type at index.
func (o *VMOffsets) VMContextSharedSignatureID(index wasm.Index) Offset {
	assertIndex(index, o.NumSignatureIDs, "signature")
	return o.after(o.VMContextSignatureIDsBegin(), index, o.SizeOfVMSharedSignatureIndex(), "signature id")
}

// VMContextFunctionImport is the offset of the import of the function at index.
func (o *VMOffsets) VMContextFunctionImport(index wasm.Index) Offset {
	assertIndex(index, o.NumImportedFunctions, "imported function")
	return o.after(o.VMContextImportedFunctionsBegin(), index, o.SizeOfVMFunctionImport(), "function import")
}

// VMContextTableImport is the offset of the import of the table at index.
func (o *VMOffsets) VMContextTableImport(index wasm.Index) Offset {
	assertIndex(index, o.NumImportedTables, "imported table")
	return o.after(o.VMContextImportedTablesBegin(), index, o.SizeOfVMTableImport(), "table import")
}

// VMContextMemoryImport is the offset of the import of the memory at index.
func (o *VMOffsets) VMContextMemoryImport(index wasm.Index) Offset {
	assertIndex(index, o.NumImportedMemories, "imported memory")
	return o.after(o.VMContextImportedMemoriesBegin(), index, o.SizeOfVMMemoryImport(), "memory import")
}

// VMContextGlobalImport is the offset of the import of the global at index.
func (o *VMOffsets) VMContextGlobalImport(index wasm.Index) Offset {
	assertIndex(index, o.NumImportedGlobals, "imported global")
	return o.after(o.VMContextImportedGlobalsBegin(), index, o.SizeOfVMGlobalImport(), "global import")
}

// VMContextTableDefinition is the offset of the definition of the defined table at index.
func (o *VMOffsets) VMContextTableDefinition(index wasm.Index) Offset {
	assertIndex(index, o.NumDefinedTables, "defined table")
	return o.after(o.VMContextTablesBegin(), index, o.SizeOfVMTableDefinition(), "table definition")
}

// VMContextMemoryDefinition is the offset of the definition of the defined memory at index.
func (o *VMOffsets) VMContextMemoryDefinition(index wasm.Index) Offset {
	assertIndex(index, o.NumDefinedMemories, "defined memory")
	return o.after(o.VMContextMemoriesBegin(), index, o.SizeOfVMMemoryDefinition(), "memory definition")
}

// VMContextGlobalDefinition is the offset of the defined global at index.
func (o *VMOffsets) VMContextGlobalDefinition(index wasm.Index) Offset {
	assertIndex(index, o.NumDefinedGlobals, "defined global")
	return o.after(o.VMContextGlobalsBegin(), index, o.SizeOfVMGlobalDefinition(), "global definition")
}

// VMContextAnyfunc is the offset of the anyfunc of the function at index, imported or defined.
func (o *VMOffsets) VMContextAnyfunc(index wasm.Index) Offset {
	assertIndex(index, o.NumFunctions(), "function")
	return o.after(o.VMContextAnyfuncsBegin(), index, o.SizeOfVMCallerCheckedAnyfunc(), "anyfunc")
}

// VMContextBuiltinFunction is the offset of the pointer to the builtin at index.
func (o *VMOffsets) VMContextBuiltinFunction(index BuiltinFunctionIndex) Offset {
	assertIndex(uint32(index), BuiltinFunctionCount, "builtin function")
	return o.after(o.VMContextBuiltinFunctionsBegin(), uint32(index), o.ptr(), "builtin function")
}

// VMContextFunctionImportBody is the offset of the `body` field of the import of the function at index.
func (o *VMOffsets) VMContextFunctionImportBody(index wasm.Index) Offset {
	return o.field(o.VMContextFunctionImport(index), o.VMFunctionImportBody())
}

// VMContextFunctionImportVMContext is the offset of the `vmctx` field of the import of the function at index.
func (o *VMOffsets) VMContextFunctionImportVMContext(index wasm.Index) Offset {
	return o.field(o.VMContextFunctionImport(index), o.VMFunctionImportVMContext())
}

// VMContextTableImportFrom is the offset of the `from` field of the import of the table at index.
func (o *VMOffsets) VMContextTableImportFrom(index wasm.Index) Offset {
	return o.field(o.VMContextTableImport(index), o.VMTableImportFrom())
}

// VMContextTableDefinitionBase is the offset of the `base` field of the defined table at index.
func (o *VMOffsets) VMContextTableDefinitionBase(index wasm.Index) Offset {
	return o.field(o.VMContextTableDefinition(index), o.VMTableDefinitionBase())
}

// VMContextTableDefinitionCurrentElements is the offset of the `current_elements` field of the defined table at index.
func (o *VMOffsets) VMContextTableDefinitionCurrentElements(index wasm.Index) Offset {
	return o.field(o.VMContextTableDefinition(index), o.VMTableDefinitionCurrentElements())
}

// VMContextMemoryImportFrom is the offset of the `from` field of the import of the memory at index.
func (o *VMOffsets) VMContextMemoryImportFrom(index wasm.Index) Offset {
	return o.field(o.VMContextMemoryImport(index), o.VMMemoryImportFrom())
}

// VMContextMemoryImportVMContext is the offset of the `vmctx` field of the import of the memory at index.
func (o *VMOffsets) VMContextMemoryImportVMContext(index wasm.Index) Offset {
	return o.field(o.VMContextMemoryImport(index), o.VMMemoryImportVMContext())
}

// VMContextMemoryDefinitionBase is the offset of the `base` field of the defined memory at index.
func (o *VMOffsets) VMContextMemoryDefinitionBase(index wasm.Index) Offset {
	return o.field(o.VMContextMemoryDefinition(index), o.VMMemoryDefinitionBase())
}

// VMContextMemoryDefinitionCurrentLength is the offset of the `current_length` field of the defined memory at index.
func (o *VMOffsets) VMContextMemoryDefinitionCurrentLength(index wasm.Index) Offset {
	return o.field(o.VMContextMemoryDefinition(index), o.VMMemoryDefinitionCurrentLength())
}

// VMContextGlobalImportFrom is the offset of the `from` field of the import of the global at index.
func (o *VMOffsets) VMContextGlobalImportFrom(index wasm.Index) Offset {
	return o.field(o.VMContextGlobalImport(index), o.VMGlobalImportFrom())
}

func (o *VMOffsets) field(base, field Offset) Offset {
	return Offset(checkedAdd(base.U32(), field.U32(), "field"))
}
