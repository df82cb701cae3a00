package vmoffsets

// BuiltinFunctionIndex is the index of a runtime library routine in the builtin functions array of the VM context.
type BuiltinFunctionIndex uint32

const (
	BuiltinMemory32Grow BuiltinFunctionIndex = iota
	BuiltinImportedMemory32Grow
	BuiltinMemory32Size
	BuiltinImportedMemory32Size
	BuiltinTableCopy
	BuiltinTableGrowFuncref
	BuiltinTableInit
	BuiltinElemDrop
	BuiltinMemoryCopy
	BuiltinMemoryFill
	BuiltinImportedMemoryFill
	BuiltinMemoryInit
	BuiltinDataDrop
	BuiltinDropExternref
	BuiltinActivationsTableInsertWithGC
	BuiltinExternrefGlobalGet
	BuiltinExternrefGlobalSet
	BuiltinTableGrowExternref
	BuiltinTableFillFuncref
	BuiltinTableFillExternref
	BuiltinMemoryAtomicNotify
	BuiltinImportedMemoryAtomicNotify
	BuiltinMemoryAtomicWait32
	BuiltinImportedMemoryAtomicWait32
	BuiltinMemoryAtomicWait64
	BuiltinImportedMemoryAtomicWait64
	BuiltinOutOfGas

	builtinFunctionEnd
)

// BuiltinFunctionCount is the length of the builtin functions array.
const BuiltinFunctionCount = uint32(builtinFunctionEnd)

var builtinNames = [...]string{
	BuiltinMemory32Grow:                 "memory32_grow",
	BuiltinImportedMemory32Grow:         "imported_memory32_grow",
	BuiltinMemory32Size:                 "memory32_size",
	BuiltinImportedMemory32Size:         "imported_memory32_size",
	BuiltinTableCopy:                    "table_copy",
	BuiltinTableGrowFuncref:             "table_grow_funcref",
	BuiltinTableInit:                    "table_init",
	BuiltinElemDrop:                     "elem_drop",
	BuiltinMemoryCopy:                   "memory_copy",
	BuiltinMemoryFill:                   "memory_fill",
	BuiltinImportedMemoryFill:           "imported_memory_fill",
	BuiltinMemoryInit:                   "memory_init",
	BuiltinDataDrop:                     "data_drop",
	BuiltinDropExternref:                "drop_externref",
	BuiltinActivationsTableInsertWithGC: "activations_table_insert_with_gc",
	BuiltinExternrefGlobalGet:           "externref_global_get",
	BuiltinExternrefGlobalSet:           "externref_global_set",
	BuiltinTableGrowExternref:           "table_grow_externref",
	BuiltinTableFillFuncref:             "table_fill_funcref",
	BuiltinTableFillExternref:           "table_fill_externref",
	BuiltinMemoryAtomicNotify:           "memory_atomic_notify",
	BuiltinImportedMemoryAtomicNotify:   "imported_memory_atomic_notify",
	BuiltinMemoryAtomicWait32:           "memory_atomic_wait32",
	BuiltinImportedMemoryAtomicWait32:   "imported_memory_atomic_wait32",
	BuiltinMemoryAtomicWait64:           "memory_atomic_wait64",
	BuiltinImportedMemoryAtomicWait64:   "imported_memory_atomic_wait64",
	BuiltinOutOfGas:                     "out_of_gas",
}

// String implements fmt.Stringer.
func (i BuiltinFunctionIndex) String() string {
	if i < builtinFunctionEnd {
		return builtinNames[i]
	}
	return "unknown"
}
