// Package wasm holds the static shape of a compiled module: what the layout calculator and the instance allocator
// need to know about it. Decoding and validation happen elsewhere; by the time a Module reaches this package every
// index in it is valid.
package wasm

import (
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// PageSize is the unit of memory length in WebAssembly, and is defined as 2^16 = 65536.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
const PageSize = uint64(65536)

// MemoryLimitPages is the maximum number of pages defined (2^16) for a 32-bit memory.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
const MemoryLimitPages = uint32(65536)

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section. This is
// because index namespaces are often preceded by a corresponding type in the Module.ImportSection.
//
// For example, the function index namespace starts with any ImportKindFunc in the Module.ImportSection followed by
// the Module.FunctionSection
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-index
type Index = uint32

// ValueType is a wazero api.ValueType, re-declared so callers of this package need not import the api package.
type ValueType = api.ValueType

// ValueTypeV128 is the 128-bit vector type, which the public api package does not define.
const ValueTypeV128 ValueType = 0x7b

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	Results []ValueType
}

// String returns a compact key such as "i32i32_i64", or "v_v" for the empty signature.
func (t *FunctionType) String() string {
	var b strings.Builder
	writeTypes(&b, t.Params)
	b.WriteByte('_')
	writeTypes(&b, t.Results)
	return b.String()
}

func writeTypes(b *strings.Builder, types []ValueType) {
	if len(types) == 0 {
		b.WriteByte('v')
		return
	}
	for _, vt := range types {
		b.WriteString(ValueTypeName(vt))
	}
}

// ValueTypeName is like api.ValueTypeName, but also knows v128.
func ValueTypeName(t ValueType) string {
	if t == ValueTypeV128 {
		return "v128"
	}
	return api.ValueTypeName(t)
}

// Table describes a defined table. Elements are always function references.
type Table struct {
	// Min is the initial number of elements.
	Min uint32
	// Max is the maximum number of elements, or nil when the table is unbounded.
	Max *uint32
}

// Memory describes a defined linear memory in units of PageSize.
type Memory struct {
	// Min is the initial number of pages.
	Min uint32
	// Max is the maximum number of pages, or nil when the memory may grow up to MemoryLimitPages.
	Max *uint32
}

// MaxPages returns Max if set, or MemoryLimitPages.
func (m *Memory) MaxPages() uint32 {
	if m.Max != nil {
		return *m.Max
	}
	return MemoryLimitPages
}

// GlobalType is the type of a global.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a defined global with its constant initial value. Init holds the raw bits, little half first, so that a
// v128 fits.
type Global struct {
	Type GlobalType
	Init [2]uint64
}

// Module is the shape of a compiled WebAssembly module.
//
// The function index namespace begins with imported functions and ends with those defined in this module. The same
// holds for tables, memories and globals.
type Module struct {
	// Name is the module name used in stack traces. It may be empty.
	Name string

	// Types are the unique function types of the module. The index of a type in this slice is its type index.
	Types []FunctionType

	// ImportedFunctions holds the type index of each imported function.
	ImportedFunctions []Index
	// ImportedTables is the count of imported tables.
	ImportedTables uint32
	// ImportedMemories is the count of imported memories.
	ImportedMemories uint32
	// ImportedGlobals is the count of imported globals.
	ImportedGlobals uint32

	// Functions holds the type index of each function defined in this module.
	Functions []Index
	// Tables are the tables defined in this module.
	Tables []Table
	// Memories are the memories defined in this module.
	Memories []Memory
	// Globals are the globals defined in this module.
	Globals []Global

	// FunctionNames are names from the custom name section, keyed by function index.
	FunctionNames map[Index]string
}

// ImportFuncCount returns the count of imported functions.
func (m *Module) ImportFuncCount() uint32 {
	return uint32(len(m.ImportedFunctions))
}

// TotalFuncCount returns the count of functions in the function index namespace.
func (m *Module) TotalFuncCount() uint32 {
	return uint32(len(m.ImportedFunctions) + len(m.Functions))
}

// TypeOfFunction returns the type index of the function at funcIdx, imported or defined.
func (m *Module) TypeOfFunction(funcIdx Index) Index {
	if imported := m.ImportFuncCount(); funcIdx < imported {
		return m.ImportedFunctions[funcIdx]
	} else {
		return m.Functions[funcIdx-imported]
	}
}

// FunctionName returns the name from the name section, or the empty string.
func (m *Module) FunctionName(funcIdx Index) string {
	if m.FunctionNames == nil {
		return ""
	}
	return m.FunctionNames[funcIdx]
}

// DefinedFunctionIndex returns the position in Functions of funcIdx, or false when funcIdx is imported.
func (m *Module) DefinedFunctionIndex(funcIdx Index) (Index, bool) {
	imported := m.ImportFuncCount()
	if funcIdx < imported {
		return 0, false
	}
	return funcIdx - imported, true
}
