// Package codemap tracks where compiled WebAssembly functions live in memory. It answers whether a program counter
// belongs to managed code, which trap a faulting instruction stands for, and which wasm frame a native return address
// maps to.
package codemap

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wasmcore/internal/wasm"
	"github.com/tetratelabs/wasmcore/internal/wasmdebug"
	"github.com/tetratelabs/wasmcore/internal/wasmruntime"
)

// ErrOverlap is returned by Registry.Register when a module overlaps one already registered.
var ErrOverlap = errors.New("compiled code overlaps a registered module")

// TrapSite marks an instruction that faults on purpose, e.g. a bounds check or an `unreachable`.
type TrapSite struct {
	// Offset is the offset of the instruction from Function.Start.
	Offset uint32
	Code   wasmruntime.TrapCode
}

// AddressMapping maps an instruction back to the wasm binary.
type AddressMapping struct {
	// CodeOffset is the offset of the machine instruction from Function.Start.
	CodeOffset uint32
	// WasmOffset is the module-relative offset of the wasm instruction it was generated from.
	WasmOffset uint64
}

// Function is the machine code of one defined function.
type Function struct {
	// Index is the position in the function index namespace, including imported functions.
	Index wasm.Index
	// Name is from the name section, possibly empty.
	Name string
	// Type is the signature, used to render stack traces. It may be nil.
	Type *wasm.FunctionType
	// Start is the address of the first instruction.
	Start uintptr
	// Len is the length of the machine code in bytes.
	Len uintptr
	// BodyOffset is the module-relative offset of the function body, used when AddressMap has no entry for a PC.
	BodyOffset uint64
	// TrapSites are sorted by Offset.
	TrapSites []TrapSite
	// AddressMap is sorted by CodeOffset.
	AddressMap []AddressMapping
}

func (f *Function) contains(pc uintptr) bool {
	return pc >= f.Start && pc-f.Start < f.Len
}

// wasmOffset returns the module-relative offset of the wasm instruction that pc was generated from.
func (f *Function) wasmOffset(pc uintptr) uint64 {
	off := uint32(pc - f.Start)
	i := sort.Search(len(f.AddressMap), func(i int) bool { return f.AddressMap[i].CodeOffset > off })
	if i == 0 {
		return f.BodyOffset
	}
	return f.AddressMap[i-1].WasmOffset
}

// trapCode returns the code of the trap site at exactly pc.
func (f *Function) trapCode(pc uintptr) (wasmruntime.TrapCode, bool) {
	off := uint32(pc - f.Start)
	i := sort.Search(len(f.TrapSites), func(i int) bool { return f.TrapSites[i].Offset >= off })
	if i < len(f.TrapSites) && f.TrapSites[i].Offset == off {
		return f.TrapSites[i].Code, true
	}
	return 0, false
}

// CompiledModule is the compiled code of one module.
type CompiledModule struct {
	// Name is the module name used in stack traces.
	Name string
	// Functions must not overlap. They are sorted on registration.
	Functions []Function
	// DWARF is the debug info of the module, or nil.
	DWARF *dwarf.Data

	start, end uintptr
}

func (m *CompiledModule) init() error {
	if len(m.Functions) == 0 {
		return fmt.Errorf("module %q has no functions", m.Name)
	}
	sort.Slice(m.Functions, func(i, j int) bool { return m.Functions[i].Start < m.Functions[j].Start })
	m.start = m.Functions[0].Start
	for i := range m.Functions {
		f := &m.Functions[i]
		if f.Len == 0 {
			return fmt.Errorf("function %d of module %q is empty", f.Index, m.Name)
		}
		if i > 0 && m.Functions[i-1].Start+m.Functions[i-1].Len > f.Start {
			return fmt.Errorf("functions %d and %d of module %q overlap", m.Functions[i-1].Index, f.Index, m.Name)
		}
		m.end = f.Start + f.Len
	}
	return nil
}

func (m *CompiledModule) function(pc uintptr) *Function {
	i := sort.Search(len(m.Functions), func(i int) bool {
		f := &m.Functions[i]
		return f.Start+f.Len > pc
	})
	if i < len(m.Functions) && m.Functions[i].contains(pc) {
		return &m.Functions[i]
	}
	return nil
}

// Frame is a wasm frame resolved from a native program counter.
type Frame struct {
	Module *CompiledModule
	Func   *Function
	// PC is the program counter used for the lookup.
	PC uintptr
	// WasmOffset is the module-relative offset of the instruction at PC.
	WasmOffset uint64
}

// FuncName returns the name of the function in the form rendered in stack traces.
func (f *Frame) FuncName() string {
	return wasmdebug.FuncName(f.Module.Name, f.Func.Name, f.Func.Index)
}

// SourceLines returns the DWARF source lines of the frame, or nil.
func (f *Frame) SourceLines() []string {
	return wasmdebug.SourceLines(f.Module.DWARF, f.WasmOffset)
}

// AddTo appends the frame to the stack trace.
func (f *Frame) AddTo(st *wasmdebug.StackTrace) {
	var params, results []wasm.ValueType
	if t := f.Func.Type; t != nil {
		params, results = t.Params, t.Results
	}
	st.AddFrame(f.FuncName(), params, results, f.WasmOffset, f.SourceLines())
}

// Registry holds the compiled modules currently mapped in the process. It is safe for concurrent use.
type Registry struct {
	mux sync.RWMutex
	// modules are sorted by start address and never overlap.
	modules []*CompiledModule
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

var global = NewRegistry()

// Global returns the process-wide Registry consulted by the trap handler.
func Global() *Registry {
	return global
}

// Register adds m. The functions of m are sorted in place.
func (r *Registry) Register(m *CompiledModule) error {
	if err := m.init(); err != nil {
		return err
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	i := sort.Search(len(r.modules), func(i int) bool { return r.modules[i].start >= m.start })
	if i > 0 && r.modules[i-1].end > m.start {
		return fmt.Errorf("%w: %q and %q", ErrOverlap, r.modules[i-1].Name, m.Name)
	}
	if i < len(r.modules) && r.modules[i].start < m.end {
		return fmt.Errorf("%w: %q and %q", ErrOverlap, m.Name, r.modules[i].Name)
	}
	r.modules = append(r.modules, nil)
	copy(r.modules[i+1:], r.modules[i:])
	r.modules[i] = m
	return nil
}

// Unregister removes m, if registered.
func (r *Registry) Unregister(m *CompiledModule) {
	r.mux.Lock()
	defer r.mux.Unlock()

	for i, rm := range r.modules {
		if rm == m {
			r.modules = append(r.modules[:i], r.modules[i+1:]...)
			return
		}
	}
}

func (r *Registry) lookup(pc uintptr) (*CompiledModule, *Function) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	i := sort.Search(len(r.modules), func(i int) bool { return r.modules[i].end > pc })
	if i == len(r.modules) || pc < r.modules[i].start {
		return nil, nil
	}
	m := r.modules[i]
	return m, m.function(pc)
}

// IsWasmPC returns true if pc is inside the code of a registered function.
func (r *Registry) IsWasmPC(pc uintptr) bool {
	_, f := r.lookup(pc)
	return f != nil
}

// LookupFrame resolves pc to a wasm frame.
func (r *Registry) LookupFrame(pc uintptr) (Frame, bool) {
	m, f := r.lookup(pc)
	if f == nil {
		return Frame{}, false
	}
	return Frame{Module: m, Func: f, PC: pc, WasmOffset: f.wasmOffset(pc)}, true
}

// LookupTrapCode returns the code of the trap site at pc. It returns false for a fault at an instruction that is not
// a trap site, such as a guard page hit by a stack check.
func (r *Registry) LookupTrapCode(pc uintptr) (wasmruntime.TrapCode, bool) {
	_, f := r.lookup(pc)
	if f == nil {
		return 0, false
	}
	return f.trapCode(pc)
}

// Symbolicate resolves the wasm frames of a native backtrace, innermost first. Frames outside managed code, such as
// the host frames between nested calls, are skipped.
//
// PCs are in the form returned by runtime.Callers: one past the instruction of the frame, be it a call or, for the
// frame that faulted, the faulting instruction. Each is looked up one byte earlier.
func (r *Registry) Symbolicate(backtrace []uintptr) []Frame {
	var frames []Frame
	for _, pc := range backtrace {
		if frame, ok := r.LookupFrame(pc - 1); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}
