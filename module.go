package wasmcore

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmcore/internal/codemap"
	"github.com/tetratelabs/wasmcore/internal/logging"
	"github.com/tetratelabs/wasmcore/internal/platform"
	"github.com/tetratelabs/wasmcore/internal/vmoffsets"
	"github.com/tetratelabs/wasmcore/internal/wasm"
)

// ModuleShape is the static shape of a compiled module: its types, imports and definitions.
type ModuleShape = wasm.Module

// FunctionType is a function signature.
type FunctionType = wasm.FunctionType

// TrapSite marks an instruction that faults on purpose, and which trap it stands for.
type TrapSite = codemap.TrapSite

// AddressMapping maps a machine instruction back to the wasm binary.
type AddressMapping = codemap.AddressMapping

// CompiledFunction is the machine code of a defined function.
type CompiledFunction struct {
	// Code is the machine code. It is copied into executable memory by Engine.NewModule.
	Code []byte
	// TrapSites are offsets into Code, sorted.
	TrapSites []TrapSite
	// AddressMap is sorted by code offset.
	AddressMap []AddressMapping
	// BodyOffset is the module-relative offset of the function body.
	BodyOffset uint64
}

// CompiledCode is the output of a compiler for one module.
type CompiledCode struct {
	// Functions are in the order of ModuleShape.Functions.
	Functions []CompiledFunction
	// DWARF is the debug info of the module, or nil. Stack traces include source lines when set.
	DWARF *dwarf.Data
}

// codeAlignment is the alignment of each function in the code segment.
const codeAlignment = 16

// Module is a compiled module, ready to be instantiated in a Store.
type Module struct {
	engine  *Engine
	shape   *wasm.Module
	offsets vmoffsets.VMOffsets
	// signatures are the engine-wide ids of shape.Types.
	signatures []uint32
	// functions are the addresses of the defined functions.
	functions []uintptr

	mux      sync.Mutex
	code     []byte
	compiled *codemap.CompiledModule
	closed   bool
}

// NewModule validates shape against the module limits, lays out its VM context and maps code executable. code may
// be nil for a module without defined functions, in which case the function bodies are null.
func (e *Engine) NewModule(shape *ModuleShape, code *CompiledCode) (*Module, error) {
	if shape == nil {
		return nil, errors.New("nil module shape")
	}
	if err := e.allocator.ValidateModule(shape); err != nil {
		return nil, err
	}
	offsets, err := vmoffsets.New(ptrSize, shape)
	if err != nil {
		return nil, err
	}
	m := &Module{
		engine:     e,
		shape:      shape,
		offsets:    offsets,
		signatures: e.signatures.register(shape.Types),
		functions:  make([]uintptr, len(shape.Functions)),
	}
	if code != nil && len(code.Functions) > 0 {
		if len(code.Functions) != len(shape.Functions) {
			return nil, fmt.Errorf("module %q defines %d functions, but %d were compiled",
				shape.Name, len(shape.Functions), len(code.Functions))
		}
		if err = m.mapCode(code); err != nil {
			return nil, err
		}
	}
	logging.Logger().Debug("created module", zap.String("module", shape.Name),
		zap.Uint32("vmctx_size", offsets.SizeOfVMContext()), zap.Int("code_size", len(m.code)))
	return m, nil
}

func (m *Module) mapCode(code *CompiledCode) error {
	var buf []byte
	starts := make([]int, len(code.Functions))
	for i := range code.Functions {
		if len(code.Functions[i].Code) == 0 {
			return fmt.Errorf("function %d of module %q is empty", i, m.shape.Name)
		}
		for len(buf)%codeAlignment != 0 {
			buf = append(buf, 0)
		}
		starts[i] = len(buf)
		buf = append(buf, code.Functions[i].Code...)
	}
	executable, err := platform.MmapCodeSegment(buf)
	if err != nil {
		return fmt.Errorf("failed to map the code of module %q: %w", m.shape.Name, err)
	}
	base := codeBase(executable)

	compiled := &codemap.CompiledModule{Name: m.shape.Name, DWARF: code.DWARF}
	imported := m.shape.ImportFuncCount()
	for i := range code.Functions {
		f := &code.Functions[i]
		index := imported + wasm.Index(i)
		start := base + uintptr(starts[i])
		m.functions[i] = start
		compiled.Functions = append(compiled.Functions, codemap.Function{
			Index:      index,
			Name:       m.shape.FunctionName(index),
			Type:       &m.shape.Types[m.shape.Functions[i]],
			Start:      start,
			Len:        uintptr(len(f.Code)),
			BodyOffset: f.BodyOffset,
			TrapSites:  f.TrapSites,
			AddressMap: f.AddressMap,
		})
	}
	if err = m.engine.registry.Register(compiled); err != nil {
		_ = platform.MunmapCodeSegment(executable)
		return err
	}
	m.code, m.compiled = executable, compiled
	return nil
}

func codeBase(code []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(code)))
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.shape.Name
}

// Shape returns the shape the module was created with.
func (m *Module) Shape() *ModuleShape {
	return m.shape
}

// VMContextSize returns the size of the VM context of each instance.
func (m *Module) VMContextSize() uint32 {
	return m.offsets.SizeOfVMContext()
}

// FunctionAddress returns the address of the machine code of the defined function at index, or zero when the
// module has no code.
func (m *Module) FunctionAddress(index wasm.Index) uintptr {
	return m.functions[index]
}

// Close unmaps the code of the module. Every instance of the module must be closed first.
func (m *Module) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.compiled == nil {
		return nil
	}
	m.engine.registry.Unregister(m.compiled)
	err := platform.MunmapCodeSegment(m.code)
	m.code, m.compiled = nil, nil
	return err
}
