package wasmcore

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmcore/internal/allocator"
	"github.com/tetratelabs/wasmcore/internal/logging"
	"github.com/tetratelabs/wasmcore/internal/traphandlers"
	"github.com/tetratelabs/wasmcore/internal/wasm"
)

// Imports are the resolved imports of an instance, in index order.
type Imports = allocator.Imports

// FunctionImport is the machine code and VM context of an imported function.
type FunctionImport = allocator.FunctionImport

// Memory is a linear memory of an instance.
type Memory = allocator.Memory

// Table is a table of function references of an instance.
type Table = allocator.Table

// Fault is a hardware fault seen by a SignalHandler.
type Fault = traphandlers.Fault

// SignalHandler gets the first look at a fault while compiled code of a Store runs. It returns true if it took care
// of the fault, in which case Store.Call returns nil.
type SignalHandler = traphandlers.SignalHandler

// ErrClosed is returned when using a closed instance.
var ErrClosed = errors.New("instance is closed")

// Instance is an instantiated Module. Its VM context stays at the same address until Close.
type Instance struct {
	store  *Store
	module *Module
	handle *allocator.InstanceHandle

	mux     sync.Mutex
	handler SignalHandler
}

// Instantiate allocates an instance of m in the store and initializes its VM context.
func (s *Store) Instantiate(m *Module, imports Imports) (*Instance, error) {
	e := s.engine
	h, err := e.allocator.Allocate(&allocator.AllocationRequest{
		Module:           m.shape,
		Offsets:          &m.offsets,
		Imports:          imports,
		SharedSignatures: m.signatures,
		Functions:        m.functions,
		Interrupts:       s.interrupts,
		Builtins:         e.builtins,
	})
	if err != nil {
		return nil, err
	}
	i := &Instance{store: s, module: m, handle: h}
	s.add(i)
	return i, nil
}

// Module returns the module of the instance.
func (i *Instance) Module() *Module {
	return i.module
}

// withHandle calls fn with the handle of the instance, holding off Close until fn returns. It panics with ErrClosed
// after Close.
func (i *Instance) withHandle(fn func(h *allocator.InstanceHandle)) {
	i.mux.Lock()
	defer i.mux.Unlock()
	if i.handle == nil {
		panic(ErrClosed)
	}
	fn(i.handle)
}

// VMContext returns the address of the VM context, which compiled code of the instance receives. Like the other
// accessors of the instance, it panics with ErrClosed after Close.
func (i *Instance) VMContext() (vmctx uintptr) {
	i.withHandle(func(h *allocator.InstanceHandle) { vmctx = h.VMContextPtr() })
	return
}

// Memory returns the defined memory at index. It must not be used after Close.
func (i *Instance) Memory(index wasm.Index) (m *Memory) {
	i.withHandle(func(h *allocator.InstanceHandle) { m = h.Memory(index) })
	return
}

// Table returns the defined table at index. It must not be used after Close.
func (i *Instance) Table(index wasm.Index) (t *Table) {
	i.withHandle(func(h *allocator.InstanceHandle) { t = h.Table(index) })
	return
}

// Global returns the raw bits of the defined global at index, low half first.
func (i *Instance) Global(index wasm.Index) (v [2]uint64) {
	i.withHandle(func(h *allocator.InstanceHandle) { v = h.Global(index) })
	return
}

// SetGlobal sets the raw bits of the defined global at index.
func (i *Instance) SetGlobal(index wasm.Index, v [2]uint64) {
	i.withHandle(func(h *allocator.InstanceHandle) { h.SetGlobal(index, v) })
}

// FunctionImport returns what an instance importing the function at index needs, e.g. to fill Imports.Functions.
// The function must be defined by this instance, not imported.
func (i *Instance) FunctionImport(index wasm.Index) (f FunctionImport) {
	i.withHandle(func(h *allocator.InstanceHandle) {
		f = FunctionImport{Body: h.AnyfuncBody(index), VMContext: h.VMContextPtr()}
	})
	return
}

// SetSignalHandler sets the custom signal handler of the instance, or removes it if nil.
func (i *Instance) SetSignalHandler(h SignalHandler) {
	i.mux.Lock()
	defer i.mux.Unlock()
	i.handler = h
}

func (i *Instance) signalHandler() SignalHandler {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.handler
}

// Close returns the memory of the instance to the engine. Using the instance afterwards is an error.
func (i *Instance) Close() error {
	return i.close(true)
}

func (i *Instance) close(removeFromStore bool) error {
	i.mux.Lock()
	h := i.handle
	i.handle = nil
	i.mux.Unlock()
	if h == nil {
		return ErrClosed
	}
	if removeFromStore {
		i.store.remove(i)
	}
	i.store.engine.allocator.Deallocate(h)
	logging.Logger().Debug("closed instance", zap.String("module", i.module.Name()))
	return nil
}
