// Package wasmcore is the execution core of a WebAssembly runtime: it lays out and allocates instances for compiled
// code, and runs that code so that faults become errors instead of crashes.
//
// An Engine owns the allocation strategy. Modules hold compiled code, Stores group the instances that may call each
// other, and Store.Call runs compiled code of its instances.
package wasmcore

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmcore/internal/allocator"
	"github.com/tetratelabs/wasmcore/internal/codemap"
	"github.com/tetratelabs/wasmcore/internal/libcalls"
	"github.com/tetratelabs/wasmcore/internal/logging"
	"github.com/tetratelabs/wasmcore/internal/traphandlers"
	"github.com/tetratelabs/wasmcore/internal/wasm"
)

// ptrSize is the pointer size of the host, which compiled code targets.
const ptrSize = uint8(unsafe.Sizeof(uintptr(0)))

var (
	// ErrLimitExceeded is wrapped by errors about a module whose shape exceeds the configured ModuleLimits.
	ErrLimitExceeded = allocator.ErrLimitExceeded
	// ErrPoolExhausted is wrapped by the instantiation error when every slot of the pooling allocator is in use.
	ErrPoolExhausted = allocator.ErrPoolExhausted
	// ErrInvalidLimits is wrapped by NewEngine errors about limits that can't be satisfied.
	ErrInvalidLimits = allocator.ErrInvalidLimits
)

// Engine compiles nothing itself: it owns the instance allocator and the registry of compiled code that the trap
// handler consults. It is safe for concurrent use.
type Engine struct {
	config     *engineConfig
	allocator  allocator.InstanceAllocator
	registry   *codemap.Registry
	signatures *signatureRegistry
	builtins   []uintptr
}

// NewEngine returns an Engine configured by config, or NewEngineConfig if nil.
//
// The first engine initializes trap handling for the process.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config == nil {
		config = NewEngineConfig()
	}
	c := config.(*engineConfig)
	if c.err != nil {
		return nil, c.err
	}
	if c.logger != nil {
		scopes, _ := logging.ParseLogScopes(c.logScopes)
		logging.SetLogger(c.logger, scopes)
	}

	registry := codemap.Global()
	traphandlers.Init(registry.IsWasmPC)

	a, err := c.newAllocator()
	if err != nil {
		return nil, err
	}
	logging.Logger().Debug("created engine", zap.Stringer("strategy", c.strategy))
	return &Engine{
		config:     c,
		allocator:  a,
		registry:   registry,
		signatures: newSignatureRegistry(),
		builtins:   libcalls.Builtins(),
	}, nil
}

// Config returns the configuration of the engine.
func (e *Engine) Config() EngineConfig {
	return e.config
}

// Close releases the address space reserved by the engine. Every instance must be closed first.
func (e *Engine) Close() error {
	return e.allocator.Close()
}

// signatureRegistry assigns engine-wide ids to function types, so that an indirect call can compare signatures of
// different modules by id.
type signatureRegistry struct {
	mux sync.Mutex
	ids map[string]uint32
}

func newSignatureRegistry() *signatureRegistry {
	return &signatureRegistry{ids: map[string]uint32{}}
}

// register returns the ids of types in order. Equal types get the same id.
func (r *signatureRegistry) register(types []wasm.FunctionType) []uint32 {
	r.mux.Lock()
	defer r.mux.Unlock()

	ids := make([]uint32, len(types))
	for i := range types {
		key := types[i].String()
		id, ok := r.ids[key]
		if !ok {
			id = uint32(len(r.ids))
			r.ids[key] = id
		}
		ids[i] = id
	}
	return ids
}
