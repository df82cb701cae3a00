package wasmcore

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/tetratelabs/wasmcore/internal/traphandlers"
)

// ErrOutOfFuel is the reason of the Trap raised when compiled code exhausts the fuel of its Store.
var ErrOutOfFuel = errors.New("all fuel consumed by WebAssembly")

// Store groups instances that may call each other, and which share an interrupt and fuel budget. Compiled code of a
// Store runs on one goroutine at a time.
type Store struct {
	engine     *Engine
	interrupts *traphandlers.Interrupts

	mux sync.Mutex
	// instances are in instantiation order, which is the order their signal handlers are consulted in.
	instances []*Instance
}

// NewStore returns an empty Store.
func (e *Engine) NewStore() *Store {
	return &Store{engine: e, interrupts: traphandlers.NewInterrupts()}
}

// Engine returns the engine of the store.
func (s *Store) Engine() *Engine {
	return s.engine
}

// Call runs body, which calls compiled code of the instances of the store. A trap while body runs unwinds to Call,
// which returns it as a *Trap. A panic of host code called from compiled code is re-panicked with its value.
//
// The outermost Call of the store sets the stack limit of compiled code to EngineConfig.WithMaxWasmStack bytes below
// its own frame, and removes it on return.
func (s *Store) Call(body func()) error {
	var sp uintptr
	restore := s.interrupts.LimitStack(uintptr(unsafe.Pointer(&sp)), s.engine.config.maxWasmStack)
	defer restore()

	err := traphandlers.CatchTraps((*trapInfo)(s), body)
	var t *traphandlers.Trap
	if errors.As(err, &t) {
		return newTrap(s.engine.registry, t)
	}
	return err
}

// InterruptHandle returns a handle that interrupts compiled code of the store from any goroutine.
func (s *Store) InterruptHandle() *InterruptHandle {
	return &InterruptHandle{interrupts: s.interrupts}
}

// AddFuel extends the fuel budget of the store. Compiled code that consumes fuel traps with ErrOutOfFuel once the
// budget is exhausted.
func (s *Store) AddFuel(fuel uint64) {
	s.interrupts.AddFuel(fuel)
}

// FuelRemaining returns the units of fuel left.
func (s *Store) FuelRemaining() uint64 {
	return s.interrupts.FuelRemaining()
}

// FuelConsumed returns the fuel counter compiled code adds to. It is negative while fuel remains.
func (s *Store) FuelConsumed() int64 {
	return s.interrupts.FuelConsumed()
}

// Close closes every instance of the store, returning the first error.
func (s *Store) Close() (err error) {
	s.mux.Lock()
	instances := s.instances
	s.instances = nil
	s.mux.Unlock()

	for _, i := range instances {
		if e := i.close(false); e != nil && err == nil {
			err = e
		}
	}
	return
}

func (s *Store) add(i *Instance) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.instances = append(s.instances, i)
}

func (s *Store) remove(i *Instance) {
	s.mux.Lock()
	defer s.mux.Unlock()
	for j, si := range s.instances {
		if si == i {
			s.instances = append(s.instances[:j], s.instances[j+1:]...)
			return
		}
	}
}

// trapInfo is the view of a Store the trap handler uses.
type trapInfo Store

// CustomSignalHandler implements traphandlers.TrapInfo.CustomSignalHandler
func (s *trapInfo) CustomSignalHandler(call func(traphandlers.SignalHandler) bool) bool {
	s.mux.Lock()
	var handlers []traphandlers.SignalHandler
	for _, i := range s.instances {
		if h := i.signalHandler(); h != nil {
			handlers = append(handlers, h)
		}
	}
	s.mux.Unlock()

	for _, h := range handlers {
		if call(h) {
			return true
		}
	}
	return false
}

// OutOfGas implements traphandlers.TrapInfo.OutOfGas
func (s *trapInfo) OutOfGas() {
	traphandlers.RaiseUserTrap(ErrOutOfFuel)
}

// Interrupts implements traphandlers.TrapInfo.Interrupts
func (s *trapInfo) Interrupts() *traphandlers.Interrupts {
	return s.interrupts
}

// InterruptHandle interrupts compiled code of a Store.
type InterruptHandle struct {
	interrupts *traphandlers.Interrupts
}

// Interrupt makes compiled code of the store trap with TrapCodeInterrupt at its next stack check. It is safe to call
// from any goroutine, and the interrupt stays pending until Reset.
func (h *InterruptHandle) Interrupt() {
	h.interrupts.Interrupt()
}

// Reset clears a pending interrupt.
func (h *InterruptHandle) Reset() {
	h.interrupts.ResetInterrupt()
}
