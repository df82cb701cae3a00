// Package traphandlers runs compiled code under protection: a fault or an explicit raise while it runs unwinds to the
// nearest CatchTraps on the goroutine, which returns a Trap instead of letting the fault take down the process.
//
// Goroutines stand in for OS threads. Each goroutine inside CatchTraps has its own chain of CallThreadState, innermost
// last, and compiled code never migrates between goroutines while it runs.
package traphandlers

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/tetratelabs/wasmcore/internal/logging"
	"github.com/tetratelabs/wasmcore/internal/wasmruntime"
)

var (
	// ErrNotInitialized is returned when compiled code is run before Init.
	ErrNotInitialized = errors.New("trap handling is not initialized")
	// ErrNoActiveCall is the panic value of a raise outside CatchTraps.
	ErrNoActiveCall = errors.New("BUG: no active wasm call on this goroutine")
)

// SignalHandler is a custom handler that gets the first look at a fault in compiled code. It returns true if it took
// care of the fault.
type SignalHandler func(f *Fault) bool

// TrapInfo is what the engine tells the trap handler about the store whose code is running.
type TrapInfo interface {
	// CustomSignalHandler calls call with each registered custom handler in registration order, until one returns
	// true. It returns true if one did.
	CustomSignalHandler(call func(SignalHandler) bool) bool
	// OutOfGas is called when compiled code exhausts its fuel. It may raise a trap or add fuel and return.
	OutOfGas()
	// Interrupts returns the interrupt and fuel cell of the store.
	Interrupts() *Interrupts
}

var (
	initOnce    sync.Once
	initialized atomic.Bool
	// isWasmPC is written once by Init and read-only afterwards.
	isWasmPC func(pc uintptr) bool
)

// Init is the one-time process step. isWasmPC reports whether a program counter is inside managed compiled code.
// Calls after the first are no-ops.
func Init(wasmPC func(pc uintptr) bool) {
	initOnce.Do(func() {
		isWasmPC = wasmPC
		initialized.Store(true)
	})
}

// InitThread is the idempotent per-goroutine step. CatchTraps and TLSRestore.Reattach call it lazily, so calling it
// directly is only needed to set the goroutine up ahead of time.
func InitThread() {
	currentThread(true)
}

// thread is the per-goroutine slot: the top of the CallThreadState chain.
type thread struct {
	id  int64
	top *CallThreadState
	// prevPanicOnFault is restored when the chain empties.
	prevPanicOnFault bool
}

var threads sync.Map // goroutine id -> *thread

func currentThread(create bool) *thread {
	id := goid.Get()
	if v, ok := threads.Load(id); ok {
		return v.(*thread)
	}
	if !create {
		return nil
	}
	t := &thread{id: id, prevPanicOnFault: debug.SetPanicOnFault(true)}
	threads.Store(id, t)
	return t
}

func (t *thread) release() {
	debug.SetPanicOnFault(t.prevPanicOnFault)
	threads.Delete(t.id)
}

// CallThreadState is the bookkeeping of one CatchTraps call.
type CallThreadState struct {
	// unwindReason is the reason of an unwind in flight.
	unwindReason any
	// jmpArmed is true while body runs, so a fault can unwind to this state.
	jmpArmed bool
	// handlingTrap guards against a fault while handling a fault.
	handlingTrap bool
	trapInfo     TrapInfo
	prev         *CallThreadState
	// owner is the thread whose chain this state is linked into, or nil while detached.
	owner *thread
}

// hostPanic is the unwind reason of ResumePanic.
type hostPanic struct {
	value any
}

// refusedFault carries a fault that a state refused through the enclosing states on the goroutine, so that none of
// them classifies it again. The outermost state panics with the original value.
type refusedFault struct {
	value any
}

// refuse propagates the fault r to the Go runtime.
func (s *CallThreadState) refuse(r any) {
	if s.prev == nil {
		panic(r)
	}
	panic(refusedFault{value: r})
}

// unwind is the panic value of an explicit raise. Only the CatchTraps that owns state recovers it for good.
type unwind struct {
	state *CallThreadState
}

// CatchTraps runs body, which typically enters compiled code, and returns the Trap it raised, if any.
//
// A fault in managed code or an explicit raise unwinds body without running its pending cleanup beyond deferred
// calls, and is returned as a *Trap. A panic that isn't a trap, including a fault outside managed code, is propagated
// unchanged after the state is popped. If a custom handler takes a fault, body is abandoned and nil is returned: Go
// can't resume the faulting instruction.
func CatchTraps(info TrapInfo, body func()) error {
	if !initialized.Load() {
		return ErrNotInitialized
	}
	t := currentThread(true)
	s := &CallThreadState{trapInfo: info, prev: t.top, owner: t}
	t.top = s
	defer s.pop()
	return s.run(body)
}

func (s *CallThreadState) pop() {
	t := currentThread(false)
	if t == nil {
		return
	}
	// States reattached above s die with it.
	if s.owner == t {
		t.top = s.prev
		s.owner = nil
	}
	if t.top == nil {
		t.release()
	}
}

func (s *CallThreadState) run(body func()) (err error) {
	s.jmpArmed = true
	defer func() {
		if r := recover(); r != nil {
			err = s.unwindFrom(r)
		}
		s.jmpArmed = false
	}()
	body()
	return nil
}

// unwindFrom turns the recovered value r into the result of CatchTraps, or panics again with what must propagate.
func (s *CallThreadState) unwindFrom(r any) error {
	if u, ok := r.(*unwind); ok {
		if u.state != s {
			panic(u) // raised for a state reattached below this one.
		}
		reason := s.unwindReason
		s.unwindReason = nil
		switch reason := reason.(type) {
		case *Trap:
			return reason
		case hostPanic:
			panic(reason.value)
		}
		panic(errors.New("BUG: unwind without a reason"))
	}
	if rf, ok := r.(refusedFault); ok {
		s.refuse(rf.value)
	}

	fault, ok := faultFromPanic(r)
	if !ok {
		panic(r) // host bug
	}
	// The faulting frames are still on the stack below this deferred call, so this is where a signal handler would run.
	switch d, trap := handleFault(fault); d {
	case faultHandled:
		return nil
	case faultUnwind:
		return trap
	default:
		s.refuse(r)
		return nil
	}
}

type faultDisposition uint8

const (
	// faultNotHandled means the fault propagates to the Go runtime, which crashes the process.
	faultNotHandled faultDisposition = iota
	// faultHandled means a custom handler took the fault.
	faultHandled
	// faultUnwind means the fault becomes a Jit trap of the current state.
	faultUnwind
)

// handleFault classifies a fault on the current goroutine, in order:
//  1. a fault while handling a fault is not handled.
//  2. a fault with no armed state is not handled.
//  3. custom handlers get the first look, in registration order.
//  4. a fault outside managed code is not handled.
//  5. anything else is a Jit trap of the current state.
func handleFault(f *Fault) (faultDisposition, *Trap) {
	log := logging.For(logging.LogScopeTrap)

	var s *CallThreadState
	if t := currentThread(false); t != nil {
		s = t.top
	}
	if s != nil && s.handlingTrap {
		log.Debug("fault while handling a fault", zap.Uintptr("pc", f.PC), zap.Uintptr("addr", f.Addr))
		return faultNotHandled, nil
	}
	if s == nil || !s.jmpArmed {
		log.Debug("fault outside of a wasm call", zap.Uintptr("pc", f.PC), zap.Uintptr("addr", f.Addr))
		return faultNotHandled, nil
	}

	s.handlingTrap = true
	defer func() { s.handlingTrap = false }()

	if s.callCustomHandlers(f) {
		log.Debug("fault taken by a custom handler", zap.Uintptr("pc", f.PC), zap.Uintptr("addr", f.Addr))
		return faultHandled, nil
	}

	if isWasmPC == nil || !isWasmPC(f.PC) {
		log.Debug("fault outside managed code", zap.Uintptr("pc", f.PC), zap.Uintptr("addr", f.Addr))
		return faultNotHandled, nil
	}

	trap := &Trap{Kind: TrapKindJit, PC: f.PC, Backtrace: f.backtrace}
	if i := s.trapInfo.Interrupts(); i != nil {
		trap.MaybeInterrupted = i.Interrupted()
	}
	return faultUnwind, trap
}

// callCustomHandlers runs the custom handlers with the guard set, so that a fault inside one is not handled by this
// state or an enclosing one.
func (s *CallThreadState) callCustomHandlers(f *Fault) bool {
	defer func() {
		if r := recover(); r != nil {
			if fault, ok := faultFromPanic(r); ok {
				handleFault(fault)
				s.refuse(r)
			}
			panic(r)
		}
	}()
	return s.trapInfo.CustomSignalHandler(func(h SignalHandler) bool { return h(f) })
}

// current returns the innermost state of this goroutine or panics with ErrNoActiveCall.
func current() *CallThreadState {
	if t := currentThread(false); t != nil && t.top != nil {
		return t.top
	}
	panic(ErrNoActiveCall)
}

func raise(reason any) {
	s := current()
	s.unwindReason = reason
	panic(&unwind{state: s})
}

// RaiseUserTrap unwinds to the innermost CatchTraps, which returns err as a user trap. It never returns.
func RaiseUserTrap(err error) {
	raise(&Trap{Kind: TrapKindUser, Err: err, Backtrace: captureBacktrace(1)})
}

// RaiseLibTrap unwinds to the innermost CatchTraps, which returns trap. A nil backtrace is captured here. It never
// returns.
func RaiseLibTrap(trap *Trap) {
	if trap.Backtrace == nil {
		trap.Backtrace = captureBacktrace(1)
	}
	raise(trap)
}

// RaiseWasmTrap unwinds to the innermost CatchTraps, which returns a wasm trap of the given code. It never returns.
func RaiseWasmTrap(code wasmruntime.TrapCode) {
	raise(&Trap{Kind: TrapKindWasm, Code: code, Backtrace: captureBacktrace(1)})
}

// RaiseOOM unwinds to the innermost CatchTraps, which returns an out of memory trap. It never returns.
func RaiseOOM() {
	raise(&Trap{Kind: TrapKindOOM, Backtrace: captureBacktrace(1)})
}

// ResumePanic unwinds to the innermost CatchTraps, which pops its state and panics with v. This carries a panic of
// host code called from compiled code across the compiled frames. It never returns.
func ResumePanic(v any) {
	raise(hostPanic{value: v})
}

// OutOfGas is called by compiled code when its fuel is exhausted. It delegates to the TrapInfo of the innermost call.
func OutOfGas() {
	current().trapInfo.OutOfGas()
}

// WithLastInfo calls fn with the TrapInfo of the innermost call on this goroutine, or nil if there is none.
func WithLastInfo(fn func(TrapInfo)) {
	var info TrapInfo
	if t := currentThread(false); t != nil && t.top != nil {
		info = t.top.trapInfo
	}
	fn(info)
}

// TLSRestore is the token of a detached CallThreadState.
type TLSRestore struct {
	state *CallThreadState
}

// Detach unlinks the innermost state from this goroutine, so that the call can be resumed elsewhere, and makes its
// predecessor current again. It panics with ErrNoActiveCall if there is no state.
func Detach() *TLSRestore {
	s := current()
	t := s.owner
	t.top = s.prev
	s.prev = nil
	s.owner = nil
	if t.top == nil {
		t.release()
	}
	return &TLSRestore{state: s}
}

// Reattach links the detached state after whatever is current on this goroutine, which may not be the goroutine it
// was detached from.
func (r *TLSRestore) Reattach() error {
	if !initialized.Load() {
		return ErrNotInitialized
	}
	if r.state.owner != nil {
		return errors.New("state is already attached")
	}
	t := currentThread(true)
	r.state.prev = t.top
	r.state.owner = t
	t.top = r.state
	return nil
}
