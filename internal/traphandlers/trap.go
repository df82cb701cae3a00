package traphandlers

import (
	"fmt"
	"runtime"

	"github.com/tetratelabs/wasmcore/internal/wasmruntime"
)

// TrapKind tells which fields of a Trap are set.
type TrapKind uint8

const (
	// TrapKindUser is an error raised by the embedder, e.g. from a host function. Err is set.
	TrapKindUser TrapKind = iota
	// TrapKindJit is a hardware fault in compiled code. PC and MaybeInterrupted are set.
	TrapKindJit
	// TrapKindWasm is a trap raised explicitly by a runtime library routine. Code is set.
	TrapKindWasm
	// TrapKindOOM is an allocation failure in a runtime library routine.
	TrapKindOOM
)

// String implements fmt.Stringer.
func (k TrapKind) String() string {
	switch k {
	case TrapKindUser:
		return "user"
	case TrapKindJit:
		return "jit"
	case TrapKindWasm:
		return "wasm"
	case TrapKindOOM:
		return "oom"
	}
	return fmt.Sprintf("<unknown=%d>", k)
}

// Trap is why a protected call unwound. Traps are immutable once built.
type Trap struct {
	Kind TrapKind
	// Err is the error of a TrapKindUser trap.
	Err error
	// PC is the faulting instruction of a TrapKindJit trap.
	PC uintptr
	// MaybeInterrupted is set on a TrapKindJit trap when an interrupt was pending. A fault at the stack guard then
	// most likely means compiled code noticed the interrupt rather than overflowed.
	MaybeInterrupted bool
	// Code is the category of a TrapKindWasm trap.
	Code wasmruntime.TrapCode
	// Backtrace is captured when the trap is built, innermost first.
	Backtrace Backtrace
}

// Error implements error. Callers normally convert a Trap into a user facing error that carries a symbolic wasm
// stack trace instead of returning it directly.
func (t *Trap) Error() string {
	switch t.Kind {
	case TrapKindUser:
		return t.Err.Error()
	case TrapKindJit:
		return fmt.Sprintf("wasm trap: fault at pc %#x", t.PC)
	case TrapKindWasm:
		return "wasm trap: " + t.Code.Error()
	case TrapKindOOM:
		return "out of memory"
	}
	return "wasm trap"
}

// Unwrap returns Err of a user trap or Code of a wasm trap.
func (t *Trap) Unwrap() error {
	switch t.Kind {
	case TrapKindUser:
		return t.Err
	case TrapKindWasm:
		return t.Code
	}
	return nil
}

// Backtrace holds unresolved program counters in the form returned by runtime.Callers: each is one past the
// instruction of its frame. For the faulting frame of a Jit trap, that instruction is Trap.PC itself rather than a
// call.
type Backtrace []uintptr

// Frames resolves the Go frames of the backtrace, which is mostly useful to debug host code.
func (b Backtrace) Frames() *runtime.Frames {
	return runtime.CallersFrames(b)
}

// captureBacktrace returns the backtrace starting at its caller, skipping skip more frames.
func captureBacktrace(skip int) Backtrace {
	pcs := make([]uintptr, 64)
	for {
		n := runtime.Callers(skip+2, pcs)
		if n < len(pcs) {
			return pcs[:n:n]
		}
		pcs = make([]uintptr, 2*len(pcs))
	}
}
