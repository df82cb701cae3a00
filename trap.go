package wasmcore

import (
	"errors"
	"strings"

	"github.com/tetratelabs/wasmcore/internal/codemap"
	"github.com/tetratelabs/wasmcore/internal/traphandlers"
	"github.com/tetratelabs/wasmcore/internal/wasmdebug"
	"github.com/tetratelabs/wasmcore/internal/wasmruntime"
)

// TrapCode is the category of a trap raised by compiled code or a runtime library routine. It is an error whose
// message is e.g. "integer divide by zero".
type TrapCode = wasmruntime.TrapCode

const (
	TrapCodeStackOverflow          = wasmruntime.TrapCodeStackOverflow
	TrapCodeMemoryOutOfBounds      = wasmruntime.TrapCodeMemoryOutOfBounds
	TrapCodeHeapMisaligned         = wasmruntime.TrapCodeHeapMisaligned
	TrapCodeTableOutOfBounds       = wasmruntime.TrapCodeTableOutOfBounds
	TrapCodeIndirectCallToNull     = wasmruntime.TrapCodeIndirectCallToNull
	TrapCodeBadSignature           = wasmruntime.TrapCodeBadSignature
	TrapCodeIntegerOverflow        = wasmruntime.TrapCodeIntegerOverflow
	TrapCodeIntegerDivisionByZero  = wasmruntime.TrapCodeIntegerDivisionByZero
	TrapCodeBadConversionToInteger = wasmruntime.TrapCodeBadConversionToInteger
	TrapCodeUnreachableCodeReached = wasmruntime.TrapCodeUnreachableCodeReached
	TrapCodeInterrupt              = wasmruntime.TrapCodeInterrupt
)

// ErrOutOfMemory is the reason of a Trap raised when a runtime library routine failed to allocate.
var ErrOutOfMemory = errors.New("out of memory")

// FrameInfo is a wasm frame of a Trap.
type FrameInfo struct {
	ModuleName string
	// FuncIndex is in the function index namespace of the module, imported functions first.
	FuncIndex uint32
	// FuncName is from the name section, or empty.
	FuncName string
	// ModuleOffset is the module-relative offset of the instruction.
	ModuleOffset uint64
}

// Trap is the error returned by Store.Call when compiled code trapped.
type Trap struct {
	// code is set for a trap of compiled code or a library routine.
	code *TrapCode
	// err is set for a trap raised by the embedder, or ErrOutOfMemory.
	err    error
	frames []codemap.Frame
}

// newTrap converts the trap of the trap handler, symbolicating its backtrace with registry.
func newTrap(registry *codemap.Registry, t *traphandlers.Trap) *Trap {
	ret := &Trap{frames: registry.Symbolicate(t.Backtrace)}
	switch t.Kind {
	case traphandlers.TrapKindUser:
		ret.err = t.Err
	case traphandlers.TrapKindJit:
		// A fault outside a trap site is the stack guard: compiled code checks the stack limit, which is also how
		// it notices an interrupt.
		code, ok := registry.LookupTrapCode(t.PC)
		if !ok {
			code = TrapCodeStackOverflow
			if t.MaybeInterrupted {
				code = TrapCodeInterrupt
			}
		}
		ret.code = &code
	case traphandlers.TrapKindWasm:
		code := t.Code
		ret.code = &code
	case traphandlers.TrapKindOOM:
		ret.err = ErrOutOfMemory
	}
	return ret
}

// TrapCode returns the code of the trap, or false if it was raised by the embedder.
func (t *Trap) TrapCode() (TrapCode, bool) {
	if t.code == nil {
		return 0, false
	}
	return *t.code, true
}

// Trace returns the wasm frames of the trap, innermost first.
func (t *Trap) Trace() []FrameInfo {
	trace := make([]FrameInfo, 0, len(t.frames))
	for i := range t.frames {
		f := &t.frames[i]
		trace = append(trace, FrameInfo{
			ModuleName:   f.Module.Name,
			FuncIndex:    f.Func.Index,
			FuncName:     f.Func.Name,
			ModuleOffset: f.WasmOffset,
		})
	}
	return trace
}

// Unwrap returns the TrapCode or the error raised by the embedder.
func (t *Trap) Unwrap() error {
	if t.code != nil {
		return *t.code
	}
	return t.err
}

// Error implements error. It is the reason, e.g. "wasm trap: integer divide by zero", followed by the wasm stack
// trace if there are wasm frames.
func (t *Trap) Error() string {
	var b strings.Builder
	if t.code != nil {
		b.WriteString("wasm trap: ")
		b.WriteString(t.code.Error())
	} else {
		b.WriteString(t.err.Error())
	}
	var st wasmdebug.StackTrace
	for i := range t.frames {
		t.frames[i].AddTo(&st)
	}
	if st.Len() > 0 {
		b.WriteByte('\n')
		b.WriteString(st.String())
	}
	return b.String()
}
