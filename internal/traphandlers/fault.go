package traphandlers

import (
	"runtime"
	"strings"
	"syscall"
)

// Fault is a synchronous hardware fault that happened on the current goroutine.
type Fault struct {
	// Signal is SIGSEGV for a memory fault (SIGBUS is reported the same way) or SIGFPE for an arithmetic fault.
	Signal syscall.Signal
	// PC is the faulting instruction.
	PC uintptr
	// Addr is the faulting address of a memory fault, or zero.
	Addr uintptr

	// err is the panic value the Go runtime turned the signal into.
	err runtime.Error
	// backtrace starts at the faulting frame.
	backtrace Backtrace
}

// Err returns the runtime error the fault was delivered as.
func (f *Fault) Err() runtime.Error {
	return f.err
}

const sigpanic = "runtime.sigpanic"

// faultFromPanic returns the Fault that r was raised for, or false if r is any other panic. It must be called from a
// deferred function while the goroutine is still panicking with r: the faulting frames are still on the stack then.
//
// Go owns the process signal handlers. With debug.SetPanicOnFault, a fault at a bad address becomes a panic raised by
// runtime.sigpanic on top of the faulting frame, so the frame after it is where the fault happened.
func faultFromPanic(r any) (*Fault, bool) {
	re, ok := r.(runtime.Error)
	if !ok {
		return nil, false
	}
	pcs := captureBacktrace(1)
	for i, pc := range pcs {
		fn := runtime.FuncForPC(pc - 1)
		if fn == nil || fn.Name() != sigpanic {
			continue
		}
		if i+1 == len(pcs) {
			break
		}
		f := &Fault{
			Signal:    syscall.SIGSEGV,
			PC:        pcs[i+1] - 1,
			err:       re,
			backtrace: pcs[i+1:],
		}
		if a, ok := re.(interface{ Addr() uintptr }); ok {
			f.Addr = a.Addr()
		} else if msg := re.Error(); strings.Contains(msg, "divide by zero") || strings.Contains(msg, "integer overflow") {
			f.Signal = syscall.SIGFPE
		}
		return f, true
	}
	return nil, false
}
