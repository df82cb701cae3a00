// Package gofunc finds the machine code of Go functions, so that tests can register them as if they were compiled
// WebAssembly functions.
package gofunc

import (
	"fmt"
	"reflect"
	"runtime"
)

// maxFuncLen bounds the scan for the end of a function.
const maxFuncLen = 64 * 1024

// Range returns the [start, end) address range of the machine code of fn, which must be a top-level function.
func Range(fn any) (start, end uintptr) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic(fmt.Errorf("BUG: %T is not a function", fn))
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		panic(fmt.Errorf("BUG: no symbol for %T", fn))
	}
	start = f.Entry()
	end = start + 1
	// Inlined call sites report a different *Func, but with the entry of the outermost function.
	for end-start < maxFuncLen {
		if g := runtime.FuncForPC(end); g == nil || g.Entry() != start {
			break
		}
		end++
	}
	return
}

// Name returns the symbol name of fn, e.g. "github.com/tetratelabs/wasmcore/internal/codemap.faultingLoad".
func Name(fn any) string {
	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
}
