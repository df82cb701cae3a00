// Package libcalls holds the runtime library routines compiled code calls for operations too large to inline. They
// run inside traphandlers.CatchTraps and report failures by raising a trap, which never returns.
package libcalls

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/tetratelabs/wasmcore/internal/allocator"
	"github.com/tetratelabs/wasmcore/internal/traphandlers"
	"github.com/tetratelabs/wasmcore/internal/vmoffsets"
	"github.com/tetratelabs/wasmcore/internal/wasm"
	"github.com/tetratelabs/wasmcore/internal/wasmruntime"
)

// ErrUnimplemented is wrapped by the user trap of a routine this runtime does not support.
var ErrUnimplemented = errors.New("unimplemented")

// growFailed is what a failed memory.grow or table.grow returns: -1 as a signed 32-bit integer.
const growFailed = uint32(0xffffffff)

// I32DivS is i32.div_s.
func I32DivS(a, b int32) int32 {
	if b == 0 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerDivisionByZero)
	}
	if a == math.MinInt32 && b == -1 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerOverflow)
	}
	return a / b
}

// I32DivU is i32.div_u.
func I32DivU(a, b uint32) uint32 {
	if b == 0 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerDivisionByZero)
	}
	return a / b
}

// I32RemS is i32.rem_s. The remainder of the overflowing division is 0, not a trap.
func I32RemS(a, b int32) int32 {
	if b == 0 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerDivisionByZero)
	}
	if b == -1 {
		return 0
	}
	return a % b
}

// I32RemU is i32.rem_u.
func I32RemU(a, b uint32) uint32 {
	if b == 0 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerDivisionByZero)
	}
	return a % b
}

// I64DivS is i64.div_s.
func I64DivS(a, b int64) int64 {
	if b == 0 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerDivisionByZero)
	}
	if a == math.MinInt64 && b == -1 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerOverflow)
	}
	return a / b
}

// I64DivU is i64.div_u.
func I64DivU(a, b uint64) uint64 {
	if b == 0 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerDivisionByZero)
	}
	return a / b
}

// I64RemS is i64.rem_s.
func I64RemS(a, b int64) int64 {
	if b == 0 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerDivisionByZero)
	}
	if b == -1 {
		return 0
	}
	return a % b
}

// I64RemU is i64.rem_u.
func I64RemU(a, b uint64) uint64 {
	if b == 0 {
		traphandlers.RaiseWasmTrap(wasmruntime.TrapCodeIntegerDivisionByZero)
	}
	return a % b
}

// Memory32Grow grows the defined memory at index by delta pages and returns the previous size in pages, or
// 0xffffffff if the memory can't grow.
func Memory32Grow(h *allocator.InstanceHandle, delta uint32, index wasm.Index) uint32 {
	if previous, ok := h.Memory(index).Grow(delta); ok {
		return previous
	}
	return growFailed
}

// Memory32Size returns the size in pages of the defined memory at index.
func Memory32Size(h *allocator.InstanceHandle, index wasm.Index) uint32 {
	return h.Memory(index).Size()
}

// MemoryFill is memory.fill on the defined memory at index.
func MemoryFill(h *allocator.InstanceHandle, index wasm.Index, dst uint32, val byte, n uint32) {
	if err := h.Memory(index).Fill(dst, val, n); err != nil {
		raiseLibTrap(err)
	}
}

// MemoryCopy is memory.copy between the defined memories at srcIndex and dstIndex.
func MemoryCopy(h *allocator.InstanceHandle, dstIndex wasm.Index, dst uint32, srcIndex wasm.Index, src, n uint32) {
	if err := allocator.CopyMemory(h.Memory(dstIndex), dst, h.Memory(srcIndex), src, n); err != nil {
		raiseLibTrap(err)
	}
}

// TableGrow grows the defined table at index by delta elements set to init, and returns the previous size, or
// 0xffffffff if the table can't grow.
func TableGrow(h *allocator.InstanceHandle, index wasm.Index, delta uint32, init uintptr) uint32 {
	if previous, ok := h.Table(index).Grow(delta, init); ok {
		return previous
	}
	return growFailed
}

// TableFill is table.fill on the defined table at index.
func TableFill(h *allocator.InstanceHandle, index wasm.Index, dst uint32, v uintptr, n uint32) {
	if err := h.Table(index).Fill(dst, v, n); err != nil {
		raiseLibTrap(err)
	}
}

// TableCopy is table.copy between the defined tables at srcIndex and dstIndex.
func TableCopy(h *allocator.InstanceHandle, dstIndex, srcIndex wasm.Index, dst, src, n uint32) {
	if err := allocator.CopyTable(h.Table(dstIndex), dst, h.Table(srcIndex), src, n); err != nil {
		raiseLibTrap(err)
	}
}

// OutOfGas is called when compiled code ran out of fuel.
func OutOfGas() {
	traphandlers.OutOfGas()
}

// MemoryAtomicNotify is memory.atomic.notify, which is not supported.
func MemoryAtomicNotify(*allocator.InstanceHandle, wasm.Index, uint32, uint32) uint32 {
	raiseUnimplementedAtomic(vmoffsets.BuiltinMemoryAtomicNotify)
	return 0
}

// MemoryAtomicWait32 is memory.atomic.wait32, which is not supported.
func MemoryAtomicWait32(*allocator.InstanceHandle, wasm.Index, uint32, uint32, uint64) uint32 {
	raiseUnimplementedAtomic(vmoffsets.BuiltinMemoryAtomicWait32)
	return 0
}

// MemoryAtomicWait64 is memory.atomic.wait64, which is not supported.
func MemoryAtomicWait64(*allocator.InstanceHandle, wasm.Index, uint32, uint64, uint64) uint32 {
	raiseUnimplementedAtomic(vmoffsets.BuiltinMemoryAtomicWait64)
	return 0
}

func raiseUnimplementedAtomic(fn vmoffsets.BuiltinFunctionIndex) {
	traphandlers.RaiseUserTrap(fmt.Errorf("%w: wasm atomics (fn %s) unsupported", ErrUnimplemented, fn))
}

// raiseLibTrap raises err, which must be a wasmruntime.TrapCode.
func raiseLibTrap(err error) {
	var code wasmruntime.TrapCode
	if !errors.As(err, &code) {
		panic(fmt.Errorf("BUG: %v is not a trap code", err))
	}
	traphandlers.RaiseLibTrap(&traphandlers.Trap{Kind: traphandlers.TrapKindWasm, Code: code})
}

// builtins are the routines with an entry in the builtin functions array of the VM context. Imported memories are
// reached through their defining instance, so the imported variants share the defined ones.
var builtins = map[vmoffsets.BuiltinFunctionIndex]any{
	vmoffsets.BuiltinMemory32Grow:               Memory32Grow,
	vmoffsets.BuiltinImportedMemory32Grow:       Memory32Grow,
	vmoffsets.BuiltinMemory32Size:               Memory32Size,
	vmoffsets.BuiltinImportedMemory32Size:       Memory32Size,
	vmoffsets.BuiltinTableCopy:                  TableCopy,
	vmoffsets.BuiltinTableGrowFuncref:           TableGrow,
	vmoffsets.BuiltinMemoryCopy:                 MemoryCopy,
	vmoffsets.BuiltinMemoryFill:                 MemoryFill,
	vmoffsets.BuiltinImportedMemoryFill:         MemoryFill,
	vmoffsets.BuiltinTableFillFuncref:           TableFill,
	vmoffsets.BuiltinMemoryAtomicNotify:         MemoryAtomicNotify,
	vmoffsets.BuiltinImportedMemoryAtomicNotify: MemoryAtomicNotify,
	vmoffsets.BuiltinMemoryAtomicWait32:         MemoryAtomicWait32,
	vmoffsets.BuiltinImportedMemoryAtomicWait32: MemoryAtomicWait32,
	vmoffsets.BuiltinMemoryAtomicWait64:         MemoryAtomicWait64,
	vmoffsets.BuiltinImportedMemoryAtomicWait64: MemoryAtomicWait64,
	vmoffsets.BuiltinOutOfGas:                   OutOfGas,
}

// Builtins returns the entry points of the builtin functions indexed by vmoffsets.BuiltinFunctionIndex. Routines
// this runtime doesn't provide, such as the externref ones, are zero.
func Builtins() []uintptr {
	addrs := make([]uintptr, vmoffsets.BuiltinFunctionCount)
	for i, fn := range builtins {
		addrs[i] = reflect.ValueOf(fn).Pointer()
	}
	return addrs
}
