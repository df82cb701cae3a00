package traphandlers

import (
	"math"
	"sync/atomic"

	"github.com/tetratelabs/wasmcore/internal/vmoffsets"
)

// Interrupted is the stack limit that makes compiled code stop at its next stack check.
const Interrupted = vmoffsets.Interrupted

// Interrupts is the cell compiled code polls at function entries and loop headers. Its layout is part of the VM
// context contract: see vmoffsets.VMOffsets.VMInterruptsStackLimit and VMInterruptsFuelConsumed.
//
// Fuel counts up: FuelConsumed starts at minus the budget and compiled code adds to it, so the budget is exhausted
// once it is positive.
type Interrupts struct {
	stackLimit   atomic.Uintptr
	fuelConsumed atomic.Int64
}

// NewInterrupts returns Interrupts with no stack limit and no fuel budget.
func NewInterrupts() *Interrupts {
	i := &Interrupts{}
	i.stackLimit.Store(NoStackLimit)
	return i
}

// StackLimit returns the current stack limit.
func (i *Interrupts) StackLimit() uintptr {
	return i.stackLimit.Load()
}

// SetStackLimit sets the lowest stack address compiled code may use. It does not override a pending interrupt.
func (i *Interrupts) SetStackLimit(limit uintptr) {
	for {
		old := i.stackLimit.Load()
		if old == Interrupted || i.stackLimit.CompareAndSwap(old, limit) {
			return
		}
	}
}

// NoStackLimit is the stack limit outside of any call. Compiled code never runs with it, as every stack check fails.
const NoStackLimit = ^uintptr(0)

// LimitStack sets the stack limit to maxStack bytes below sp when there is no limit yet, which is the case on the
// outermost call into compiled code. An enclosing call's limit and a pending interrupt are left in place.
//
// The returned function removes the limit again, unless an interrupt arrived meanwhile.
func (i *Interrupts) LimitStack(sp uintptr, maxStack uint64) (restore func()) {
	var limit uintptr
	if uint64(sp) > maxStack {
		limit = sp - uintptr(maxStack)
	}
	if !i.stackLimit.CompareAndSwap(NoStackLimit, limit) {
		return func() {}
	}
	return func() { i.stackLimit.CompareAndSwap(limit, NoStackLimit) }
}

// Interrupt requests that compiled code stop. It is safe to call from any goroutine.
func (i *Interrupts) Interrupt() {
	i.stackLimit.Store(Interrupted)
}

// Interrupted returns true if an interrupt is pending.
func (i *Interrupts) Interrupted() bool {
	return i.stackLimit.Load() == Interrupted
}

// ResetInterrupt clears a pending interrupt and removes the stack limit.
func (i *Interrupts) ResetInterrupt() {
	i.stackLimit.CompareAndSwap(Interrupted, NoStackLimit)
}

// FuelConsumed returns the raw counter.
func (i *Interrupts) FuelConsumed() int64 {
	return i.fuelConsumed.Load()
}

// AddFuel extends the budget by fuel, saturating instead of wrapping.
func (i *Interrupts) AddFuel(fuel uint64) {
	for {
		old := i.fuelConsumed.Load()
		var next int64
		if fuel > uint64(old-math.MinInt64) {
			next = math.MinInt64
		} else {
			next = old - int64(fuel)
		}
		if i.fuelConsumed.CompareAndSwap(old, next) {
			return
		}
	}
}

// ConsumeFuel is what compiled code does at each poll: it charges n units and reports whether the budget is
// exhausted.
func (i *Interrupts) ConsumeFuel(n uint64) (exhausted bool) {
	if n > math.MaxInt64 {
		n = math.MaxInt64
	}
	return i.fuelConsumed.Add(int64(n)) > 0
}

// FuelRemaining returns the units left before exhaustion, or zero if exhausted.
func (i *Interrupts) FuelRemaining() uint64 {
	if c := i.fuelConsumed.Load(); c < 0 {
		return uint64(-c)
	}
	return 0
}
