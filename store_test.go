package wasmcore

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmcore/internal/libcalls"
	"github.com/tetratelabs/wasmcore/internal/traphandlers"
)

func requireTrap(t *testing.T, err error) *Trap {
	var trap *Trap
	require.True(t, errors.As(err, &trap), "expected a *Trap, but got %v", err)
	return trap
}

func TestStore_Call(t *testing.T) {
	e := newTestEngine(t, nil)

	t.Run("returns nil", func(t *testing.T) {
		s := e.NewStore()
		called := false
		require.NoError(t, s.Call(func() { called = true }))
		require.True(t, called)
	})

	t.Run("stack guard", func(t *testing.T) {
		p := guard(t)
		s := e.NewStore()
		err := s.Call(func() { sink = compiledLoad(p) })

		trap := requireTrap(t, err)
		code, ok := trap.TrapCode()
		require.True(t, ok)
		require.Equal(t, TrapCodeStackOverflow, code)
		require.ErrorIs(t, err, TrapCodeStackOverflow)
		require.Equal(t, []FrameInfo{{ModuleName: "compiled", FuncIndex: 3, FuncName: "load", ModuleOffset: 0x10}}, trap.Trace())
		require.EqualError(t, err, `wasm trap: call stack exhausted
wasm stack trace:
	compiled.load(i32) i32 +0x10`)
	})

	t.Run("interrupted", func(t *testing.T) {
		p := guard(t)
		s := e.NewStore()
		h := s.InterruptHandle()
		h.Interrupt()
		err := s.Call(func() { sink = compiledLoad(p) })
		require.ErrorIs(t, err, TrapCodeInterrupt)

		h.Reset()
		err = s.Call(func() { sink = compiledLoad(p) })
		require.ErrorIs(t, err, TrapCodeStackOverflow)
	})

	t.Run("library routine", func(t *testing.T) {
		s := e.NewStore()
		err := s.Call(func() { libcalls.I32DivS(1, 0) })
		require.EqualError(t, err, "wasm trap: integer divide by zero")
		code, ok := requireTrap(t, err).TrapCode()
		require.True(t, ok)
		require.Equal(t, TrapCodeIntegerDivisionByZero, code)
		require.Empty(t, requireTrap(t, err).Trace())
	})

	t.Run("user trap", func(t *testing.T) {
		s := e.NewStore()
		boom := errors.New("boom")
		err := s.Call(func() { traphandlers.RaiseUserTrap(boom) })
		require.ErrorIs(t, err, boom)
		require.EqualError(t, err, "boom")
		_, ok := requireTrap(t, err).TrapCode()
		require.False(t, ok)
	})

	t.Run("out of memory", func(t *testing.T) {
		s := e.NewStore()
		err := s.Call(traphandlers.RaiseOOM)
		require.ErrorIs(t, err, ErrOutOfMemory)
	})

	t.Run("out of fuel", func(t *testing.T) {
		s := e.NewStore()
		s.AddFuel(10)
		require.Equal(t, uint64(10), s.FuelRemaining())
		require.Equal(t, int64(-10), s.FuelConsumed())
		err := s.Call(libcalls.OutOfGas)
		require.ErrorIs(t, err, ErrOutOfFuel)
		require.EqualError(t, err, "all fuel consumed by WebAssembly")
	})

	t.Run("host panic", func(t *testing.T) {
		s := e.NewStore()
		require.PanicsWithValue(t, "host", func() {
			_ = s.Call(func() { traphandlers.ResumePanic("host") })
		})
		require.PanicsWithValue(t, "bug", func() {
			_ = s.Call(func() { panic("bug") })
		})
		// The store is usable after a panic.
		require.NoError(t, s.Call(func() {}))
	})

	t.Run("nested", func(t *testing.T) {
		s := e.NewStore()
		var inner error
		err := s.Call(func() {
			inner = s.Call(func() { libcalls.I64DivU(1, 0) })
			libcalls.I32RemS(1, 0)
		})
		require.ErrorIs(t, inner, TrapCodeIntegerDivisionByZero)
		require.ErrorIs(t, err, TrapCodeIntegerDivisionByZero)
	})
}

func TestStore_Call_stackLimit(t *testing.T) {
	e := newTestEngine(t, NewEngineConfig().WithMaxWasmStack(64<<10))
	require.Equal(t, uint64(64<<10), e.config.maxWasmStack)

	t.Run("outermost call sets the limit", func(t *testing.T) {
		s := e.NewStore()
		var outer, inner uintptr
		require.NoError(t, s.Call(func() {
			outer = s.interrupts.StackLimit()
			require.NoError(t, s.Call(func() { inner = s.interrupts.StackLimit() }))
			require.Equal(t, outer, s.interrupts.StackLimit())
		}))
		require.NotEqual(t, traphandlers.NoStackLimit, outer)
		require.NotEqual(t, traphandlers.Interrupted, outer)
		require.Equal(t, outer, inner)
		require.Equal(t, traphandlers.NoStackLimit, s.interrupts.StackLimit())
	})

	t.Run("limit removed after a trap", func(t *testing.T) {
		s := e.NewStore()
		err := s.Call(func() { libcalls.I32DivU(1, 0) })
		require.ErrorIs(t, err, TrapCodeIntegerDivisionByZero)
		require.Equal(t, traphandlers.NoStackLimit, s.interrupts.StackLimit())
	})

	t.Run("interrupt during the call stays pending", func(t *testing.T) {
		s := e.NewStore()
		h := s.InterruptHandle()
		require.NoError(t, s.Call(h.Interrupt))
		require.True(t, s.interrupts.Interrupted())

		p := guard(t)
		err := s.Call(func() { sink = compiledLoad(p) })
		require.ErrorIs(t, err, TrapCodeInterrupt)

		h.Reset()
		require.Equal(t, traphandlers.NoStackLimit, s.interrupts.StackLimit())
	})
}

func TestStore_Call_signalHandler(t *testing.T) {
	e := newTestEngine(t, nil)
	m, err := e.NewModule(testShape(), nil)
	require.NoError(t, err)
	defer m.Close()

	s := e.NewStore()
	defer s.Close()
	first, err := s.Instantiate(m, Imports{})
	require.NoError(t, err)
	second, err := s.Instantiate(m, Imports{})
	require.NoError(t, err)

	p := guard(t)
	var seen []string
	first.SetSignalHandler(func(f *Fault) bool {
		seen = append(seen, "first")
		return false
	})
	second.SetSignalHandler(func(f *Fault) bool {
		seen = append(seen, "second")
		require.Equal(t, uintptr(unsafe.Pointer(p)), f.Addr)
		return true
	})

	require.NoError(t, s.Call(func() { sink = compiledLoad(p) }))
	require.Equal(t, []string{"first", "second"}, seen)

	// Without a handler taking it, the fault is a trap again.
	second.SetSignalHandler(nil)
	err = s.Call(func() { sink = compiledLoad(p) })
	require.ErrorIs(t, err, TrapCodeStackOverflow)

	// Closed instances are no longer consulted.
	seen = nil
	require.NoError(t, first.Close())
	err = s.Call(func() { sink = compiledLoad(p) })
	require.ErrorIs(t, err, TrapCodeStackOverflow)
	require.Empty(t, seen)
}

func TestStore_Close(t *testing.T) {
	e := newTestEngine(t, nil)
	m, err := e.NewModule(testShape(), nil)
	require.NoError(t, err)
	defer m.Close()

	s := e.NewStore()
	require.Equal(t, e, s.Engine())
	i, err := s.Instantiate(m, Imports{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.ErrorIs(t, i.Close(), ErrClosed)
	require.NoError(t, s.Close())
}

func TestInstance_closed(t *testing.T) {
	e := newTestEngine(t, nil)
	m, err := e.NewModule(testShape(), nil)
	require.NoError(t, err)
	defer m.Close()

	s := e.NewStore()
	i, err := s.Instantiate(m, Imports{})
	require.NoError(t, err)
	require.NotZero(t, i.VMContext())
	require.NoError(t, i.Close())

	tests := []struct {
		name string
		use  func()
	}{
		{name: "VMContext", use: func() { i.VMContext() }},
		{name: "Memory", use: func() { i.Memory(0) }},
		{name: "Table", use: func() { i.Table(0) }},
		{name: "Global", use: func() { i.Global(0) }},
		{name: "SetGlobal", use: func() { i.SetGlobal(0, [2]uint64{1}) }},
		{name: "FunctionImport", use: func() { i.FunctionImport(1) }},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.PanicsWithError(t, ErrClosed.Error(), tc.use)
		})
	}

	// Close racing the accessors never hands out a released handle.
	other, err := s.Instantiate(m, Imports{})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = other.Close()
	}()
	_ = catchClosed(func() { other.VMContext() })
	<-done
	require.ErrorIs(t, other.Close(), ErrClosed)
	require.ErrorIs(t, catchClosed(func() { other.VMContext() }), ErrClosed)
}

// catchClosed returns the ErrClosed fn panicked with, or nil if it returned.
func catchClosed(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = r.(error)
		}
	}()
	fn()
	return
}
