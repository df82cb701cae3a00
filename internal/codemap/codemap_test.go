package codemap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/tetratelabs/wasmcore/internal/testing/gofunc"
	"github.com/tetratelabs/wasmcore/internal/wasm"
	"github.com/tetratelabs/wasmcore/internal/wasmdebug"
	"github.com/tetratelabs/wasmcore/internal/wasmruntime"
)

var i32_i32 = &wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}

func newTestModule(name string, base uintptr) *CompiledModule {
	return &CompiledModule{
		Name: name,
		Functions: []Function{
			{
				Index: 3, Name: "second", Start: base + 0x100, Len: 0x80, BodyOffset: 0x400, Type: i32_i32,
				TrapSites: []TrapSite{
					{Offset: 0x10, Code: wasmruntime.TrapCodeMemoryOutOfBounds},
					{Offset: 0x20, Code: wasmruntime.TrapCodeUnreachableCodeReached},
				},
				AddressMap: []AddressMapping{{CodeOffset: 0x8, WasmOffset: 0x402}, {CodeOffset: 0x20, WasmOffset: 0x410}},
			},
			{Index: 2, Start: base, Len: 0x100, BodyOffset: 0x300},
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	a := newTestModule("a", 0x1000)
	require.NoError(t, r.Register(a))

	// Functions are sorted on registration.
	require.Equal(t, wasm.Index(2), a.Functions[0].Index)
	require.Equal(t, uintptr(0x1000), a.start)
	require.Equal(t, uintptr(0x1180), a.end)

	t.Run("overlap before", func(t *testing.T) {
		err := r.Register(newTestModule("b", 0x0f00))
		require.ErrorIs(t, err, ErrOverlap)
	})
	t.Run("overlap after", func(t *testing.T) {
		err := r.Register(newTestModule("c", 0x1170))
		require.ErrorIs(t, err, ErrOverlap)
	})
	t.Run("adjacent", func(t *testing.T) {
		d := newTestModule("d", 0x1180)
		require.NoError(t, r.Register(d))
		require.Equal(t, []*CompiledModule{a, d}, r.modules)
		r.Unregister(d)
		require.Equal(t, []*CompiledModule{a}, r.modules)
	})
	t.Run("invalid", func(t *testing.T) {
		require.EqualError(t, r.Register(&CompiledModule{Name: "e"}), `module "e" has no functions`)
		require.EqualError(t, r.Register(&CompiledModule{Name: "e", Functions: []Function{{Index: 1, Start: 0x9000}}}),
			`function 1 of module "e" is empty`)
		require.EqualError(t, r.Register(&CompiledModule{Name: "e", Functions: []Function{
			{Index: 1, Start: 0x9000, Len: 0x10},
			{Index: 2, Start: 0x9008, Len: 0x10},
		}}), `functions 1 and 2 of module "e" overlap`)
	})

	r.Unregister(a)
	require.Empty(t, r.modules)
	// Unregistering twice is a no-op.
	r.Unregister(a)
}

func TestRegistry_IsWasmPC(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.IsWasmPC(0x1000))

	require.NoError(t, r.Register(newTestModule("a", 0x1000)))
	require.NoError(t, r.Register(&CompiledModule{Name: "gap", Functions: []Function{
		{Start: 0x3000, Len: 0x10},
		{Start: 0x3020, Len: 0x10},
	}}))

	for _, tc := range []struct {
		pc       uintptr
		expected bool
	}{
		{pc: 0x0fff, expected: false},
		{pc: 0x1000, expected: true},
		{pc: 0x117f, expected: true},
		{pc: 0x1180, expected: false},
		{pc: 0x3010, expected: false}, // between functions of the same module.
		{pc: 0x3025, expected: true},
		{pc: 0x3030, expected: false},
	} {
		require.Equal(t, tc.expected, r.IsWasmPC(tc.pc), "%#x", tc.pc)
	}
}

//go:noinline
func managedFunction(x int) int {
	return x + 1
}

func TestRegistry_IsWasmPC_goFunction(t *testing.T) {
	start, end := gofunc.Range(managedFunction)
	r := NewRegistry()
	require.NoError(t, r.Register(&CompiledModule{Name: "go", Functions: []Function{{Start: start, Len: end - start}}}))

	require.True(t, r.IsWasmPC(start))
	require.True(t, r.IsWasmPC(end-1))
	require.False(t, r.IsWasmPC(end))
	require.False(t, r.IsWasmPC(start-1))
}

func TestRegistry_LookupTrapCode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestModule("a", 0x1000)))

	code, ok := r.LookupTrapCode(0x1110)
	require.True(t, ok)
	require.Equal(t, wasmruntime.TrapCodeMemoryOutOfBounds, code)

	code, ok = r.LookupTrapCode(0x1120)
	require.True(t, ok)
	require.Equal(t, wasmruntime.TrapCodeUnreachableCodeReached, code)

	// Not a trap site.
	_, ok = r.LookupTrapCode(0x1111)
	require.False(t, ok)
	_, ok = r.LookupTrapCode(0x1010)
	require.False(t, ok)
	// Not managed code.
	_, ok = r.LookupTrapCode(0x5000)
	require.False(t, ok)
}

func TestRegistry_LookupFrame(t *testing.T) {
	r := NewRegistry()
	m := newTestModule("a", 0x1000)
	require.NoError(t, r.Register(m))

	for _, tc := range []struct {
		pc                 uintptr
		expectedIndex      wasm.Index
		expectedWasmOffset uint64
	}{
		{pc: 0x1000, expectedIndex: 2, expectedWasmOffset: 0x300},
		{pc: 0x1100, expectedIndex: 3, expectedWasmOffset: 0x400}, // before the first mapping.
		{pc: 0x1108, expectedIndex: 3, expectedWasmOffset: 0x402},
		{pc: 0x111f, expectedIndex: 3, expectedWasmOffset: 0x402},
		{pc: 0x1120, expectedIndex: 3, expectedWasmOffset: 0x410},
	} {
		frame, ok := r.LookupFrame(tc.pc)
		require.True(t, ok)
		require.Equal(t, m, frame.Module)
		require.Equal(t, tc.expectedIndex, frame.Func.Index)
		require.Equal(t, tc.expectedWasmOffset, frame.WasmOffset, "%#x", tc.pc)
	}

	_, ok := r.LookupFrame(0x2000)
	require.False(t, ok)
}

func TestRegistry_Symbolicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestModule("a", 0x1000)))

	backtrace := []uintptr{
		0x1121, // one past the faulting instruction at 0x1120
		0x9999, // a host frame
		0x1109, // return address of a call at 0x1108
		0x1001, // return address of a call at 0x1000
	}
	frames := r.Symbolicate(backtrace)
	require.Equal(t, 3, len(frames))
	require.Equal(t, uintptr(0x1120), frames[0].PC)
	require.Equal(t, uint64(0x410), frames[0].WasmOffset)
	require.Equal(t, uintptr(0x1108), frames[1].PC)
	require.Equal(t, uint64(0x402), frames[1].WasmOffset)
	require.Equal(t, uintptr(0x1000), frames[2].PC)

	var st wasmdebug.StackTrace
	for i := range frames {
		frames[i].AddTo(&st)
	}
	require.Equal(t, `wasm stack trace:
	a.second(i32) i32 +0x410
	a.second(i32) i32 +0x402
	a.$2() +0x300`, st.String())
}
