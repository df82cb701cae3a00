package allocator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tetratelabs/wasmcore/internal/wasm"
)

func u32(v uint32) *uint32 {
	return &v
}

func TestDefaultModuleLimits(t *testing.T) {
	require.Equal(t, ModuleLimits{
		ImportedFunctions: 1000,
		Types:             100,
		Functions:         10000,
		Tables:            1,
		Memories:          1,
		Globals:           10,
		TableElements:     10000,
		MemoryPages:       160,
	}, DefaultModuleLimits())
}

func TestDefaultInstanceLimits(t *testing.T) {
	l := DefaultInstanceLimits()
	require.Equal(t, uint32(1000), l.Count)
	if ptrSize == 8 {
		require.Equal(t, uint64(6<<30), l.MemoryReservationSize)
	} else {
		require.Equal(t, uint64(10<<20), l.MemoryReservationSize)
	}
}

func TestModuleLimits_ValidateModule(t *testing.T) {
	limits := DefaultModuleLimits()
	limits.ImportedGlobals = 1

	tests := []struct {
		name        string
		module      *wasm.Module
		expectedErr string
	}{
		{
			name:   "empty",
			module: &wasm.Module{},
		},
		{
			name:   "at the limits",
			module: &wasm.Module{Globals: make([]wasm.Global, 10), ImportedGlobals: 1, Memories: []wasm.Memory{{Min: 160}}},
		},
		{
			name:        "imported functions",
			module:      &wasm.Module{ImportedFunctions: make([]wasm.Index, 1001)},
			expectedErr: "module exceeds limits: imported function count of 1001 exceeds the limit of 1000",
		},
		{
			name:        "imported tables",
			module:      &wasm.Module{ImportedTables: 1},
			expectedErr: "module exceeds limits: imported table count of 1 exceeds the limit of 0",
		},
		{
			name:        "imported memories",
			module:      &wasm.Module{ImportedMemories: 1},
			expectedErr: "module exceeds limits: imported memory count of 1 exceeds the limit of 0",
		},
		{
			name:        "imported globals",
			module:      &wasm.Module{ImportedGlobals: 2},
			expectedErr: "module exceeds limits: imported global count of 2 exceeds the limit of 1",
		},
		{
			name:        "types",
			module:      &wasm.Module{Types: make([]wasm.FunctionType, 101)},
			expectedErr: "module exceeds limits: type count of 101 exceeds the limit of 100",
		},
		{
			name:        "functions",
			module:      &wasm.Module{Functions: make([]wasm.Index, 10001)},
			expectedErr: "module exceeds limits: defined function count of 10001 exceeds the limit of 10000",
		},
		{
			name:        "tables",
			module:      &wasm.Module{Tables: make([]wasm.Table, 2)},
			expectedErr: "module exceeds limits: defined table count of 2 exceeds the limit of 1",
		},
		{
			name:        "memories",
			module:      &wasm.Module{Memories: make([]wasm.Memory, 2)},
			expectedErr: "module exceeds limits: defined memory count of 2 exceeds the limit of 1",
		},
		{
			name:        "globals",
			module:      &wasm.Module{Globals: make([]wasm.Global, 11)},
			expectedErr: "module exceeds limits: defined global count of 11 exceeds the limit of 10",
		},
		{
			name:        "table elements",
			module:      &wasm.Module{Tables: []wasm.Table{{Min: 10001}}},
			expectedErr: "module exceeds limits: table index 0 has a minimum element size of 10001 which exceeds the limit of 10000",
		},
		{
			name:        "memory pages",
			module:      &wasm.Module{Memories: []wasm.Memory{{Min: 161}}},
			expectedErr: "module exceeds limits: memory index 0 has a minimum page size of 161 which exceeds the limit of 160",
		},
		{
			// Only the minimum counts: the maximum is capped instead.
			name:   "memory max above the limit",
			module: &wasm.Module{Memories: []wasm.Memory{{Min: 1, Max: u32(65536)}}},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := limits.ValidateModule(tc.module)
			if tc.expectedErr == "" {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tc.expectedErr)
				require.ErrorIs(t, err, ErrLimitExceeded)
			}
		})
	}
}

func TestModuleLimits_Validate(t *testing.T) {
	l := UnlimitedModuleLimits()
	require.NoError(t, l.Validate())

	l.MemoryPages = wasm.MemoryLimitPages + 1
	require.EqualError(t, l.Validate(), "invalid limits: module memory page limit of 65537 exceeds the maximum of 65536")
}

func TestInstanceLimits_normalize(t *testing.T) {
	module := DefaultModuleLimits()

	tests := []struct {
		name                string
		limits              InstanceLimits
		module              ModuleLimits
		expectedReservation uint64
		expectedErr         string
	}{
		{
			name:                "rounded up to a wasm page",
			limits:              InstanceLimits{Count: 1, MemoryReservationSize: 160*wasm.PageSize - 1},
			module:              module,
			expectedReservation: 160 * wasm.PageSize,
		},
		{
			name:                "capped",
			limits:              InstanceLimits{Count: 1, MemoryReservationSize: math.MaxUint64},
			module:              module,
			expectedReservation: 8 << 30,
		},
		{
			name:        "zero count",
			limits:      InstanceLimits{MemoryReservationSize: 1 << 30},
			module:      module,
			expectedErr: "invalid limits: the instance count limit cannot be zero",
		},
		{
			name:        "memory pages exceed the reservation",
			limits:      InstanceLimits{Count: 1, MemoryReservationSize: wasm.PageSize},
			module:      module,
			expectedErr: "invalid limits: module memory page limit of 160 pages exceeds the memory reservation size limit of 65536 bytes",
		},
		{
			name:                "no memories",
			limits:              InstanceLimits{Count: 1},
			module:              ModuleLimits{MemoryPages: 160},
			expectedReservation: 0,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			l := tc.limits
			err := l.normalize(&tc.module)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				require.ErrorIs(t, err, ErrInvalidLimits)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectedReservation, l.MemoryReservationSize)
		})
	}
}

func TestPoolingAllocationStrategy_text(t *testing.T) {
	var config struct {
		Strategy PoolingAllocationStrategy `yaml:"strategy"`
		Limits   ModuleLimits              `yaml:"limits"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(`
strategy: next-available
limits:
  functions: 3
  memory_pages: 2
`), &config))
	require.Equal(t, PoolingAllocationStrategyNextAvailable, config.Strategy)
	require.Equal(t, uint32(3), config.Limits.Functions)
	require.Equal(t, uint32(2), config.Limits.MemoryPages)

	out, err := yaml.Marshal(&config)
	require.NoError(t, err)
	require.Contains(t, string(out), "strategy: next-available\n")

	require.ErrorContains(t, yaml.Unmarshal([]byte("strategy: first"), &config),
		`invalid pooling allocation strategy: "first"`)

	var s PoolingAllocationStrategy
	require.NoError(t, s.UnmarshalText([]byte("Random")))
	require.Equal(t, PoolingAllocationStrategyRandom, s)
	require.Equal(t, "<unknown=7>", PoolingAllocationStrategy(7).String())
	_, err = PoolingAllocationStrategy(7).MarshalText()
	require.Error(t, err)
}
