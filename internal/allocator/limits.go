package allocator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/tetratelabs/wasmcore/internal/vmoffsets"
	"github.com/tetratelabs/wasmcore/internal/wasm"
)

var (
	// ErrLimitExceeded is wrapped by errors about a module whose static shape exceeds the configured limits.
	ErrLimitExceeded = errors.New("module exceeds limits")
	// ErrPoolExhausted is returned when every slot of a pool is in use.
	ErrPoolExhausted = errors.New("instance pool exhausted")
	// ErrInvalidLimits is wrapped by errors about a configuration that can't be satisfied.
	ErrInvalidLimits = errors.New("invalid limits")
)

const (
	// ptrSize is the pointer size of the host, which is the only target compiled code runs on.
	ptrSize = uint8(unsafe.Sizeof(uintptr(0)))

	// maxMemoryReservationSize is 4GiB addressable plus a 4GiB guard region, enough to elide every bounds check.
	maxMemoryReservationSize = uint64(8) << 30
)

// ModuleLimits are the ceilings on the static shape of a module.
type ModuleLimits struct {
	// ImportedFunctions is the maximum number of imported functions.
	ImportedFunctions uint32 `yaml:"imported_functions" envconfig:"IMPORTED_FUNCTIONS"`
	// ImportedTables is the maximum number of imported tables.
	ImportedTables uint32 `yaml:"imported_tables" envconfig:"IMPORTED_TABLES"`
	// ImportedMemories is the maximum number of imported memories.
	ImportedMemories uint32 `yaml:"imported_memories" envconfig:"IMPORTED_MEMORIES"`
	// ImportedGlobals is the maximum number of imported globals.
	ImportedGlobals uint32 `yaml:"imported_globals" envconfig:"IMPORTED_GLOBALS"`
	// Types is the maximum number of function types.
	Types uint32 `yaml:"types" envconfig:"TYPES"`
	// Functions is the maximum number of defined functions.
	Functions uint32 `yaml:"functions" envconfig:"FUNCTIONS"`
	// Tables is the maximum number of defined tables.
	Tables uint32 `yaml:"tables" envconfig:"TABLES"`
	// Memories is the maximum number of defined memories.
	Memories uint32 `yaml:"memories" envconfig:"MEMORIES"`
	// Globals is the maximum number of defined globals.
	Globals uint32 `yaml:"globals" envconfig:"GLOBALS"`
	// TableElements is the maximum number of elements of a defined table. A table whose minimum exceeds it is
	// rejected and a table can't grow past it.
	TableElements uint32 `yaml:"table_elements" envconfig:"TABLE_ELEMENTS"`
	// MemoryPages is the maximum number of wasm pages of a defined memory. A memory whose minimum exceeds it is
	// rejected and a memory can't grow past it.
	MemoryPages uint32 `yaml:"memory_pages" envconfig:"MEMORY_PAGES"`
}

// DefaultModuleLimits returns the limits used when none are configured.
func DefaultModuleLimits() ModuleLimits {
	return ModuleLimits{
		ImportedFunctions: 1000,
		ImportedTables:    0,
		ImportedMemories:  0,
		ImportedGlobals:   0,
		Types:             100,
		Functions:         10000,
		Tables:            1,
		Memories:          1,
		Globals:           10,
		TableElements:     10000,
		MemoryPages:       160,
	}
}

// UnlimitedModuleLimits returns limits that accept every module, short of the hard limits of WebAssembly itself.
func UnlimitedModuleLimits() ModuleLimits {
	return ModuleLimits{
		ImportedFunctions: math.MaxUint32,
		ImportedTables:    math.MaxUint32,
		ImportedMemories:  math.MaxUint32,
		ImportedGlobals:   math.MaxUint32,
		Types:             math.MaxUint32,
		Functions:         math.MaxUint32,
		Tables:            math.MaxUint32,
		Memories:          math.MaxUint32,
		Globals:           math.MaxUint32,
		TableElements:     math.MaxUint32,
		MemoryPages:       wasm.MemoryLimitPages,
	}
}

// Validate returns an error if no memory could ever satisfy the limits.
func (l *ModuleLimits) Validate() error {
	if l.MemoryPages > wasm.MemoryLimitPages {
		return fmt.Errorf("%w: module memory page limit of %d exceeds the maximum of %d",
			ErrInvalidLimits, l.MemoryPages, wasm.MemoryLimitPages)
	}
	return nil
}

// ValidateModule returns an error wrapping ErrLimitExceeded if any static count of m exceeds l. It commits no memory.
func (l *ModuleLimits) ValidateModule(m *wasm.Module) error {
	for _, c := range []struct {
		what         string
		count, limit uint32
	}{
		{"imported function", m.ImportFuncCount(), l.ImportedFunctions},
		{"imported table", m.ImportedTables, l.ImportedTables},
		{"imported memory", m.ImportedMemories, l.ImportedMemories},
		{"imported global", m.ImportedGlobals, l.ImportedGlobals},
		{"type", uint32(len(m.Types)), l.Types},
		{"defined function", uint32(len(m.Functions)), l.Functions},
		{"defined table", uint32(len(m.Tables)), l.Tables},
		{"defined memory", uint32(len(m.Memories)), l.Memories},
		{"defined global", uint32(len(m.Globals)), l.Globals},
	} {
		if c.count > c.limit {
			return fmt.Errorf("%w: %s count of %d exceeds the limit of %d", ErrLimitExceeded, c.what, c.count, c.limit)
		}
	}

	for i := range m.Tables {
		if min := m.Tables[i].Min; min > l.TableElements {
			return fmt.Errorf("%w: table index %d has a minimum element size of %d which exceeds the limit of %d",
				ErrLimitExceeded, i, min, l.TableElements)
		}
	}
	for i := range m.Memories {
		if min := m.Memories[i].Min; min > l.MemoryPages {
			return fmt.Errorf("%w: memory index %d has a minimum page size of %d which exceeds the limit of %d",
				ErrLimitExceeded, i, min, l.MemoryPages)
		}
	}
	return nil
}

// offsets returns the context layout of the largest shape the limits accept.
func (l *ModuleLimits) offsets() (vmoffsets.VMOffsets, error) {
	return vmoffsets.FromCounts(ptrSize, vmoffsets.Counts{
		SignatureIDs:      l.Types,
		ImportedFunctions: l.ImportedFunctions,
		ImportedTables:    l.ImportedTables,
		ImportedMemories:  l.ImportedMemories,
		ImportedGlobals:   l.ImportedGlobals,
		DefinedFunctions:  l.Functions,
		DefinedTables:     l.Tables,
		DefinedMemories:   l.Memories,
		DefinedGlobals:    l.Globals,
	})
}

// InstanceLimits are the ceilings of a pool.
type InstanceLimits struct {
	// Count is the maximum number of concurrent instances.
	Count uint32 `yaml:"count" envconfig:"COUNT"`
	// MemoryReservationSize is the address space reserved for each linear memory, guard region included. It is
	// rounded up to a multiple of the wasm page size and capped at 8GiB.
	MemoryReservationSize uint64 `yaml:"memory_reservation_size" envconfig:"MEMORY_RESERVATION_SIZE"`
}

// DefaultInstanceLimits returns the limits used when none are configured.
func DefaultInstanceLimits() InstanceLimits {
	l := InstanceLimits{Count: 1000}
	if ptrSize == 4 {
		l.MemoryReservationSize = 10 << 20
	} else {
		l.MemoryReservationSize = 6 << 30
	}
	return l
}

// normalize rounds and caps the memory reservation and validates the limits against the module limits.
func (l *InstanceLimits) normalize(module *ModuleLimits) error {
	if l.Count == 0 {
		return fmt.Errorf("%w: the instance count limit cannot be zero", ErrInvalidLimits)
	}
	size := l.MemoryReservationSize
	if size > maxMemoryReservationSize {
		size = maxMemoryReservationSize
	}
	l.MemoryReservationSize = (size + wasm.PageSize - 1) &^ (wasm.PageSize - 1)

	if err := module.Validate(); err != nil {
		return err
	}
	if pages := uint64(module.MemoryPages) * wasm.PageSize; module.Memories > 0 && pages > l.MemoryReservationSize {
		return fmt.Errorf("%w: module memory page limit of %d pages exceeds the memory reservation size limit of %d bytes",
			ErrInvalidLimits, module.MemoryPages, l.MemoryReservationSize)
	}
	return nil
}

// PoolingAllocationStrategy decides which free slot of a pool an instance gets.
type PoolingAllocationStrategy uint8

const (
	// PoolingAllocationStrategyRandom picks uniformly among free slots.
	PoolingAllocationStrategyRandom PoolingAllocationStrategy = iota
	// PoolingAllocationStrategyNextAvailable takes the most recently freed slot, or the lowest never used one.
	PoolingAllocationStrategyNextAvailable
)

// String implements fmt.Stringer.
func (s PoolingAllocationStrategy) String() string {
	switch s {
	case PoolingAllocationStrategyRandom:
		return "random"
	case PoolingAllocationStrategyNextAvailable:
		return "next-available"
	}
	return fmt.Sprintf("<unknown=%d>", s)
}

// MarshalText implements encoding.TextMarshaler, so that the strategy reads well in YAML.
func (s PoolingAllocationStrategy) MarshalText() ([]byte, error) {
	switch s {
	case PoolingAllocationStrategyRandom, PoolingAllocationStrategyNextAvailable:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("invalid pooling allocation strategy: %d", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PoolingAllocationStrategy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "random":
		*s = PoolingAllocationStrategyRandom
	case "next-available", "next_available", "nextavailable":
		*s = PoolingAllocationStrategyNextAvailable
	default:
		return fmt.Errorf("invalid pooling allocation strategy: %q", text)
	}
	return nil
}
