package wasmcore

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmcore/internal/allocator"
	"github.com/tetratelabs/wasmcore/internal/logging"
)

// ModuleLimits are the ceilings on the static shape of a module. See DefaultModuleLimits.
type ModuleLimits = allocator.ModuleLimits

// InstanceLimits are the ceilings of an instance pool. See DefaultInstanceLimits.
type InstanceLimits = allocator.InstanceLimits

// PoolingAllocationStrategy decides which free slot of a pool an instance gets.
type PoolingAllocationStrategy = allocator.PoolingAllocationStrategy

const (
	// PoolingAllocationStrategyRandom picks a random free slot.
	PoolingAllocationStrategyRandom = allocator.PoolingAllocationStrategyRandom
	// PoolingAllocationStrategyNextAvailable picks the most recently freed slot, or the lowest never used one.
	PoolingAllocationStrategyNextAvailable = allocator.PoolingAllocationStrategyNextAvailable
)

// DefaultModuleLimits returns the module limits of the pooling allocator when none are configured.
func DefaultModuleLimits() ModuleLimits {
	return allocator.DefaultModuleLimits()
}

// DefaultInstanceLimits returns the instance limits of the pooling allocator when none are configured.
func DefaultInstanceLimits() InstanceLimits {
	return allocator.DefaultInstanceLimits()
}

// DefaultMaxWasmStack is the stack compiled code may use when none is configured.
const DefaultMaxWasmStack = 1 << 20

// AllocationStrategy selects how the memory of instances is allocated.
type AllocationStrategy uint8

const (
	// AllocationStrategyOnDemand allocates each instance independently when it is instantiated.
	AllocationStrategyOnDemand AllocationStrategy = iota
	// AllocationStrategyPooling allocates instances from slots reserved when the engine is created.
	AllocationStrategyPooling
)

// String implements fmt.Stringer.
func (s AllocationStrategy) String() string {
	switch s {
	case AllocationStrategyOnDemand:
		return "on-demand"
	case AllocationStrategyPooling:
		return "pooling"
	}
	return fmt.Sprintf("<unknown=%d>", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s AllocationStrategy) MarshalText() ([]byte, error) {
	if s > AllocationStrategyPooling {
		return nil, fmt.Errorf("invalid allocation strategy: %s", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AllocationStrategy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "on-demand", "on_demand", "ondemand":
		*s = AllocationStrategyOnDemand
	case "pooling":
		*s = AllocationStrategyPooling
	default:
		return fmt.Errorf("invalid allocation strategy: %q", text)
	}
	return nil
}

// EngineConfig controls engine behavior, with the default implementation as NewEngineConfig.
//
// Note: EngineConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type EngineConfig interface {
	// WithOnDemandAllocation allocates each instance independently. This is the default.
	//
	// Note: memories reserve WithMemoryReservationSize bytes of address space plus WithMemoryGuardSize, but only the
	// accessible pages are committed.
	WithOnDemandAllocation() EngineConfig

	// WithPoolingAllocation reserves the address space of InstanceLimits.Count instances when the engine is created,
	// each sized for the largest module ModuleLimits accept. Instantiation only commits memory, and fails with
	// ErrPoolExhausted when every slot is in use.
	WithPoolingAllocation(strategy PoolingAllocationStrategy) EngineConfig

	// WithModuleLimits overrides the module limits. These default to DefaultModuleLimits for pooling allocation,
	// and to no limit for on-demand allocation.
	WithModuleLimits(ModuleLimits) EngineConfig

	// WithInstanceLimits overrides the instance limits of pooling allocation, which default to
	// DefaultInstanceLimits.
	WithInstanceLimits(InstanceLimits) EngineConfig

	// WithPoolingSeed seeds PoolingAllocationStrategyRandom, so that slot choice is reproducible. Zero, the default,
	// seeds from the current time.
	WithPoolingSeed(seed int64) EngineConfig

	// WithMemoryReservationSize sets the address space reserved for each linear memory with on-demand allocation,
	// which caps how large it can grow. This defaults to 4GiB on 64-bit hosts.
	WithMemoryReservationSize(bytes uint64) EngineConfig

	// WithMemoryGuardSize sets the size of the inaccessible region after each linear memory with on-demand
	// allocation. This defaults to 2GiB on 64-bit hosts.
	WithMemoryGuardSize(bytes uint64) EngineConfig

	// WithMaxWasmStack sets the bytes of stack compiled code may use below the outermost Store.Call before it traps
	// with TrapCodeStackOverflow. This defaults to DefaultMaxWasmStack, and must not be zero.
	WithMaxWasmStack(bytes uint64) EngineConfig

	// WithLogger sets the logger of the engine and the scopes it logs, e.g. "trap,pool". The logger defaults to a
	// no-op logger.
	WithLogger(logger *zap.Logger, scopes string) EngineConfig

	// Strategy returns the allocation strategy.
	Strategy() AllocationStrategy
}

// NewEngineConfig returns an EngineConfig with on-demand allocation.
func NewEngineConfig() EngineConfig {
	return engineConfigDefaults.clone()
}

type engineConfig struct {
	strategy        AllocationStrategy
	poolingStrategy PoolingAllocationStrategy
	// moduleLimits is nil unless overridden, as the default depends on the strategy.
	moduleLimits          *ModuleLimits
	instanceLimits        InstanceLimits
	seed                  int64
	memoryReservationSize uint64
	memoryGuardSize       uint64
	maxWasmStack          uint64
	logger                *zap.Logger
	logScopes             string
	// err is a deferred error of a WithXXX function, returned by NewEngine.
	err error
}

// engineConfigDefaults are the defaults of every field.
var engineConfigDefaults = func() *engineConfig {
	onDemand := allocator.DefaultOnDemandConfig()
	return &engineConfig{
		strategy:              AllocationStrategyOnDemand,
		poolingStrategy:       PoolingAllocationStrategyRandom,
		instanceLimits:        DefaultInstanceLimits(),
		memoryReservationSize: onDemand.MemoryReservationSize,
		memoryGuardSize:       onDemand.MemoryGuardSize,
		maxWasmStack:          DefaultMaxWasmStack,
		logScopes:             "all",
	}
}()

func (c *engineConfig) clone() *engineConfig {
	ret := *c
	return &ret
}

// WithOnDemandAllocation implements EngineConfig.WithOnDemandAllocation
func (c *engineConfig) WithOnDemandAllocation() EngineConfig {
	ret := c.clone()
	ret.strategy = AllocationStrategyOnDemand
	return ret
}

// WithPoolingAllocation implements EngineConfig.WithPoolingAllocation
func (c *engineConfig) WithPoolingAllocation(strategy PoolingAllocationStrategy) EngineConfig {
	ret := c.clone()
	ret.strategy = AllocationStrategyPooling
	ret.poolingStrategy = strategy
	return ret
}

// WithModuleLimits implements EngineConfig.WithModuleLimits
func (c *engineConfig) WithModuleLimits(limits ModuleLimits) EngineConfig {
	ret := c.clone()
	ret.moduleLimits = &limits
	return ret
}

// WithInstanceLimits implements EngineConfig.WithInstanceLimits
func (c *engineConfig) WithInstanceLimits(limits InstanceLimits) EngineConfig {
	ret := c.clone()
	ret.instanceLimits = limits
	return ret
}

// WithPoolingSeed implements EngineConfig.WithPoolingSeed
func (c *engineConfig) WithPoolingSeed(seed int64) EngineConfig {
	ret := c.clone()
	ret.seed = seed
	return ret
}

// WithMemoryReservationSize implements EngineConfig.WithMemoryReservationSize
func (c *engineConfig) WithMemoryReservationSize(bytes uint64) EngineConfig {
	ret := c.clone()
	ret.memoryReservationSize = bytes
	return ret
}

// WithMemoryGuardSize implements EngineConfig.WithMemoryGuardSize
func (c *engineConfig) WithMemoryGuardSize(bytes uint64) EngineConfig {
	ret := c.clone()
	ret.memoryGuardSize = bytes
	return ret
}

// WithMaxWasmStack implements EngineConfig.WithMaxWasmStack
func (c *engineConfig) WithMaxWasmStack(bytes uint64) EngineConfig {
	ret := c.clone()
	ret.maxWasmStack = bytes
	if bytes == 0 {
		ret.err = errors.New("max wasm stack must be greater than zero")
	}
	return ret
}

// WithLogger implements EngineConfig.WithLogger
func (c *engineConfig) WithLogger(logger *zap.Logger, scopes string) EngineConfig {
	ret := c.clone()
	ret.logger = logger
	ret.logScopes = scopes
	if _, err := logging.ParseLogScopes(scopes); err != nil {
		ret.err = err
	}
	return ret
}

// Strategy implements EngineConfig.Strategy
func (c *engineConfig) Strategy() AllocationStrategy {
	return c.strategy
}

// newAllocator returns the instance allocator of the strategy.
func (c *engineConfig) newAllocator() (allocator.InstanceAllocator, error) {
	switch c.strategy {
	case AllocationStrategyOnDemand:
		config := allocator.OnDemandConfig{
			ModuleLimits:          allocator.UnlimitedModuleLimits(),
			MemoryReservationSize: c.memoryReservationSize,
			MemoryGuardSize:       c.memoryGuardSize,
		}
		if c.moduleLimits != nil {
			config.ModuleLimits = *c.moduleLimits
		}
		return allocator.NewOnDemand(config)
	case AllocationStrategyPooling:
		config := allocator.PoolingConfig{
			Strategy:       c.poolingStrategy,
			ModuleLimits:   DefaultModuleLimits(),
			InstanceLimits: c.instanceLimits,
			Seed:           c.seed,
		}
		if c.moduleLimits != nil {
			config.ModuleLimits = *c.moduleLimits
		}
		return allocator.NewPooling(config)
	}
	return nil, fmt.Errorf("invalid allocation strategy: %s", c.strategy)
}
