package wasmcore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tetratelabs/wasmcore/internal/allocator"
)

// EnvPrefix prefixes the environment variables read by LoadEngineConfig, e.g. WASMCORE_STRATEGY or
// WASMCORE_POOLING_INSTANCE_LIMITS_COUNT.
const EnvPrefix = "wasmcore"

// EngineConfigFile is the file form of an EngineConfig, read by LoadEngineConfig. Keys are snake case, e.g.
//
//	strategy: pooling
//	max_wasm_stack: 1048576
//	module_limits:
//	  memory_pages: 16
//	pooling:
//	  strategy: next-available
//	  instance_limits:
//	    count: 10
type EngineConfigFile struct {
	Strategy     AllocationStrategy `yaml:"strategy" envconfig:"STRATEGY"`
	MaxWasmStack uint64             `yaml:"max_wasm_stack" envconfig:"MAX_WASM_STACK"`
	// ModuleLimits default to DefaultModuleLimits for pooling allocation, and to no limit otherwise.
	ModuleLimits ModuleLimits       `yaml:"module_limits" envconfig:"MODULE_LIMITS"`
	Pooling      PoolingConfigFile  `yaml:"pooling" envconfig:"POOLING"`
	OnDemand     OnDemandConfigFile `yaml:"on_demand" envconfig:"ON_DEMAND"`
	Log          LogConfigFile      `yaml:"log" envconfig:"LOG"`
}

// PoolingConfigFile is the pooling section of an EngineConfigFile.
type PoolingConfigFile struct {
	Strategy       PoolingAllocationStrategy `yaml:"strategy" envconfig:"STRATEGY"`
	Seed           int64                     `yaml:"seed,omitempty" envconfig:"SEED"`
	InstanceLimits InstanceLimits            `yaml:"instance_limits" envconfig:"INSTANCE_LIMITS"`
}

// OnDemandConfigFile is the on-demand section of an EngineConfigFile.
type OnDemandConfigFile struct {
	MemoryReservationSize uint64 `yaml:"memory_reservation_size" envconfig:"MEMORY_RESERVATION_SIZE"`
	MemoryGuardSize       uint64 `yaml:"memory_guard_size" envconfig:"MEMORY_GUARD_SIZE"`
}

// LogConfigFile is the log section of an EngineConfigFile. Nothing is logged unless Level is set.
type LogConfigFile struct {
	// Level is a zap level, e.g. "debug".
	Level string `yaml:"level,omitempty" envconfig:"LEVEL"`
	// Scopes is a comma separated list of scopes, e.g. "trap,pool", or "all".
	Scopes string `yaml:"scopes" envconfig:"SCOPES"`
}

// DefaultEngineConfigFile returns the defaults of strategy.
func DefaultEngineConfigFile(strategy AllocationStrategy) *EngineConfigFile {
	onDemand := allocator.DefaultOnDemandConfig()
	f := &EngineConfigFile{
		Strategy:     strategy,
		MaxWasmStack: DefaultMaxWasmStack,
		ModuleLimits: onDemand.ModuleLimits,
		Pooling: PoolingConfigFile{
			Strategy:       PoolingAllocationStrategyRandom,
			InstanceLimits: DefaultInstanceLimits(),
		},
		OnDemand: OnDemandConfigFile{
			MemoryReservationSize: onDemand.MemoryReservationSize,
			MemoryGuardSize:       onDemand.MemoryGuardSize,
		},
		Log: LogConfigFile{Scopes: engineConfigDefaults.logScopes},
	}
	if strategy == AllocationStrategyPooling {
		f.ModuleLimits = DefaultModuleLimits()
	}
	return f
}

// ReadEngineConfigFile reads the YAML file at path, if not empty, and then the WASMCORE_* environment variables over
// the defaults. Unknown keys in the file are an error.
func ReadEngineConfigFile(path string) (*EngineConfigFile, error) {
	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}

	// The strategy decides the default module limits, so it is read first.
	var head struct {
		Strategy AllocationStrategy `yaml:"strategy" envconfig:"STRATEGY"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid engine config %s: %w", path, err)
	}
	if err := envconfig.Process(EnvPrefix, &head); err != nil {
		return nil, err
	}

	f := DefaultEngineConfigFile(head.Strategy)
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid engine config %s: %w", path, err)
	}
	if err := envconfig.Process(EnvPrefix, f); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadEngineConfig returns the EngineConfig of ReadEngineConfigFile.
func LoadEngineConfig(path string) (EngineConfig, error) {
	f, err := ReadEngineConfigFile(path)
	if err != nil {
		return nil, err
	}
	return f.EngineConfig()
}

// EngineConfig converts the file form to an EngineConfig.
func (f *EngineConfigFile) EngineConfig() (EngineConfig, error) {
	c := NewEngineConfig().
		WithModuleLimits(f.ModuleLimits).
		WithInstanceLimits(f.Pooling.InstanceLimits).
		WithPoolingSeed(f.Pooling.Seed).
		WithMemoryReservationSize(f.OnDemand.MemoryReservationSize).
		WithMemoryGuardSize(f.OnDemand.MemoryGuardSize).
		WithMaxWasmStack(f.MaxWasmStack)

	switch f.Strategy {
	case AllocationStrategyOnDemand:
		c = c.WithOnDemandAllocation()
	case AllocationStrategyPooling:
		c = c.WithPoolingAllocation(f.Pooling.Strategy)
	default:
		return nil, fmt.Errorf("invalid allocation strategy: %s", f.Strategy)
	}

	if f.Log.Level != "" {
		level, err := zap.ParseAtomicLevel(f.Log.Level)
		if err != nil {
			return nil, err
		}
		config := zap.NewProductionConfig()
		config.Level = level
		logger, err := config.Build()
		if err != nil {
			return nil, err
		}
		c = c.WithLogger(logger, f.Log.Scopes)
	}
	return c, nil
}
