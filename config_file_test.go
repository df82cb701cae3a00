package wasmcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, text string) string {
	path := filepath.Join(t.TempDir(), "wasmcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func TestReadEngineConfigFile(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		f, err := ReadEngineConfigFile("")
		require.NoError(t, err)
		require.Equal(t, DefaultEngineConfigFile(AllocationStrategyOnDemand), f)
	})

	t.Run("pooling defaults", func(t *testing.T) {
		f, err := ReadEngineConfigFile(writeConfig(t, "strategy: pooling\n"))
		require.NoError(t, err)
		require.Equal(t, DefaultEngineConfigFile(AllocationStrategyPooling), f)
		require.Equal(t, DefaultModuleLimits(), f.ModuleLimits)
	})

	t.Run("file", func(t *testing.T) {
		f, err := ReadEngineConfigFile(writeConfig(t, `
strategy: pooling
max_wasm_stack: 262144
module_limits:
  functions: 5
  memory_pages: 2
pooling:
  strategy: next-available
  seed: 7
  instance_limits:
    count: 3
    memory_reservation_size: 131072
log:
  level: debug
  scopes: trap
`))
		require.NoError(t, err)

		expected := DefaultEngineConfigFile(AllocationStrategyPooling)
		expected.MaxWasmStack = 262144
		expected.ModuleLimits.Functions = 5
		expected.ModuleLimits.MemoryPages = 2
		expected.Pooling = PoolingConfigFile{
			Strategy:       PoolingAllocationStrategyNextAvailable,
			Seed:           7,
			InstanceLimits: InstanceLimits{Count: 3, MemoryReservationSize: 131072},
		}
		expected.Log = LogConfigFile{Level: "debug", Scopes: "trap"}
		require.Equal(t, expected, f)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		t.Setenv("WASMCORE_STRATEGY", "pooling")
		t.Setenv("WASMCORE_POOLING_STRATEGY", "next-available")
		t.Setenv("WASMCORE_POOLING_INSTANCE_LIMITS_COUNT", "4")
		t.Setenv("WASMCORE_MODULE_LIMITS_TABLE_ELEMENTS", "8")
		t.Setenv("WASMCORE_MAX_WASM_STACK", "65536")

		f, err := ReadEngineConfigFile(writeConfig(t, `
strategy: on-demand
pooling:
  instance_limits:
    count: 3
`))
		require.NoError(t, err)
		require.Equal(t, AllocationStrategyPooling, f.Strategy)
		require.Equal(t, PoolingAllocationStrategyNextAvailable, f.Pooling.Strategy)
		require.Equal(t, uint32(4), f.Pooling.InstanceLimits.Count)
		require.Equal(t, uint32(8), f.ModuleLimits.TableElements)
		require.Equal(t, uint64(65536), f.MaxWasmStack)
		// The default limits follow the strategy of the environment.
		require.Equal(t, DefaultModuleLimits().Functions, f.ModuleLimits.Functions)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := ReadEngineConfigFile(writeConfig(t, "module_limit:\n  functions: 5\n"))
		require.ErrorContains(t, err, "field module_limit not found")
	})

	t.Run("invalid strategy", func(t *testing.T) {
		_, err := ReadEngineConfigFile(writeConfig(t, "strategy: lazy\n"))
		require.ErrorContains(t, err, `invalid allocation strategy: "lazy"`)
	})

	t.Run("invalid environment", func(t *testing.T) {
		t.Setenv("WASMCORE_POOLING_INSTANCE_LIMITS_COUNT", "many")
		_, err := ReadEngineConfigFile("")
		require.ErrorContains(t, err, "WASMCORE_POOLING_INSTANCE_LIMITS_COUNT")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadEngineConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestEngineConfigFile_yaml(t *testing.T) {
	f := DefaultEngineConfigFile(AllocationStrategyPooling)
	out, err := yaml.Marshal(f)
	require.NoError(t, err)
	require.Contains(t, string(out), "strategy: pooling\n")

	read, err := ReadEngineConfigFile(writeConfig(t, string(out)))
	require.NoError(t, err)
	require.Equal(t, f, read)
}

func TestLoadEngineConfig(t *testing.T) {
	c, err := LoadEngineConfig(writeConfig(t, `
strategy: pooling
max_wasm_stack: 131072
pooling:
  strategy: next-available
  seed: 7
  instance_limits:
    count: 3
log:
  level: info
  scopes: pool
`))
	require.NoError(t, err)

	actual := c.(*engineConfig)
	require.Equal(t, AllocationStrategyPooling, actual.Strategy())
	require.Equal(t, PoolingAllocationStrategyNextAvailable, actual.poolingStrategy)
	require.Equal(t, int64(7), actual.seed)
	require.Equal(t, uint32(3), actual.instanceLimits.Count)
	require.Equal(t, DefaultModuleLimits(), *actual.moduleLimits)
	require.NotNil(t, actual.logger)
	require.Equal(t, "pool", actual.logScopes)
	require.Equal(t, uint64(131072), actual.maxWasmStack)

	_, err = LoadEngineConfig(writeConfig(t, "log:\n  level: loud\n"))
	require.Error(t, err)

	// The default applies when the key is absent.
	c, err = LoadEngineConfig("")
	require.NoError(t, err)
	require.Equal(t, uint64(DefaultMaxWasmStack), c.(*engineConfig).maxWasmStack)
}
