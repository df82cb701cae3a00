package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runMain(t *testing.T, args []string) (int, string, string) {
	t.Helper()
	var stdOut, stdErr bytes.Buffer
	exitCode := -1
	doMain(&stdOut, &stdErr, args, func(code int) { exitCode = code })
	return exitCode, stdOut.String(), stdErr.String()
}

func TestLayout(t *testing.T) {
	t.Run("empty module", func(t *testing.T) {
		exitCode, stdOut, stdErr := runMain(t, []string{"layout", "--pointer-size", "8"})
		require.Equal(t, 0, exitCode)
		require.Empty(t, stdErr)
		require.Contains(t, stdOut, `pointer_size: 8
size: 248
offsets:
  interrupts: 0
  externref_activations_table: 8
  stack_map_registry: 16
  signature_ids: 24
`)
		require.Contains(t, stdOut, "  globals: 32\n  anyfuncs: 32\n  builtins: 32\n")
		require.Contains(t, stdOut, "builtin_functions:\n  memory32_grow: 32\n")
		require.Contains(t, stdOut, "  out_of_gas: 240\n")
	})

	t.Run("32-bit", func(t *testing.T) {
		exitCode, stdOut, _ := runMain(t, []string{"layout", "--pointer-size", "4", "--memories", "1", "--globals", "1"})
		require.Equal(t, 0, exitCode)
		require.Contains(t, stdOut, "size: 156\n")
		require.Contains(t, stdOut, "  memories: 12\n  globals: 32\n  anyfuncs: 48\n")
	})

	t.Run("invalid pointer size", func(t *testing.T) {
		exitCode, _, stdErr := runMain(t, []string{"layout", "--pointer-size", "3"})
		require.Equal(t, 1, exitCode)
		require.Equal(t, "error: invalid pointer size: 3\n", stdErr)
	})

	t.Run("overflow", func(t *testing.T) {
		exitCode, _, stdErr := runMain(t, []string{"layout", "--functions", "4294967295"})
		require.Equal(t, 1, exitCode)
		require.Contains(t, stdErr, "vmctx layout overflow")
	})
}

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		exitCode, stdOut, stdErr := runMain(t, []string{"config", "--check"})
		require.Equal(t, 0, exitCode, stdErr)
		require.Contains(t, stdOut, "strategy: on-demand\n")
		require.Contains(t, stdOut, "max_wasm_stack: 1048576\n")
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "wasmcore.yaml")
		require.NoError(t, os.WriteFile(path, []byte("strategy: pooling\npooling:\n  strategy: next-available\n"), 0o600))

		exitCode, stdOut, _ := runMain(t, []string{"config", "--file", path})
		require.Equal(t, 0, exitCode)
		require.Contains(t, stdOut, "strategy: pooling\n")
		require.Contains(t, stdOut, "  strategy: next-available\n")
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("WASMCORE_MODULE_LIMITS_MEMORY_PAGES", "3")
		exitCode, stdOut, _ := runMain(t, []string{"config"})
		require.Equal(t, 0, exitCode)
		require.Contains(t, stdOut, "  memory_pages: 3\n")
	})

	t.Run("missing file", func(t *testing.T) {
		exitCode, _, stdErr := runMain(t, []string{"config", "-f", filepath.Join(t.TempDir(), "missing.yaml")})
		require.Equal(t, 1, exitCode)
		require.Contains(t, stdErr, "missing.yaml")
	})
}

func TestUnknownCommand(t *testing.T) {
	exitCode, _, stdErr := runMain(t, []string{"run"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stdErr, `unknown command "run"`)
}
