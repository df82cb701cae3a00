package main

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tetratelabs/wasmcore"
	"github.com/tetratelabs/wasmcore/internal/vmoffsets"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Args[1:], os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, args []string, exit func(code int)) {
	root := &cobra.Command{
		Use:           "wasmcore",
		Short:         "Inspects the WebAssembly execution core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.SetArgs(args)
	root.AddCommand(getCmdLayout(), getCmdConfig())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, "error:", err)
		exit(1)
		return
	}
	exit(0)
}

type layoutCmd struct {
	pointerSize uint8
	counts      vmoffsets.Counts
}

// layoutOffsets are the begin offsets of the VM context, in layout order.
type layoutOffsets struct {
	Interrupts                uint32 `yaml:"interrupts"`
	ExternRefActivationsTable uint32 `yaml:"externref_activations_table"`
	StackMapRegistry          uint32 `yaml:"stack_map_registry"`
	SignatureIDs              uint32 `yaml:"signature_ids"`
	ImportedFunctions         uint32 `yaml:"imported_functions"`
	ImportedTables            uint32 `yaml:"imported_tables"`
	ImportedMemories          uint32 `yaml:"imported_memories"`
	ImportedGlobals           uint32 `yaml:"imported_globals"`
	Tables                    uint32 `yaml:"tables"`
	Memories                  uint32 `yaml:"memories"`
	Globals                   uint32 `yaml:"globals"`
	Anyfuncs                  uint32 `yaml:"anyfuncs"`
	Builtins                  uint32 `yaml:"builtins"`
}

type layout struct {
	PointerSize uint8         `yaml:"pointer_size"`
	Size        uint32        `yaml:"size"`
	Offsets     layoutOffsets `yaml:"offsets"`
	// Builtins maps each builtin function to its offset, in index order.
	Builtins yaml.Node `yaml:"builtin_functions"`
}

func (c *layoutCmd) run(cmd *cobra.Command, _ []string) error {
	o, err := vmoffsets.FromCounts(c.pointerSize, c.counts)
	if err != nil {
		return err
	}
	l := layout{
		PointerSize: o.PointerSize,
		Size:        o.SizeOfVMContext(),
		Offsets: layoutOffsets{
			Interrupts:                o.VMContextInterrupts().U32(),
			ExternRefActivationsTable: o.VMContextExternRefActivationsTable().U32(),
			StackMapRegistry:          o.VMContextStackMapRegistry().U32(),
			SignatureIDs:              o.VMContextSignatureIDsBegin().U32(),
			ImportedFunctions:         o.VMContextImportedFunctionsBegin().U32(),
			ImportedTables:            o.VMContextImportedTablesBegin().U32(),
			ImportedMemories:          o.VMContextImportedMemoriesBegin().U32(),
			ImportedGlobals:           o.VMContextImportedGlobalsBegin().U32(),
			Tables:                    o.VMContextTablesBegin().U32(),
			Memories:                  o.VMContextMemoriesBegin().U32(),
			Globals:                   o.VMContextGlobalsBegin().U32(),
			Anyfuncs:                  o.VMContextAnyfuncsBegin().U32(),
			Builtins:                  o.VMContextBuiltinFunctionsBegin().U32(),
		},
		Builtins: yaml.Node{Kind: yaml.MappingNode},
	}
	for i := vmoffsets.BuiltinFunctionIndex(0); uint32(i) < vmoffsets.BuiltinFunctionCount; i++ {
		l.Builtins.Content = append(l.Builtins.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: i.String()},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(o.VMContextBuiltinFunction(i).U32())},
		)
	}
	return yamlPrint(cmd.OutOrStdout(), &l)
}

func getCmdLayout() *cobra.Command {
	c := &layoutCmd{}
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the VM context layout of a module shape",
		Long: `Print the byte offsets of the VM context of a module with the given counts.

  Offsets are what compiled code uses to address the VM context, so they depend on the pointer size of the target.`,
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	flags := cmd.Flags()
	flags.Uint8Var(&c.pointerSize, "pointer-size", uint8(unsafe.Sizeof(uintptr(0))), "pointer size of the target: 4 or 8")
	flags.Uint32Var(&c.counts.SignatureIDs, "signatures", 0, "number of function types")
	flags.Uint32Var(&c.counts.ImportedFunctions, "imported-functions", 0, "number of imported functions")
	flags.Uint32Var(&c.counts.ImportedTables, "imported-tables", 0, "number of imported tables")
	flags.Uint32Var(&c.counts.ImportedMemories, "imported-memories", 0, "number of imported memories")
	flags.Uint32Var(&c.counts.ImportedGlobals, "imported-globals", 0, "number of imported globals")
	flags.Uint32Var(&c.counts.DefinedFunctions, "functions", 0, "number of defined functions")
	flags.Uint32Var(&c.counts.DefinedTables, "tables", 0, "number of defined tables")
	flags.Uint32Var(&c.counts.DefinedMemories, "memories", 0, "number of defined memories")
	flags.Uint32Var(&c.counts.DefinedGlobals, "globals", 0, "number of defined globals")
	return cmd
}

type configCmd struct {
	file  string
	check bool
}

func (c *configCmd) run(cmd *cobra.Command, _ []string) error {
	f, err := wasmcore.ReadEngineConfigFile(c.file)
	if err != nil {
		return err
	}
	if c.check {
		config, err := f.EngineConfig()
		if err != nil {
			return err
		}
		e, err := wasmcore.NewEngine(config)
		if err != nil {
			return err
		}
		if err = e.Close(); err != nil {
			return err
		}
	}
	return yamlPrint(cmd.OutOrStdout(), f)
}

func getCmdConfig() *cobra.Command {
	c := &configCmd{}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective engine configuration",
		Long: `Print the engine configuration read from the file and the environment, with defaults filled in.

  Environment variables are prefixed with WASMCORE_ and override the file, e.g. WASMCORE_POOLING_INSTANCE_LIMITS_COUNT.`,
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	cmd.Flags().StringVarP(&c.file, "file", "f", "", "path to a YAML engine configuration")
	cmd.Flags().BoolVar(&c.check, "check", false, "create an engine from the configuration to validate it")
	return cmd
}

func yamlPrint(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("could not marshal YAML: %w", err)
	}
	return enc.Close()
}
