// Command tern drives the runtime from the shell. Its fuzz-instantiate
// subcommand is the reference driver used by the fuzz harness: it decodes,
// links against stubs, and instantiates a module, treating traps and link
// failures as ordinary terminating outcomes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ternlabs/tern/binary"
	"github.com/ternlabs/tern/interp"
	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/runtime"
)

func main() {
	root := &cobra.Command{
		Use:           "tern",
		Short:         "A standalone WebAssembly runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newFuzzInstantiateCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newFuzzInstantiateCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "fuzz-instantiate <in.wasm>",
		Short: "Decode, link and instantiate a module against stub imports",
		Long: "fuzz-instantiate exercises the whole instantiation path on one input. " +
			"It exits 0 on every terminating outcome - decode failure, link failure, " +
			"trap, or clean instantiation - and non-zero only when the argument is " +
			"missing or the file cannot be read.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wasmBytes, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			log := zap.NewNop()
			if verbose {
				if log, err = zap.NewDevelopment(); err != nil {
					return err
				}
			}
			fuzzInstantiate(wasmBytes, log)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log decode and instantiate progress")
	return cmd
}

// fuzzInstantiate is the whole-pipeline probe: every outcome other than a
// runtime invariant violation terminates normally.
func fuzzInstantiate(wasmBytes []byte, log *zap.Logger) {
	features := ir.DefaultFeatureSpec()
	features.MaxLabelsPerFunction = 65536
	features.MaxLocals = 1024

	m, err := binary.LoadBinaryModule(wasmBytes, features, log)
	if err != nil {
		return
	}

	compiled, err := runtime.CompileModule(m)
	if err != nil {
		log.Debug("module validation failed", zap.Error(err))
		return
	}

	compartment := runtime.NewCompartment(interp.NewEngine(), log)
	linkResult := runtime.LinkModule(compartment, m, runtime.StubResolver{Compartment: compartment})
	if !linkResult.Success() {
		log.Debug("link failed", zap.Error(linkResult.Err()))
		return
	}

	_ = runtime.CatchRuntimeExceptions(func() error {
		_, err := runtime.InstantiateModule(compartment, compiled, linkResult.ResolvedImports, "fuzz")
		return err
	}, func(e *runtime.Exception) {
		log.Debug("instantiation raised", zap.String("exception", e.Error()))
	})

	compartment.CollectGarbage()
}
