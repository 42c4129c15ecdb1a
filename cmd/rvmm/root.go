package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"rvos/kernel/kfmt"
	"rvos/kernel/kmain"
	"rvos/kernel/mm"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	ramBase   uint64
	ramSizeMb uint64
	kernelEnd uint64
	logLevel  string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "rvmm",
	Short: "Boot the Sv39 memory manager over host memory",
	Long: `rvmm runs the kernel memory-management core on the host: simulated RAM is
backed by an anonymous host mapping, and the buddy allocator, page tables and
address spaces operate on it exactly as they would on the board.`,
	SilenceUsage: true,
}

func init() {
	def := kmain.DefaultConfig()

	rootCmd.PersistentFlags().Uint64Var(&ramBase, "ram-base", uint64(def.RAMBase), "Physical address of the first byte of RAM")
	rootCmd.PersistentFlags().Uint64Var(&ramSizeMb, "ram-size", uint64(def.RAMSize/mm.Mb), "RAM size in megabytes")
	rootCmd.PersistentFlags().Uint64Var(&kernelEnd, "kernel-end", uint64(def.KernelEnd), "First physical address past the kernel image")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Kernel log level (error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootFromFlags builds the kernel configuration from the global flags and
// boots the memory core with kernel output going to w.
func bootFromFlags(w io.Writer) (*kmain.System, error) {
	level, err := kmain.ParseLogLevel(logLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "--log-level %q", logLevel)
	}

	cfg := kmain.Config{
		RAMBase:   mm.Paddr(ramBase),
		RAMSize:   mm.Size(ramSizeMb) * mm.Mb,
		KernelEnd: mm.Paddr(kernelEnd),
		LogLevel:  level,
	}

	kfmt.SetOutputSink(w)
	sys, err := kmain.Boot(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "boot failed")
	}
	return sys, nil
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
