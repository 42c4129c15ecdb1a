package main

import (
	"fmt"
	"os"
	"rvos/kernel/mm/vmm"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newLoadCmd())
}

func newLoadCmd() *cobra.Command {
	var populate bool

	cmd := &cobra.Command{
		Use:   "load <elf>",
		Short: "Load a RISC-V executable into a new address space",
		Long: `The load command boots the memory core, creates a user address space for
the given executable and prints its memory areas and auxiliary vector. With
--populate every page of the loaded segments is faulted in first.

Example:
  rvmm load ./init
  rvmm load ./init --populate --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, args[0], populate)
		},
	}
	cmd.Flags().BoolVar(&populate, "populate", false, "Fault in every page of the loaded segments")
	return cmd
}

// hostFile adapts a host file to the vmm.File interface.
type hostFile struct {
	*os.File
}

func (f hostFile) Size() int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

type vmaReport struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Flags    string `json:"flags"`
	Backing  string `json:"backing"`
	Resident int    `json:"resident"`
	Dirty    bool   `json:"dirty"`
}

type auxReport struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type loadReport struct {
	Entry  string      `json:"entry"`
	VMAs   []vmaReport `json:"vmas"`
	Auxv   []auxReport `json:"auxv"`
	Faults uint64      `json:"faults"`
	Frames uintptr     `json:"live_frames"`
}

func runLoad(cmd *cobra.Command, path string, populate bool) error {
	out := cmd.OutOrStdout()

	image, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read executable")
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open executable")
	}
	defer f.Close()

	sys, err := bootFromFlags(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer sys.Shutdown()

	as, entry, err := sys.Exec(image, hostFile{f})
	if err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	defer as.Release()

	if populate {
		for _, vma := range as.VMAs() {
			if !vma.FileBacked {
				continue
			}
			buf := make([]byte, vma.End-vma.Start)
			if err = as.CopyIn(buf, vma.Start); err != nil {
				return errors.Wrapf(err, "populate [0x%x - 0x%x)", uintptr(vma.Start), uintptr(vma.End))
			}
		}
	}

	report := loadReport{
		Entry:  fmt.Sprintf("0x%x", uintptr(entry)),
		Faults: as.FaultCount(),
		Frames: sys.Frames.LiveFrames(),
	}
	for _, vma := range as.VMAs() {
		backing := "anon"
		if vma.FileBacked {
			backing = "file"
		}
		report.VMAs = append(report.VMAs, vmaReport{
			Start:    fmt.Sprintf("0x%016x", uintptr(vma.Start)),
			End:      fmt.Sprintf("0x%016x", uintptr(vma.End)),
			Flags:    vma.Flags.String(),
			Backing:  backing,
			Resident: vma.Resident,
			Dirty:    vma.Dirty,
		})
	}
	for _, aux := range as.Auxv() {
		report.Auxv = append(report.Auxv, auxReport{Type: aux.Type.String(), Value: fmt.Sprintf("0x%x", aux.Value)})
	}

	if jsonOut {
		return printJSON(out, report)
	}

	fmt.Fprintf(out, "Entry: %s\n\nVMAs:\n", report.Entry)
	for _, vma := range report.VMAs {
		fmt.Fprintf(out, "  %s-%s %s %s resident=%d\n", vma.Start, vma.End, vma.Flags, vma.Backing, vma.Resident)
	}
	fmt.Fprintf(out, "\nAuxiliary vector:\n")
	for _, aux := range report.Auxv {
		fmt.Fprintf(out, "  %-9s %s\n", aux.Type, aux.Value)
	}
	fmt.Fprintf(out, "\nPage faults: %d\nLive frames: %d\n", report.Faults, report.Frames)
	return nil
}

var _ vmm.File = hostFile{}
