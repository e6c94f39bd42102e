package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lispvm/internal/asm"
	"lispvm/internal/chunk"
	"lispvm/internal/vm"
)

var asmCmd = &cobra.Command{
	Use:   "asm [flags] <file.lasm>",
	Short: "Assemble a program into a bytecode image",
	Long: `Assemble a .lasm file and write its entry chunk, with every chunk it
references, as a .lvc image. Global references are stored by name.`,
	Args: cobra.ExactArgs(1),
	RunE: runAssemble,
}

func init() {
	asmCmd.Flags().StringP("output", "o", "", "image path (default: input with .lvc extension)")
}

func runAssemble(cmd *cobra.Command, args []string) error {
	in := args[0]
	out, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to get output flag: %w", err)
	}
	if out == "" {
		out = imagePath(in)
	}

	m := vm.New(vm.Options{})
	prog, err := asm.AssembleFile(in, m)
	if err != nil {
		return err
	}
	if err := chunk.SaveImage(out, prog.Entry, m); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	if !quiet(cmd) {
		info, statErr := os.Stat(out)
		size := int64(0)
		if statErr == nil {
			size = info.Size()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s (%d chunks, %d bytes)\n", //nolint:errcheck
			color.GreenString("assembled"), in, out, len(prog.Chunks), size)
	}
	return nil
}
