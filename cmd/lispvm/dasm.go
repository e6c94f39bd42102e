package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lispvm/internal/vm"
)

var dasmCmd = &cobra.Command{
	Use:   "dasm <file.lasm|file.lvc>",
	Short: "Print the disassembly of a program",
	Long: `Load a program and list its entry chunk followed by every lambda it
references, one instruction per line.`,
	Args: cobra.ExactArgs(1),
	RunE: runDisassemble,
}

func runDisassemble(cmd *cobra.Command, args []string) error {
	// [disasm] color applies unless --color was given.
	if !cmd.Root().PersistentFlags().Changed("color") {
		cfg, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		if err := applyColorMode(cfg.Disasm.Color); err != nil {
			return err
		}
	}

	m := vm.New(vm.Options{})
	entry, err := loadProgram(args[0], m)
	if err != nil {
		return err
	}
	if err := m.Disassemble(cmd.OutOrStdout(), entry); err != nil {
		return fmt.Errorf("disassemble %s: %w", args[0], err)
	}
	return nil
}
