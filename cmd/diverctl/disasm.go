package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"divervm/vm"
)

func newDisasmCmd(v *viper.Viper) *cobra.Command {
	var methodIndex int

	cmd := &cobra.Command{
		Use:   "disasm <image>",
		Short: "Print the opcode stream of one method from a program image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			img, err := vm.ParseImage(raw)
			if err != nil {
				return fmt.Errorf("parsing image: %w", err)
			}
			if methodIndex < 0 || methodIndex >= len(img.Methods) {
				return fmt.Errorf("method index %d out of range (image has %d methods)", methodIndex, len(img.Methods))
			}
			return disassembleMethod(cmd.OutOrStdout(), img, methodIndex)
		},
	}

	cmd.Flags().IntVar(&methodIndex, "method", 0, "method table index to disassemble")
	return cmd
}

// disassembleMethod walks one method's code bytes the same way execFrame's
// dispatch loop does -- one opcode byte followed by its fixed or
// variable-length operand -- printing each instruction's byte offset,
// mnemonic, and raw operand bytes without executing anything.
func disassembleMethod(w io.Writer, img *vm.Image, methodIndex int) error {
	m := &img.Methods[methodIndex]
	fmt.Fprintf(w, "method %d: %d arg(s), %d local(s), max_stack=%d, %d code byte(s)\n",
		methodIndex, len(m.ArgTypes), len(m.VarTypes), m.MaxStack, len(m.Code))

	code := m.Code
	for pc := 0; pc < len(code); {
		op := vm.Bytecode(code[pc])
		start := pc
		pc++

		switch {
		case op == vm.Switch:
			if pc+4 > len(code) {
				return fmt.Errorf("method %d: truncated switch at offset %d", methodIndex, start)
			}
			caseCount := int(int32FromBytesLE(code[pc : pc+4]))
			pc += 4
			targets := make([]int32, 0, caseCount)
			for i := 0; i < caseCount; i++ {
				if pc+4 > len(code) {
					return fmt.Errorf("method %d: truncated switch table at offset %d", methodIndex, start)
				}
				targets = append(targets, int32FromBytesLE(code[pc:pc+4]))
				pc += 4
			}
			fmt.Fprintf(w, "  %04x: %-14s %v\n", start, op, targets)
		default:
			n := op.NumOpArgBytes()
			if n < 0 {
				n = 0
			}
			if pc+n > len(code) {
				return fmt.Errorf("method %d: truncated operand at offset %d", methodIndex, start)
			}
			operand := code[pc : pc+n]
			pc += n
			if n == 0 {
				fmt.Fprintf(w, "  %04x: %s\n", start, op)
			} else {
				fmt.Fprintf(w, "  %04x: %-14s % x\n", start, op, operand)
			}
		}
	}
	return nil
}

func int32FromBytesLE(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
