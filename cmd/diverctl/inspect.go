package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"divervm/vm"
)

func newInspectCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Parse a program image and print its descriptor tables without executing it",
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

			fmt.Printf("operation_interval_us: %d\n", img.Meta.OperationIntervalUs)
			fmt.Printf("entry_method_offset:   %d\n", img.Meta.EntryMethodOffset)
			fmt.Printf("root_class_id:         %d\n", img.Meta.RootClassID)
			fmt.Printf("cart_io_count:         %d\n", len(img.CartIOOffsets))
			fmt.Printf("classes:               %d\n", len(img.Classes))
			fmt.Printf("methods:               %d\n", len(img.Methods))
			fmt.Printf("virt_tables:           %d\n", len(img.VirtTables))
			fmt.Printf("statics:               %d\n", len(img.Statics))
			fmt.Printf("image size:            %d bytes\n", len(raw))
			return nil
		},
	}
}
