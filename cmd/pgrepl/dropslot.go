package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl/internal/session"
)

var dropSlotWait bool

var dropSlotCmd = &cobra.Command{
	Use:   "drop-slot <name>",
	Short: "Drop a replication slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]

		s, err := openSession(ctx, session.VariantPhysical)
		if err != nil {
			return err
		}
		defer s.Dispose(ctx)

		if err := s.DropSlot(ctx, name, dropSlotWait); err != nil {
			return fmt.Errorf("drop_replication_slot: %w", err)
		}
		fmt.Printf("dropped slot %s\n", name)
		return nil
	},
}

func init() {
	dropSlotCmd.Flags().BoolVar(&dropSlotWait, "wait", false, "Wait for any active use of the slot to finish")
	rootCmd.AddCommand(dropSlotCmd)
}
