package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl/internal/session"
)

var showCmd = &cobra.Command{
	Use:   "show <parameter>",
	Short: "Run SHOW <parameter> on the replication connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, session.VariantPhysical)
		if err != nil {
			return err
		}
		defer s.Dispose(ctx)

		val, err := s.Show(ctx, args[0])
		if err != nil {
			return fmt.Errorf("show %s: %w", args[0], err)
		}
		fmt.Println(val)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
