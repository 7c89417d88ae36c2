package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl/internal/session"
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Run IDENTIFY_SYSTEM against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, session.VariantPhysical)
		if err != nil {
			return err
		}
		defer s.Dispose(ctx)

		res, err := s.IdentifySystem(ctx)
		if err != nil {
			return fmt.Errorf("identify_system: %w", err)
		}

		fmt.Printf("System ID:  %s\n", res.SystemID)
		fmt.Printf("Timeline:   %d\n", res.Timeline)
		fmt.Printf("XLog pos:   %s\n", res.XLogPos)
		if res.HasDatabase {
			fmt.Printf("Database:   %s\n", res.Database)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}
