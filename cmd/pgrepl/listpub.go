package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl/internal/catalog"
)

var listPublicationsCmd = &cobra.Command{
	Use:   "list-publications",
	Short: "List publications defined on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cat, err := catalog.Open(ctx, cfg.Connection.DSN(), logger)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		defer cat.Close()

		pubs, err := cat.Publications(ctx)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		if len(pubs) == 0 {
			fmt.Println("no publications defined")
			return nil
		}
		for _, p := range pubs {
			fmt.Printf("%-32s all_tables=%-5t insert=%-5t update=%-5t delete=%-5t truncate=%-5t\n",
				p.Name, p.AllTables, p.Insert, p.Update, p.Delete, p.Truncate)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listPublicationsCmd)
}
