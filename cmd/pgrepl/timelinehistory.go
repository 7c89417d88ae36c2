package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl/internal/session"
)

var timelineHistoryOutputFile string

var timelineHistoryCmd = &cobra.Command{
	Use:   "timeline-history <tli>",
	Short: "Fetch a timeline's .history file from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tli, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid timeline %q: %w", args[0], err)
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, session.VariantPhysical)
		if err != nil {
			return err
		}
		defer s.Dispose(ctx)

		result, err := s.TimelineHistory(ctx, int32(tli))
		if err != nil {
			return fmt.Errorf("timeline_history: %w", err)
		}

		if timelineHistoryOutputFile == "" {
			fmt.Printf("%s\n%s", result.Filename, result.Content)
			return nil
		}
		return os.WriteFile(timelineHistoryOutputFile, result.Content, 0o644)
	},
}

func init() {
	timelineHistoryCmd.Flags().StringVarP(&timelineHistoryOutputFile, "output", "o", "", "Write the history file content here instead of stdout")
	rootCmd.AddCommand(timelineHistoryCmd)
}
