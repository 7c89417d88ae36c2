package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl/internal/catalog"
	"github.com/jfoltran/pgrepl/internal/replcommand"
	"github.com/jfoltran/pgrepl/internal/session"
	"github.com/jfoltran/pgrepl/internal/slotregistry"
)

var (
	createSlotLogical   bool
	createSlotTemporary bool
	createSlotReserveWAL bool
	createSlotTwoPhase  bool
	createSlotSnapshot  string
)

var createSlotCmd = &cobra.Command{
	Use:   "create-slot <name>",
	Short: "Create a replication slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]

		if createSlotLogical && cfg.Replication.Publication != "" {
			if err := checkPublicationExists(ctx, cfg.Replication.Publication); err != nil {
				return err
			}
		}

		s, err := openSession(ctx, session.VariantPhysical)
		if err != nil {
			return err
		}
		defer s.Dispose(ctx)

		var info replcommand.SlotInfo
		if createSlotLogical {
			info, err = s.CreateLogicalSlot(ctx, replcommand.CreateLogicalOptions{
				Name:      name,
				Plugin:    cfg.Replication.OutputPlugin,
				Temporary: createSlotTemporary,
				Snapshot:  replcommand.SnapshotAction(createSlotSnapshot),
				TwoPhase:  createSlotTwoPhase,
			})
		} else {
			info, err = s.CreatePhysicalSlot(ctx, replcommand.CreatePhysicalOptions{
				Name:       name,
				Temporary:  createSlotTemporary,
				ReserveWAL: createSlotReserveWAL,
			})
		}
		if err != nil {
			return fmt.Errorf("create_replication_slot: %w", err)
		}

		slots.Register(cfg.Connection.DSN(), &slotregistry.Slot{
			Name:      info.Name,
			Variant:   variantLabel(createSlotLogical),
			CreatedAt: time.Now(),
		})

		fmt.Printf("Slot:             %s\n", info.Name)
		fmt.Printf("Consistent point: %s\n", info.ConsistentPoint)
		if info.HasSnapshot {
			fmt.Printf("Snapshot name:    %s\n", info.SnapshotName)
		}
		if info.HasOutputPlugin {
			fmt.Printf("Output plugin:    %s\n", info.OutputPlugin)
		}
		return nil
	},
}

// checkPublicationExists looks up name through an ordinary (non-replication)
// catalog connection before a logical slot is created against it, so a typo
// in --publication surfaces before CREATE_REPLICATION_SLOT ever runs.
func checkPublicationExists(ctx context.Context, name string) error {
	cat, err := catalog.Open(ctx, cfg.Connection.DSN(), logger)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer cat.Close()

	exists, err := cat.PublicationExists(ctx, name)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if !exists {
		return fmt.Errorf("publication %q does not exist", name)
	}
	return nil
}

func variantLabel(logical bool) string {
	if logical {
		return "logical"
	}
	return "physical"
}

func init() {
	createSlotCmd.Flags().BoolVar(&createSlotLogical, "logical", false, "Create a logical slot instead of a physical one")
	createSlotCmd.Flags().BoolVar(&createSlotTemporary, "temporary", false, "Create a temporary slot (dropped at disconnect)")
	createSlotCmd.Flags().BoolVar(&createSlotReserveWAL, "reserve-wal", false, "Reserve WAL immediately (physical slots)")
	createSlotCmd.Flags().BoolVar(&createSlotTwoPhase, "two-phase", false, "Decode prepared transactions (logical slots)")
	createSlotCmd.Flags().StringVar(&createSlotSnapshot, "snapshot", "", "Snapshot action: export, use, or nothing (logical slots)")
	rootCmd.AddCommand(createSlotCmd)
}
