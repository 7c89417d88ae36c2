package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl/internal/pgoutput"
	"github.com/jfoltran/pgrepl/internal/session"
	"github.com/jfoltran/pgrepl/internal/slotregistry"
	"github.com/jfoltran/pgrepl/pkg/lsn"
)

var (
	streamLogical  bool
	streamTimeline int32
	streamStartLSN string
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream WAL from the configured slot until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		variant := session.VariantPhysical
		if streamLogical {
			variant = session.VariantLogical
		}

		s, err := openSession(ctx, variant)
		if err != nil {
			return err
		}
		defer s.Dispose(ctx)

		slots.Register(cfg.Connection.DSN(), &slotregistry.Slot{
			Name:      cfg.Replication.SlotName,
			Variant:   variantLabel(streamLogical),
			CreatedAt: time.Now(),
		})
		stopHook := make(chan struct{})
		slots.RegisterExitHook(stopHook, func(ctx context.Context, slot *slotregistry.Slot) error {
			return nil // caller-owned slot: the CLI never drops it on exit, only forgets the handle
		})

		startLSN, err := lsn.Parse(streamStartLSN)
		if err != nil {
			return fmt.Errorf("invalid --start-lsn: %w", err)
		}

		var events <-chan session.Event
		if streamLogical {
			if cfg.Replication.OriginID != "" {
				if err := configureReplicationOrigin(ctx, cfg.Replication.OriginID); err != nil {
					return fmt.Errorf("configure replication origin: %w", err)
				}
			}
			options := [][2]string{{"proto_version", "1"}}
			if cfg.Replication.Publication != "" {
				options = append(options, [2]string{"publication_names", cfg.Replication.Publication})
			}
			events, err = s.StartLogicalReplication(ctx, cfg.Replication.SlotName, startLSN, options, cfg.Replication.StatusInterval)
		} else {
			events, err = s.StartPhysicalReplication(ctx, cfg.Replication.SlotName, startLSN, streamTimeline, cfg.Replication.StatusInterval)
		}
		if err != nil {
			return fmt.Errorf("start_replication: %w", err)
		}

		for ev := range events {
			printEvent(ev)
		}
		close(stopHook)
		return nil
	},
}

func printEvent(ev session.Event) {
	if ev.Message == nil {
		fmt.Printf("wal %s..%s: %d raw bytes\n", ev.WALStart, ev.WALEnd, len(ev.Raw))
		return
	}
	switch m := ev.Message.(type) {
	case *pgoutput.Begin:
		fmt.Printf("BEGIN xid=%d final_lsn=%s\n", m.XID, m.FinalLSN)
	case *pgoutput.Commit:
		fmt.Printf("COMMIT commit_lsn=%s\n", m.CommitLSN)
	case *pgoutput.Relation:
		fmt.Printf("RELATION %s.%s (%d columns)\n", m.Namespace, m.RelationName, len(m.Columns))
	case *pgoutput.Insert:
		fmt.Printf("INSERT relation=%d\n", m.RelationID)
	case *pgoutput.Update:
		fmt.Printf("UPDATE relation=%d\n", m.RelationID)
	case *pgoutput.Delete:
		fmt.Printf("DELETE relation=%d\n", m.RelationID)
	case *pgoutput.Truncate:
		fmt.Printf("TRUNCATE relations=%v\n", m.RelationIDs)
	case *pgoutput.Origin:
		fmt.Printf("ORIGIN %s\n", m.OriginName)
	case *pgoutput.Type:
		fmt.Printf("TYPE %s.%s\n", m.Namespace, m.Name)
	default:
		fmt.Printf("unrecognized message %T\n", m)
	}
}

func init() {
	streamCmd.Flags().BoolVar(&streamLogical, "logical", false, "Stream logical (pgoutput) changes instead of raw physical WAL")
	streamCmd.Flags().Int32Var(&streamTimeline, "timeline", 0, "Timeline to stream (0 = server's current timeline)")
	streamCmd.Flags().StringVar(&streamStartLSN, "start-lsn", "0/0", "LSN to start streaming from")
	rootCmd.AddCommand(streamCmd)
}
