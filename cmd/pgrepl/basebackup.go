package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl/internal/basebackup"
	"github.com/jfoltran/pgrepl/internal/session"
)

var (
	baseBackupOutputDir string
	baseBackupMaxRate   int
)

var baseBackupCmd = &cobra.Command{
	Use:   "basebackup",
	Short: "Take a base backup and extract it under a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := dialConnector(ctx, session.VariantPhysical)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)

		sql := "BASE_BACKUP (LABEL 'pgrepl', PROGRESS, MANIFEST 'yes'"
		if baseBackupMaxRate > 0 {
			sql += fmt.Sprintf(", MAX_RATE %d", baseBackupMaxRate)
		}
		sql += ")"

		coord, err := basebackup.Open(ctx, conn, sql)
		if err != nil {
			return fmt.Errorf("base_backup: %w", err)
		}

		start, err := coord.Start(ctx)
		if err != nil {
			return fmt.Errorf("base_backup start: %w", err)
		}
		fmt.Printf("start position: %s (timeline %d)\n", start.Position, start.Timeline)

		tablespaces, err := coord.TablespaceInfo(ctx)
		if err != nil {
			return fmt.Errorf("base_backup tablespace info: %w", err)
		}

		for i := range tablespaces {
			ts, err := coord.NextTablespace(ctx)
			if err != nil {
				return fmt.Errorf("base_backup tablespace %d: %w", i, err)
			}
			if ts == nil {
				break
			}
			dir := baseBackupOutputDir
			if ts.Info.HasPath {
				dir = ts.Info.Path
			}
			if err := extractTablespace(ts, dir); err != nil {
				return fmt.Errorf("extract tablespace %d: %w", i, err)
			}
		}

		manifest, present, err := coord.Manifest(ctx)
		if err != nil {
			return fmt.Errorf("base_backup manifest: %w", err)
		}
		if present {
			if err := writeManifest(manifest, baseBackupOutputDir); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
		}

		end, err := coord.End(ctx)
		if err != nil {
			return fmt.Errorf("base_backup end: %w", err)
		}
		fmt.Printf("end position:   %s (timeline %d)\n", end.Position, end.Timeline)
		return nil
	},
}

func extractTablespace(ts *basebackup.TablespaceDataMessage, dir string) error {
	for {
		entry, err := ts.Entries.Load()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		target := filepath.Join(dir, filepath.Clean("/"+entry.Name))
		if entry.TypeFlag == '5' {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !entry.HasContent() {
			if err := ts.Entries.Dispose(); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(entry.Mode))
		if err != nil {
			return err
		}
		_, copyErr := io.CopyN(f, ts.Entries, entry.Size)
		closeErr := f.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
}

func writeManifest(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "backup_manifest"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func init() {
	baseBackupCmd.Flags().StringVarP(&baseBackupOutputDir, "output-dir", "D", "", "Directory to extract the backup into (required)")
	baseBackupCmd.Flags().IntVar(&baseBackupMaxRate, "max-rate", 0, "Maximum transfer rate in KB/s (0 = unlimited)")
	baseBackupCmd.MarkFlagRequired("output-dir")
	rootCmd.AddCommand(baseBackupCmd)
}
