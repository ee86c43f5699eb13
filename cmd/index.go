package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sessionrelay/internal/config"
)

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Search index maintenance",
	}
	cmd.AddCommand(indexRefreshCmd(), indexBackupCmd(), indexVacuumCmd(), indexVerifyCmd())
	return cmd
}

func indexRefreshCmd() *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rescan session directories and update the index",
		Run: func(cmd *cobra.Command, args []string) {
			if rebuild {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
					os.Exit(1)
				}
				dbPath := filepath.Join(config.ExpandHome(cfg.Database.StateDir), "search.db")
				for _, suffix := range []string{"", "-wal", "-shm"} {
					os.Remove(dbPath + suffix)
				}
			}

			_, ix := openIndexForCLI()
			defer ix.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			stats, err := ix.Refresh(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "refresh failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("scanned %d, indexed %d, skipped %d, removed %d\n",
				stats.Scanned, stats.Indexed, stats.Skipped, stats.Removed)
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "drop the database and index from scratch")
	return cmd
}

func indexBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a consistent snapshot of the search database",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, ix := openIndexForCLI()
			defer ix.Close()

			dir := config.ExpandHome(cfg.Database.Backup.Path)
			if dir == "" {
				dir = filepath.Join(config.ExpandHome(cfg.Database.StateDir), "backups")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			path, err := ix.Backup(ctx, dir, cfg.Database.Backup.KeepCount)
			if err != nil {
				fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("backup written to %s\n", path)
		},
	}
}

func indexVacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim free pages in the search database",
		Run: func(cmd *cobra.Command, args []string) {
			_, ix := openIndexForCLI()
			defer ix.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := ix.Vacuum(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "vacuum failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("vacuum complete")
		},
	}
}

func indexVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run a database integrity check",
		Run: func(cmd *cobra.Command, args []string) {
			_, ix := openIndexForCLI()
			defer ix.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := ix.VerifyIntegrity(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "integrity check failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("integrity ok")
		},
	}
}
