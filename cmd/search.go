package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sessionrelay/internal/config"
	"github.com/nextlevelbuilder/sessionrelay/internal/searchindex"
)

func searchCmd() *cobra.Command {
	var (
		project string
		sort    string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed sessions from the command line",
		Args:  cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runSearch(strings.Join(args, " "), project, sort, limit)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "filter by project path or name")
	cmd.Flags().StringVar(&sort, "sort", searchindex.SortRelevance, "sort order: relevance or modified")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (default from config)")
	return cmd
}

func runSearch(query, project, sort string, limit int) {
	cfg, ix := openIndexForCLI()
	defer ix.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stats, err := ix.Stats(ctx)
	if err == nil && stats.Sessions == 0 {
		fmt.Fprintln(os.Stderr, "building index...")
		if _, err := ix.Refresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "index refresh failed: %v\n", err)
			os.Exit(1)
		}
	}

	if limit <= 0 {
		limit = cfg.Search.DefaultLimit
	}
	if limit > cfg.Search.MaxLimit {
		limit = cfg.Search.MaxLimit
	}

	results, err := ix.SearchWith(ctx, query, searchindex.SearchOptions{
		Project: project,
		Sort:    sort,
		Limit:   limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "search failed: %v\n", err)
		os.Exit(1)
	}
	if len(results) == 0 {
		fmt.Println("no sessions found")
		return
	}

	for i, r := range results {
		summary := r.Summary
		if summary == "" {
			summary = "(no summary)"
		}
		fmt.Printf("%2d. %s\n    %s · %s · %s\n",
			i+1, summary, r.ProjectPath,
			r.Modified.Format("2006-01-02 15:04"), r.SessionID)
	}
}

// openIndexForCLI loads config and opens the search database the same way
// the serve command does.
func openIndexForCLI() (*config.Config, *searchindex.Index) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	stateDir := config.ExpandHome(cfg.Database.StateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create state dir: %v\n", err)
		os.Exit(1)
	}
	dirs := make([]string, 0, len(cfg.Index.Paths))
	for _, p := range cfg.Index.Paths {
		dirs = append(dirs, config.ExpandHome(p))
	}

	ix, err := searchindex.SafeInitialize(searchindex.Options{
		Path:                  filepath.Join(stateDir, "search.db"),
		SessionDirs:           dirs,
		IncludeSubagents:      cfg.Index.IncludeSubagents,
		MaxSessionsPerProject: cfg.Index.MaxSessionsPerProject,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open search index: %v\n", err)
		os.Exit(1)
	}
	return cfg, ix
}
