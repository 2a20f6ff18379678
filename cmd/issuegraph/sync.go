package main

import (
	"context"
	"fmt"
	"time"

	"github.com/issuegraph/issuegraph/internal/github"
	"github.com/issuegraph/issuegraph/internal/ingestion"
	"github.com/issuegraph/issuegraph/internal/ledger"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch and persist repository activity incrementally",
	Long: `Fetch issue and pull-request activity for one or more repositories
and persist it to the configured store. Each run resumes from the repository's
last completed sync; the first run fetches from the repository's creation.

Examples:
  issuegraph sync --repos microsoft/vscode
  issuegraph sync --repos owner/a,owner/b --workers 8`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringSlice("repos", nil, "repositories to sync, owner/name (required)")
	syncCmd.Flags().Int("workers", 0, "concurrent repository workers (default from config)")
	syncCmd.MarkFlagRequired("repos")
}

func runSync(cmd *cobra.Command, args []string) error {
	started := time.Now()
	ctx := context.Background()

	repos, _ := cmd.Flags().GetStringSlice("repos")
	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = cfg.Sync.Workers
	}

	if len(cfg.GitHub.Tokens) == 0 {
		return fmt.Errorf("no GitHub tokens configured (set GITHUB_TOKENS or github.tokens)")
	}
	tokens := github.CheckTokens(ctx, cfg.GitHub.Tokens, cfg.GitHub.APIBaseURL, logger)
	if len(tokens) == 0 {
		return fmt.Errorf("none of the %d configured tokens are valid", len(cfg.GitHub.Tokens))
	}
	logger.WithField("valid_tokens", len(tokens)).Info("token check passed")

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	failed, err := ledger.Open(cfg.Sync.LedgerPath)
	if err != nil {
		return fmt.Errorf("open failure ledger: %w", err)
	}
	defer failed.Close()

	orch := ingestion.New(store, failed, cfg, logger)
	if err := orch.SyncAll(ctx, repos, workers, tokens); err != nil {
		return err
	}

	logger.WithField("duration", time.Since(started).String()).Info("sync run complete")
	return nil
}
