package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/issuegraph/issuegraph/internal/graph"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted activity to Neo4j",
	Long: `Export a repository's synced issues and pull requests to Neo4j as a
property graph. Nodes merge on (repo, number) so repeated exports are safe.

Example:
  issuegraph export --repo microsoft/vscode`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().String("repo", "", "repository, owner/name (required)")
	exportCmd.MarkFlagRequired("repo")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	repo, _ := cmd.Flags().GetString("repo")
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("repository %q is not owner/name", repo)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	exporter, err := graph.NewExporter(ctx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.Database, logger)
	if err != nil {
		return err
	}
	defer exporter.Close(ctx)

	return exporter.Export(ctx, store, owner, name)
}
