package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/issuegraph/issuegraph/internal/graph"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Build the interaction graph from persisted activity",
	Long: `Build the weighted user-issue interaction graph for a repository
from previously synced data and print it.

Formats:
  summary   node and edge totals (default)
  edges     one edge per line: src dst weight type`,
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().String("repo", "", "repository, owner/name (required)")
	graphCmd.Flags().String("format", "summary", "output format: summary or edges")
	graphCmd.MarkFlagRequired("repo")
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	repo, _ := cmd.Flags().GetString("repo")
	format, _ := cmd.Flags().GetString("format")

	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("repository %q is not owner/name", repo)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := graph.NewBuilder(store, logger).Build(ctx, owner, name)
	if err != nil {
		return err
	}

	switch format {
	case "summary":
		fmt.Printf("repository: %s/%s\n", owner, name)
		fmt.Printf("user nodes:  %d\n", snap.NodeCounts["user"])
		fmt.Printf("issue nodes: %d\n", snap.NodeCounts["issue"])
		fmt.Printf("edges:       %d\n", len(snap.Edges))
	case "edges":
		for _, e := range snap.Edges {
			fmt.Printf("%d\t%d\t%d\t%s\n", e.Src, e.Dst, e.Weight, e.EventType)
		}
	default:
		return fmt.Errorf("unknown format %q (want summary or edges)", format)
	}
	return nil
}
