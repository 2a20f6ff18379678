package graph

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/issuegraph/issuegraph/internal/storage"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
)

// Exporter mirrors the event store into Neo4j as a property graph: User,
// OpenIssue, ResolvedIssue, OpenPR and ClosedPR nodes with typed
// relationships. Nodes merge on their natural key so repeated exports are
// idempotent; relationships are recreated per run.
type Exporter struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *logrus.Logger
}

// NewExporter connects to Neo4j at uri.
func NewExporter(ctx context.Context, uri, user, password, database string, logger *logrus.Logger) (*Exporter, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("connect neo4j: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Exporter{driver: driver, database: database, logger: logger}, nil
}

// Close releases the driver.
func (e *Exporter) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}

// Export writes all records of owner/name. PRs go first: issue events
// cross-reference PR nodes, which must already exist for the chain edges
// to land.
func (e *Exporter) Export(ctx context.Context, store storage.Store, owner, name string) error {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: e.database})
	defer session.Close(ctx)

	openPRs, err := store.ListOpenPRs(ctx, owner, name)
	if err != nil {
		return err
	}
	for _, pr := range openPRs {
		if err := e.exportPR(ctx, session, "OpenPR", name, pr.Number, pr.CreatedAt, nil, &pr.UpdatedAt,
			pr.Opener, pr.ReviewerEvents, pr.CommenterEvents, pr.LabelEvents); err != nil {
			return fmt.Errorf("export open pr %d: %w", pr.Number, err)
		}
	}

	closedPRs, err := store.ListClosedPRs(ctx, owner, name)
	if err != nil {
		return err
	}
	for _, pr := range closedPRs {
		if err := e.exportPR(ctx, session, "ClosedPR", name, pr.Number, pr.CreatedAt, pr.ClosedAt, nil,
			pr.Opener, pr.ReviewerEvents, pr.CommenterEvents, pr.LabelEvents); err != nil {
			return fmt.Errorf("export closed pr %d: %w", pr.Number, err)
		}
	}

	openIssues, err := store.ListOpenIssues(ctx, owner, name)
	if err != nil {
		return err
	}
	for _, issue := range openIssues {
		props := map[string]any{"updated_at": formatTime(&issue.UpdatedAt)}
		if err := e.exportIssue(ctx, session, "OpenIssue", name, issue.Number, issue.CreatedAt, props,
			issue.Opener, issue.Events); err != nil {
			return fmt.Errorf("export open issue %d: %w", issue.Number, err)
		}
	}

	resolved, err := store.ListResolvedIssues(ctx, owner, name)
	if err != nil {
		return err
	}
	for _, issue := range resolved {
		props := map[string]any{
			"resolved_at": formatTime(issue.ResolvedAt),
			"resolver":    issue.Resolver,
		}
		if err := e.exportIssue(ctx, session, "ResolvedIssue", name, issue.Number, issue.CreatedAt, props,
			issue.Opener, issue.Events); err != nil {
			return fmt.Errorf("export resolved issue %d: %w", issue.Number, err)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"owner":           owner,
		"name":            name,
		"open_prs":        len(openPRs),
		"closed_prs":      len(closedPRs),
		"open_issues":     len(openIssues),
		"resolved_issues": len(resolved),
	}).Info("neo4j export finished")
	return nil
}

func (e *Exporter) exportPR(ctx context.Context, session neo4j.SessionWithContext, label, repo string, number int,
	createdAt time.Time, closedAt, updatedAt *time.Time, opener string, groups ...[]models.PRActivityEvent) error {

	props := map[string]any{}
	if closedAt != nil {
		props["closed_at"] = formatTime(closedAt)
	}
	if updatedAt != nil {
		props["updated_at"] = formatTime(updatedAt)
	}
	if err := e.mergeNode(ctx, session, label, repo, number, createdAt, props); err != nil {
		return err
	}
	if err := e.userEdge(ctx, session, opener, "OPENED", label, repo, number, &createdAt); err != nil {
		return err
	}
	for _, events := range groups {
		for _, ev := range events {
			if ev.Actor == "" {
				continue
			}
			if err := e.userEdge(ctx, session, ev.Actor, relType(ev.Type), label, repo, number, ev.Time); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Exporter) exportIssue(ctx context.Context, session neo4j.SessionWithContext, label, repo string, number int,
	createdAt time.Time, props map[string]any, opener string, events []models.TimelineEvent) error {

	if err := e.mergeNode(ctx, session, label, repo, number, createdAt, props); err != nil {
		return err
	}
	if err := e.userEdge(ctx, session, opener, "OPENED", label, repo, number, &createdAt); err != nil {
		return err
	}
	for _, ev := range events {
		switch ev.Type {
		case "commented", "labeled":
			if err := e.userEdge(ctx, session, ev.Actor, relType(ev.Type), label, repo, number, ev.Time); err != nil {
				return err
			}
		case "assigned":
			// Direction is issue to user: assignment is an attribute of
			// the issue, not a contribution by the assignee.
			if ev.Assignee == "" {
				continue
			}
			if err := e.run(ctx, session, fmt.Sprintf(`
				MATCH (i:%s {repo: $repo, number: $number})
				MERGE (u:User {name: $login})
				CREATE (i)-[:ASSIGNED {created_time: $time}]->(u)`, label),
				map[string]any{
					"repo":   repo,
					"number": number,
					"login":  ev.Assignee,
					"time":   formatTime(ev.Time),
				}); err != nil {
				return err
			}
		case "cross-referenced":
			if ev.SourceNumber == 0 {
				continue
			}
			if err := e.run(ctx, session, fmt.Sprintf(`
				MATCH (i:%s {repo: $repo, number: $number})
				MATCH (pr)
				WHERE (pr:OpenPR OR pr:ClosedPR) AND pr.repo = $repo AND pr.number = $source
				CREATE (i)-[:`+"`CROSS-REFERENCED`"+` {created_time: $time}]->(pr)`, label),
				map[string]any{
					"repo":   repo,
					"number": number,
					"source": ev.SourceNumber,
					"time":   formatTime(ev.Time),
				}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Exporter) mergeNode(ctx context.Context, session neo4j.SessionWithContext, label, repo string, number int,
	createdAt time.Time, extra map[string]any) error {

	params := map[string]any{
		"repo":       repo,
		"number":     number,
		"created_at": formatTime(&createdAt),
		"props":      extra,
	}
	query := fmt.Sprintf(`
		MERGE (n:%s {repo: $repo, number: $number})
		SET n.created_at = $created_at, n += $props`, label)
	return e.run(ctx, session, query, params)
}

func (e *Exporter) userEdge(ctx context.Context, session neo4j.SessionWithContext, login, rel, label, repo string,
	number int, at *time.Time) error {

	if login == "" {
		return nil
	}
	query := fmt.Sprintf(`
		MERGE (u:User {name: $login})
		WITH u
		MATCH (n:%s {repo: $repo, number: $number})
		CREATE (u)-[:%s {created_time: $time}]->(n)`, label, rel)
	return e.run(ctx, session, query, map[string]any{
		"login":  login,
		"repo":   repo,
		"number": number,
		"time":   formatTime(at),
	})
}

func (e *Exporter) run(ctx context.Context, session neo4j.SessionWithContext, query string, params map[string]any) error {
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, params)
	})
	return err
}

var relTypeClean = regexp.MustCompile(`[^A-Z0-9_]`)

// relType turns an event type into a relationship type: uppercased with
// anything outside the identifier alphabet collapsed to underscores.
func relType(eventType string) string {
	rel := relTypeClean.ReplaceAllString(strings.ToUpper(eventType), "_")
	if rel == "" {
		rel = "INTERACTED"
	}
	return rel
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format("2006-01-02T15:04:05")
}
