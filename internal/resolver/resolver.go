// Package resolver derives candidate resolvers for an issue from its
// classified timeline. The output is a heuristic: every candidate of the
// winning tier is returned and disambiguation is left to the consuming model.
package resolver

import (
	"context"

	"github.com/issuegraph/issuegraph/internal/models"
)

// Candidate evidence tiers, strongest first.
const (
	TierAssignee  = "assignee"
	TierPR        = "pr"
	TierCommenter = "commenter"
)

// ClosedPRAuthorFunc reports the author of a closed pull request in the same
// repository, or found=false when the number does not map to a closed PR.
type ClosedPRAuthorFunc func(ctx context.Context, number int) (author string, found bool)

// Engine infers resolver candidates. ClosedPRAuthor backs the pr tier: a
// cross-referenced number only counts when it resolves to a closed PR.
type Engine struct {
	ClosedPRAuthor ClosedPRAuthorFunc
}

// Infer walks the timeline events and returns the deduplicated candidate
// set of the first non-empty tier in [assignee, pr, commenter]. The slice is
// empty when no tier produced a candidate.
func (e *Engine) Infer(ctx context.Context, events []models.TimelineEvent) []string {
	var assignees, prAuthors, commenters []string

	for _, ev := range events {
		switch ev.Type {
		case "assigned", "unassigned":
			if ev.Assignee != "" {
				assignees = append(assignees, ev.Assignee)
			}
		case "cross-referenced":
			if ev.SourceNumber == 0 || e.ClosedPRAuthor == nil {
				continue
			}
			if author, found := e.ClosedPRAuthor(ctx, ev.SourceNumber); found && author != "" {
				prAuthors = append(prAuthors, author)
			}
		case "commented":
			if ev.Commenter != "" {
				commenters = append(commenters, ev.Commenter)
			}
		}
	}

	for _, tier := range [][]string{assignees, prAuthors, commenters} {
		if deduped := dedupe(tier); len(deduped) > 0 {
			return deduped
		}
	}
	return nil
}

// dedupe keeps first occurrences in order.
func dedupe(logins []string) []string {
	seen := make(map[string]struct{}, len(logins))
	var out []string
	for _, l := range logins {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
