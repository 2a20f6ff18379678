package ingestion

import (
	"time"

	"github.com/issuegraph/issuegraph/internal/models"
)

// delta partitions a fetched issue window into the four disjoint update
// categories by (state, is_pull).
type delta struct {
	ClosedIssues []int
	OpenIssues   []int
	ClosedPRs    []int
	OpenPRs      []int
}

func partitionDelta(issues []models.Issue) delta {
	var d delta
	for _, issue := range issues {
		switch {
		case issue.State == models.StateClosed && !issue.IsPull:
			d.ClosedIssues = append(d.ClosedIssues, issue.Number)
		case issue.State == models.StateOpen && !issue.IsPull:
			d.OpenIssues = append(d.OpenIssues, issue.Number)
		case issue.State == models.StateClosed && issue.IsPull:
			d.ClosedPRs = append(d.ClosedPRs, issue.Number)
		default:
			d.OpenPRs = append(d.OpenPRs, issue.Number)
		}
	}
	return d
}

// sinceFor picks the incremental watermark: the last completed sync when the
// repository has one, its creation time otherwise.
func sinceFor(repo *models.Repository, createdAt time.Time) time.Time {
	if repo != nil && repo.LastSyncTime != nil {
		return *repo.LastSyncTime
	}
	return createdAt
}
