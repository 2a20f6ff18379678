package github

import (
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/issuegraph/issuegraph/internal/models"
)

// NormalizeIssue converts a raw API issue (or pull request) into the
// canonical record. Missing optional fields stay at their zero values; only
// items that failed to fetch at all are dropped upstream.
func NormalizeIssue(owner, name string, issue *gh.Issue) models.Issue {
	rec := models.Issue{
		Owner:     owner,
		Name:      name,
		Number:    issue.GetNumber(),
		Author:    issue.GetUser().GetLogin(),
		State:     issue.GetState(),
		CreatedAt: issue.GetCreatedAt().Time.UTC(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		IsPull:    issue.IsPullRequest(),
	}

	if issue.GetState() == models.StateClosed && issue.ClosedAt != nil {
		t := issue.ClosedAt.Time.UTC()
		rec.ClosedAt = &t
	}

	// The issue list payload carries no merge timestamp; merged_at is
	// backfilled from the PR endpoint when the closed PR is captured.
	for _, label := range issue.Labels {
		rec.Labels = append(rec.Labels, label.GetName())
	}

	return rec
}

// normalizeTimelineEvent converts one raw timeline entry into the canonical
// classified event. Unrecognized event types keep only type, time and actor.
func normalizeTimelineEvent(ev *gh.Timeline) models.TimelineEvent {
	rec := models.TimelineEvent{
		Type:  ev.GetEvent(),
		Actor: ev.GetActor().GetLogin(),
	}
	if ev.CreatedAt != nil {
		t := ev.CreatedAt.Time.UTC()
		rec.Time = &t
	}

	switch rec.Type {
	case "assigned", "unassigned":
		rec.Assignee = ev.GetAssignee().GetLogin()
	case "labeled", "unlabeled":
		rec.Label = ev.GetLabel().GetName()
	case "cross-referenced":
		rec.SourceNumber = ev.GetSource().GetIssue().GetNumber()
	case "commented":
		rec.Commenter = ev.GetUser().GetLogin()
		rec.Comment = ev.GetBody()
		if rec.Actor == "" {
			rec.Actor = rec.Commenter
		}
	case "referenced":
		rec.CommitID = ev.GetCommitID()
	}

	return rec
}

func utcPtr(ts *gh.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
