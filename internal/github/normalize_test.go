package github

import (
	"testing"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/stretchr/testify/assert"
)

func ts(s string) gh.Timestamp {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return gh.Timestamp{Time: t}
}

func TestNormalizeIssue(t *testing.T) {
	created := ts("2024-03-01T10:00:00Z")
	closed := ts("2024-03-05T12:30:00Z")

	issue := &gh.Issue{
		Number:    gh.Int(42),
		User:      &gh.User{Login: gh.String("alice")},
		State:     gh.String("closed"),
		CreatedAt: &created,
		ClosedAt:  &closed,
		Title:     gh.String("panic on empty input"),
		Body:      gh.String("steps to reproduce"),
		Labels: []*gh.Label{
			{Name: gh.String("bug")},
			{Name: gh.String("good first issue")},
		},
	}

	rec := NormalizeIssue("acme", "widget", issue)
	assert.Equal(t, "acme", rec.Owner)
	assert.Equal(t, "widget", rec.Name)
	assert.Equal(t, 42, rec.Number)
	assert.Equal(t, "alice", rec.Author)
	assert.Equal(t, models.StateClosed, rec.State)
	assert.Equal(t, created.Time.UTC(), rec.CreatedAt)
	assert.NotNil(t, rec.ClosedAt)
	assert.Equal(t, closed.Time.UTC(), *rec.ClosedAt)
	assert.Equal(t, []string{"bug", "good first issue"}, rec.Labels)
	assert.False(t, rec.IsPull)
	assert.Nil(t, rec.MergedAt)
}

func TestNormalizeIssueOpenHasNoClosedAt(t *testing.T) {
	created := ts("2024-03-01T10:00:00Z")
	issue := &gh.Issue{
		Number:    gh.Int(7),
		State:     gh.String("open"),
		CreatedAt: &created,
	}
	rec := NormalizeIssue("acme", "widget", issue)
	assert.Equal(t, models.StateOpen, rec.State)
	assert.Nil(t, rec.ClosedAt)
	assert.Empty(t, rec.Author)
}

func TestNormalizeIssuePullRequest(t *testing.T) {
	created := ts("2024-03-01T10:00:00Z")
	closed := ts("2024-03-02T08:00:00Z")
	issue := &gh.Issue{
		Number:    gh.Int(99),
		State:     gh.String("closed"),
		CreatedAt: &created,
		ClosedAt:  &closed,
		PullRequestLinks: &gh.PullRequestLinks{
			URL: gh.String("https://api.github.com/repos/acme/widget/pulls/99"),
		},
	}
	rec := NormalizeIssue("acme", "widget", issue)
	assert.True(t, rec.IsPull)
	assert.Nil(t, rec.MergedAt, "the list payload has no merge timestamp; it is backfilled from the PR endpoint")
}

func TestNormalizeTimelineEvent(t *testing.T) {
	at := ts("2024-04-01T09:00:00Z")

	tests := []struct {
		name     string
		raw      *gh.Timeline
		expected models.TimelineEvent
	}{
		{
			name: "assigned",
			raw: &gh.Timeline{
				Event:     gh.String("assigned"),
				Actor:     &gh.User{Login: gh.String("maintainer")},
				Assignee:  &gh.User{Login: gh.String("bob")},
				CreatedAt: &at,
			},
			expected: models.TimelineEvent{
				Type: "assigned", Actor: "maintainer", Assignee: "bob",
			},
		},
		{
			name: "labeled",
			raw: &gh.Timeline{
				Event:     gh.String("labeled"),
				Actor:     &gh.User{Login: gh.String("triager")},
				Label:     &gh.Label{Name: gh.String("bug")},
				CreatedAt: &at,
			},
			expected: models.TimelineEvent{
				Type: "labeled", Actor: "triager", Label: "bug",
			},
		},
		{
			name: "cross-referenced",
			raw: &gh.Timeline{
				Event: gh.String("cross-referenced"),
				Source: &gh.Source{
					Issue: &gh.Issue{Number: gh.Int(321)},
				},
				CreatedAt: &at,
			},
			expected: models.TimelineEvent{
				Type: "cross-referenced", SourceNumber: 321,
			},
		},
		{
			name: "commented uses comment author as actor",
			raw: &gh.Timeline{
				Event:     gh.String("commented"),
				User:      &gh.User{Login: gh.String("carol")},
				Body:      gh.String("taking a look"),
				CreatedAt: &at,
			},
			expected: models.TimelineEvent{
				Type: "commented", Actor: "carol", Commenter: "carol", Comment: "taking a look",
			},
		},
		{
			name: "referenced",
			raw: &gh.Timeline{
				Event:     gh.String("referenced"),
				Actor:     &gh.User{Login: gh.String("dev")},
				CommitID:  gh.String("abc123"),
				CreatedAt: &at,
			},
			expected: models.TimelineEvent{
				Type: "referenced", Actor: "dev", CommitID: "abc123",
			},
		},
		{
			name: "unknown type keeps actor only",
			raw: &gh.Timeline{
				Event:     gh.String("milestoned"),
				Actor:     &gh.User{Login: gh.String("pm")},
				CreatedAt: &at,
			},
			expected: models.TimelineEvent{
				Type: "milestoned", Actor: "pm",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeTimelineEvent(tt.raw)
			utc := at.Time.UTC()
			tt.expected.Time = &utc
			assert.Equal(t, tt.expected, got)
		})
	}
}
