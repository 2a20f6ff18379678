package resolver

import (
	"context"
	"testing"

	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/stretchr/testify/assert"
)

func assigned(login string) models.TimelineEvent {
	return models.TimelineEvent{Type: "assigned", Assignee: login}
}

func commented(login string) models.TimelineEvent {
	return models.TimelineEvent{Type: "commented", Actor: login, Commenter: login}
}

func crossRef(number int) models.TimelineEvent {
	return models.TimelineEvent{Type: "cross-referenced", SourceNumber: number}
}

func closedPRs(authors map[int]string) ClosedPRAuthorFunc {
	return func(ctx context.Context, number int) (string, bool) {
		author, ok := authors[number]
		return author, ok
	}
}

func TestInferTierPriority(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		events   []models.TimelineEvent
		prs      map[int]string
		expected []string
	}{
		{
			name: "assignee beats pr and commenter",
			events: []models.TimelineEvent{
				commented("carol"),
				crossRef(10),
				assigned("alice"),
			},
			prs:      map[int]string{10: "bob"},
			expected: []string{"alice"},
		},
		{
			name: "pr author beats commenter",
			events: []models.TimelineEvent{
				commented("carol"),
				crossRef(10),
			},
			prs:      map[int]string{10: "bob"},
			expected: []string{"bob"},
		},
		{
			name: "commenter is the last resort",
			events: []models.TimelineEvent{
				commented("carol"),
				commented("dave"),
			},
			expected: []string{"carol", "dave"},
		},
		{
			name: "cross-reference to an open pr does not count",
			events: []models.TimelineEvent{
				commented("carol"),
				crossRef(11),
			},
			prs:      map[int]string{},
			expected: []string{"carol"},
		},
		{
			name:     "no evidence yields empty set",
			events:   []models.TimelineEvent{{Type: "labeled", Actor: "triager", Label: "bug"}},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Engine{ClosedPRAuthor: closedPRs(tt.prs)}
			assert.Equal(t, tt.expected, e.Infer(ctx, tt.events))
		})
	}
}

func TestInferDeduplicatesWithinTier(t *testing.T) {
	e := &Engine{}
	got := e.Infer(context.Background(), []models.TimelineEvent{
		assigned("alice"),
		assigned("bob"),
		assigned("alice"),
	})
	assert.Equal(t, []string{"alice", "bob"}, got, "first occurrence order, no duplicates")
}

func TestInferUnassignedStillCountsAsEvidence(t *testing.T) {
	// An unassign event still names who the maintainers once pointed at;
	// the record keeps that signal.
	e := &Engine{}
	got := e.Infer(context.Background(), []models.TimelineEvent{
		{Type: "unassigned", Assignee: "alice"},
	})
	assert.Equal(t, []string{"alice"}, got)
}

func TestInferNilLookupSkipsPRTier(t *testing.T) {
	e := &Engine{}
	got := e.Infer(context.Background(), []models.TimelineEvent{
		crossRef(10),
		commented("carol"),
	})
	assert.Equal(t, []string{"carol"}, got)
}
