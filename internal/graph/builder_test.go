package graph

import (
	"context"
	"io"
	"testing"

	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/issuegraph/issuegraph/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore serves canned records; only the listing methods the builder
// touches are implemented.
type fakeStore struct {
	storage.Store
	resolved  []models.ResolvedIssue
	open      []models.OpenIssue
	closedPRs []models.ClosedPR
	openPRs   []models.OpenPR
	contents  []models.IssueContent
}

func (f *fakeStore) ListResolvedIssues(ctx context.Context, owner, name string) ([]models.ResolvedIssue, error) {
	return f.resolved, nil
}

func (f *fakeStore) ListOpenIssues(ctx context.Context, owner, name string) ([]models.OpenIssue, error) {
	return f.open, nil
}

func (f *fakeStore) ListClosedPRs(ctx context.Context, owner, name string) ([]models.ClosedPR, error) {
	return f.closedPRs, nil
}

func (f *fakeStore) ListOpenPRs(ctx context.Context, owner, name string) ([]models.OpenPR, error) {
	return f.openPRs, nil
}

func (f *fakeStore) ListIssueContents(ctx context.Context, owner, name string) ([]models.IssueContent, error) {
	return f.contents, nil
}

func testBuilder(store storage.Store) *Builder {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewBuilder(store, logger)
}

func commentEvent(login string) models.TimelineEvent {
	return models.TimelineEvent{Type: "commented", Actor: login, Commenter: login}
}

func TestBuildAccumulatesEdgeWeight(t *testing.T) {
	store := &fakeStore{
		open: []models.OpenIssue{{
			Number: 42,
			Opener: "bob",
			Events: []models.TimelineEvent{
				commentEvent("alice"),
				commentEvent("alice"),
				{Type: "labeled", Actor: "alice", Label: "bug"},
			},
		}},
	}

	snap, err := testBuilder(store).Build(context.Background(), "acme", "widget")
	require.NoError(t, err)

	aliceIdx, ok := snap.UserIndex["alice"]
	require.True(t, ok)
	issueIdx, ok := snap.IssueIndex[42]
	require.True(t, ok)

	var aliceEdge *Edge
	for i := range snap.Edges {
		if snap.Edges[i].Src == aliceIdx && snap.Edges[i].Dst == issueIdx {
			aliceEdge = &snap.Edges[i]
		}
	}
	require.NotNil(t, aliceEdge)
	assert.Equal(t, 3, aliceEdge.Weight, "three events collapse into one edge of weight 3")
	assert.Equal(t, EdgeCommented, aliceEdge.EventType, "edge keeps the first event's type")
}

func TestBuildWeightIsOrderIndependent(t *testing.T) {
	events := []models.TimelineEvent{
		commentEvent("alice"),
		{Type: "labeled", Actor: "alice", Label: "bug"},
		commentEvent("bob"),
	}
	reversed := []models.TimelineEvent{events[2], events[1], events[0]}

	weights := func(evs []models.TimelineEvent) map[string]int {
		store := &fakeStore{open: []models.OpenIssue{{Number: 1, Opener: "opener", Events: evs}}}
		snap, err := testBuilder(store).Build(context.Background(), "acme", "widget")
		require.NoError(t, err)

		byUser := map[string]int{}
		byIdx := map[int]string{}
		for login, idx := range snap.UserIndex {
			byIdx[idx] = login
		}
		for _, e := range snap.Edges {
			byUser[byIdx[e.Src]] += e.Weight
		}
		return byUser
	}

	assert.Equal(t, weights(events), weights(reversed))
}

func TestBuildOpenerEdge(t *testing.T) {
	store := &fakeStore{
		resolved: []models.ResolvedIssue{{Number: 7, Opener: "alice"}},
	}
	snap, err := testBuilder(store).Build(context.Background(), "acme", "widget")
	require.NoError(t, err)

	require.Len(t, snap.Edges, 1)
	assert.Equal(t, EdgeOpened, snap.Edges[0].EventType)
	assert.Equal(t, 1, snap.Edges[0].Weight)
	assert.Equal(t, 1, snap.NodeCounts["user"])
	assert.Equal(t, 1, snap.NodeCounts["issue"])
}

func TestBuildSkipsBots(t *testing.T) {
	store := &fakeStore{
		open: []models.OpenIssue{{
			Number: 1,
			Opener: "dependabot[bot]",
			Events: []models.TimelineEvent{commentEvent("stale[bot]"), commentEvent("alice")},
		}},
	}
	snap, err := testBuilder(store).Build(context.Background(), "acme", "widget")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"alice": snap.UserIndex["alice"]}, snap.UserIndex)
	assert.Len(t, snap.Edges, 1)
}

func TestBuildCrossReferenceChain(t *testing.T) {
	store := &fakeStore{
		closedPRs: []models.ClosedPR{{
			Number: 100,
			Opener: "fixer",
			ReviewerEvents: []models.PRActivityEvent{
				{Type: EdgeReview, Actor: "reviewer"},
			},
		}},
		resolved: []models.ResolvedIssue{{
			Number: 5,
			Opener: "reporter",
			Events: []models.TimelineEvent{
				{Type: "cross-referenced", SourceNumber: 100},
			},
		}},
	}

	snap, err := testBuilder(store).Build(context.Background(), "acme", "widget")
	require.NoError(t, err)

	// PRs never become nodes; their participants land on the issue.
	assert.Len(t, snap.IssueIndex, 1)
	assert.Equal(t, 3, snap.NodeCounts["user"], "reporter, fixer and reviewer")

	issueIdx := snap.IssueIndex[5]
	types := map[string]string{}
	byIdx := map[int]string{}
	for login, idx := range snap.UserIndex {
		byIdx[idx] = login
	}
	for _, e := range snap.Edges {
		require.Equal(t, issueIdx, e.Dst)
		types[byIdx[e.Src]] = e.EventType
	}
	assert.Equal(t, EdgeOpened, types["reporter"])
	assert.Equal(t, EdgeOpened, types["fixer"], "PR opener projects an opened interaction")
	assert.Equal(t, EdgeReview, types["reviewer"])
}

func TestBuildCrossReferenceToUnknownNumberIsIgnored(t *testing.T) {
	store := &fakeStore{
		open: []models.OpenIssue{{
			Number: 5,
			Opener: "reporter",
			Events: []models.TimelineEvent{
				{Type: "cross-referenced", SourceNumber: 999},
			},
		}},
	}
	snap, err := testBuilder(store).Build(context.Background(), "acme", "widget")
	require.NoError(t, err)
	assert.Len(t, snap.Edges, 1, "only the opener edge")
}

func TestBuildIndicesAreInsertionOrdered(t *testing.T) {
	store := &fakeStore{
		open: []models.OpenIssue{
			{Number: 10, Opener: "alice"},
			{Number: 20, Opener: "bob"},
		},
	}
	snap, err := testBuilder(store).Build(context.Background(), "acme", "widget")
	require.NoError(t, err)

	assert.Equal(t, 0, snap.UserIndex["alice"])
	assert.Equal(t, 1, snap.IssueIndex[10])
	assert.Equal(t, 2, snap.UserIndex["bob"])
	assert.Equal(t, 3, snap.IssueIndex[20])
	assert.Equal(t, []string{"alice", "bob"}, snap.Users())
}

func TestBuildAttachesFeatures(t *testing.T) {
	store := &fakeStore{
		open: []models.OpenIssue{
			{Number: 1, Opener: "alice"},
			{Number: 2, Opener: "bob"},
		},
		contents: []models.IssueContent{
			{Number: 1, Title: "crash on start", Body: "trace attached"},
		},
	}
	snap, err := testBuilder(store).Build(context.Background(), "acme", "widget")
	require.NoError(t, err)

	require.Len(t, snap.Features, 2)
	assert.Equal(t, IssueFeature{Number: 1, Title: "crash on start", Body: "trace attached"}, snap.Features[0])
	assert.Equal(t, IssueFeature{Number: 2}, snap.Features[1], "missing content becomes empty strings")
}

func TestRelType(t *testing.T) {
	assert.Equal(t, "COMMENTED", relType("commented"))
	assert.Equal(t, "CROSS_REFERENCED", relType("cross-referenced"))
	assert.Equal(t, "NORMAL_COMMENT", relType("normal_comment"))
	assert.Equal(t, "INTERACTED", relType(""))
}
