package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func utc(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func TestUpsertRepositoryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	repo := &models.Repository{
		Owner:       "acme",
		Name:        "widget",
		Language:    "Go",
		Languages:   []models.LanguageCount{{Language: "Go", Bytes: 1000}},
		Description: "a widget",
		Topics:      []string{"tooling"},
		CreatedAt:   utc(2020, 1, 1),
	}
	require.NoError(t, store.UpsertRepository(ctx, repo))

	repo.Description = "a better widget"
	require.NoError(t, store.UpsertRepository(ctx, repo))

	got, err := store.GetRepository(ctx, "acme", "widget")
	require.NoError(t, err)
	assert.Equal(t, "a better widget", got.Description)
	assert.Equal(t, []string{"tooling"}, got.Topics)
	assert.Equal(t, repo.Languages, got.Languages)
}

func TestUpsertRepositoryPreservesWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	repo := &models.Repository{Owner: "acme", Name: "widget", CreatedAt: utc(2020, 1, 1)}
	require.NoError(t, store.UpsertRepository(ctx, repo))

	mark := utc(2024, 6, 1)
	require.NoError(t, store.SetLastSyncTime(ctx, "acme", "widget", mark))

	// Re-upserting repository metadata must not reset the sync watermark.
	require.NoError(t, store.UpsertRepository(ctx, repo))

	got, err := store.GetRepository(ctx, "acme", "widget")
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncTime)
	assert.True(t, got.LastSyncTime.Equal(mark))
}

func TestGetRepositoryNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRepository(context.Background(), "nobody", "nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertIssuesIdempotentByNaturalKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	issue := models.Issue{
		Owner: "acme", Name: "widget", Number: 1,
		Author: "alice", State: models.StateOpen,
		CreatedAt: utc(2024, 1, 1), Title: "first", Labels: []string{"bug"},
	}
	require.NoError(t, store.UpsertIssues(ctx, []models.Issue{issue}))

	// Same record re-fetched later as closed: one row, updated in place.
	closedAt := utc(2024, 2, 1)
	issue.State = models.StateClosed
	issue.ClosedAt = &closedAt
	require.NoError(t, store.UpsertIssues(ctx, []models.Issue{issue}))

	got, err := store.ListIssuesByNumbers(ctx, "acme", "widget", models.StateClosed, false, []int{1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Author)
	assert.Equal(t, []string{"bug"}, got[0].Labels)
	require.NotNil(t, got[0].ClosedAt)
	assert.True(t, got[0].ClosedAt.Equal(closedAt))

	open, err := store.ListIssuesByNumbers(ctx, "acme", "widget", models.StateOpen, false, []int{1})
	require.NoError(t, err)
	assert.Empty(t, open, "state filter must reflect the updated row")
}

func TestListIssuesByNumbersFiltersPulls(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertIssues(ctx, []models.Issue{
		{Owner: "acme", Name: "widget", Number: 1, State: models.StateOpen, CreatedAt: utc(2024, 1, 1)},
		{Owner: "acme", Name: "widget", Number: 2, State: models.StateOpen, IsPull: true, CreatedAt: utc(2024, 1, 2)},
	}))

	issues, err := store.ListIssuesByNumbers(ctx, "acme", "widget", models.StateOpen, false, []int{1, 2})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 1, issues[0].Number)

	prs, err := store.ListIssuesByNumbers(ctx, "acme", "widget", models.StateOpen, true, []int{1, 2})
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 2, prs[0].Number)
}

func TestClosedPRAuthor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	closedAt := utc(2024, 3, 1)
	require.NoError(t, store.UpsertIssues(ctx, []models.Issue{
		{Owner: "acme", Name: "widget", Number: 5, Author: "fixer", State: models.StateClosed,
			IsPull: true, CreatedAt: utc(2024, 1, 1), ClosedAt: &closedAt},
		{Owner: "acme", Name: "widget", Number: 6, Author: "worker", State: models.StateOpen,
			IsPull: true, CreatedAt: utc(2024, 1, 1)},
	}))

	author, err := store.ClosedPRAuthor(ctx, "acme", "widget", 5)
	require.NoError(t, err)
	assert.Equal(t, "fixer", author)

	_, err = store.ClosedPRAuthor(ctx, "acme", "widget", 6)
	assert.ErrorIs(t, err, ErrNotFound, "an open PR has no closed author")

	_, err = store.ClosedPRAuthor(ctx, "acme", "widget", 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolvedIssueCreateOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	resolvedAt := utc(2024, 3, 1)
	issue := &models.ResolvedIssue{
		Owner: "acme", Name: "widget", Number: 9,
		CreatedAt:  utc(2024, 1, 1),
		ResolvedAt: &resolvedAt,
		Resolver:   []string{"alice"},
		Events:     []models.TimelineEvent{{Type: "assigned", Assignee: "alice"}},
		Opener:     "bob",
	}

	has, err := store.HasResolvedIssue(ctx, "acme", "widget", 9)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.CreateResolvedIssue(ctx, issue))

	has, err = store.HasResolvedIssue(ctx, "acme", "widget", 9)
	require.NoError(t, err)
	assert.True(t, has)

	// The primary key rejects a second insert: resolution evidence is
	// captured once and never rewritten.
	assert.Error(t, store.CreateResolvedIssue(ctx, issue))

	list, err := store.ListResolvedIssues(ctx, "acme", "widget")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"alice"}, list[0].Resolver)
	assert.Equal(t, "assigned", list[0].Events[0].Type)
}

func TestOpenIssueLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	touched, err := store.TouchOpenIssue(ctx, "acme", "widget", 3, utc(2024, 5, 1))
	require.NoError(t, err)
	assert.False(t, touched, "nothing to touch before the record exists")

	require.NoError(t, store.CreateOpenIssue(ctx, &models.OpenIssue{
		Owner: "acme", Name: "widget", Number: 3,
		CreatedAt: utc(2024, 1, 1), UpdatedAt: utc(2024, 1, 1),
		Events: []models.TimelineEvent{{Type: "commented", Actor: "carol", Commenter: "carol"}},
		Opener: "carol",
	}))

	later := utc(2024, 5, 1)
	touched, err = store.TouchOpenIssue(ctx, "acme", "widget", 3, later)
	require.NoError(t, err)
	assert.True(t, touched)

	list, err := store.ListOpenIssues(ctx, "acme", "widget")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].UpdatedAt.Equal(later))

	require.NoError(t, store.DeleteOpenIssues(ctx, "acme", "widget", []int{3}))
	list, err = store.ListOpenIssues(ctx, "acme", "widget")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpenAndResolvedAreExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Issue 4 lives in the open store until it closes; the sync flow then
	// creates the resolved record and deletes the open one.
	require.NoError(t, store.CreateOpenIssue(ctx, &models.OpenIssue{
		Owner: "acme", Name: "widget", Number: 4,
		CreatedAt: utc(2024, 1, 1), UpdatedAt: utc(2024, 1, 1), Opener: "dave",
	}))

	resolvedAt := utc(2024, 6, 1)
	require.NoError(t, store.CreateResolvedIssue(ctx, &models.ResolvedIssue{
		Owner: "acme", Name: "widget", Number: 4,
		CreatedAt: utc(2024, 1, 1), ResolvedAt: &resolvedAt, Opener: "dave",
	}))
	require.NoError(t, store.DeleteOpenIssues(ctx, "acme", "widget", []int{4}))

	open, err := store.ListOpenIssues(ctx, "acme", "widget")
	require.NoError(t, err)
	resolved, err := store.ListResolvedIssues(ctx, "acme", "widget")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Len(t, resolved, 1)
}

func TestClosedPRCreateOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	closedAt := utc(2024, 4, 1)
	at := utc(2024, 3, 15)
	pr := &models.ClosedPR{
		Owner: "acme", Name: "widget", Number: 11,
		CreatedAt: utc(2024, 3, 1), ClosedAt: &closedAt,
		ReviewerEvents:  []models.PRActivityEvent{{Type: "review_comment", Time: &at, Actor: "rev"}},
		CommenterEvents: []models.PRActivityEvent{{Type: "normal_comment", Time: &at, Actor: "com"}},
		LabelEvents:     []models.PRActivityEvent{{Type: "labeled", Time: &at, Actor: "tri", Comment: "bug"}},
		Opener:          "fixer",
	}

	has, err := store.HasClosedPR(ctx, "acme", "widget", 11)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.CreateClosedPR(ctx, pr))
	assert.Error(t, store.CreateClosedPR(ctx, pr))

	list, err := store.ListClosedPRs(ctx, "acme", "widget")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rev", list[0].ReviewerEvents[0].Actor)
	assert.Equal(t, "com", list[0].CommenterEvents[0].Actor)
	assert.Equal(t, "bug", list[0].LabelEvents[0].Comment)
}

func TestOpenPRLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateOpenPR(ctx, &models.OpenPR{
		Owner: "acme", Name: "widget", Number: 12,
		CreatedAt: utc(2024, 3, 1), UpdatedAt: utc(2024, 3, 1), Opener: "worker",
	}))

	later := utc(2024, 5, 1)
	touched, err := store.TouchOpenPR(ctx, "acme", "widget", 12, later)
	require.NoError(t, err)
	assert.True(t, touched)

	require.NoError(t, store.DeleteOpenPRs(ctx, "acme", "widget", []int{12}))
	list, err := store.ListOpenPRs(ctx, "acme", "widget")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListClosedNumbers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	closedAt := utc(2024, 2, 1)
	require.NoError(t, store.UpsertIssues(ctx, []models.Issue{
		{Owner: "acme", Name: "widget", Number: 1, State: models.StateClosed, CreatedAt: utc(2024, 1, 1), ClosedAt: &closedAt},
		{Owner: "acme", Name: "widget", Number: 2, State: models.StateOpen, CreatedAt: utc(2024, 1, 1)},
		{Owner: "acme", Name: "widget", Number: 3, State: models.StateClosed, IsPull: true, CreatedAt: utc(2024, 1, 1), ClosedAt: &closedAt},
	}))

	issues, err := store.ListClosedNumbers(ctx, "acme", "widget", false)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, issues)

	prs, err := store.ListClosedNumbers(ctx, "acme", "widget", true)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, prs)
}

func TestListIssueContents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertIssues(ctx, []models.Issue{
		{Owner: "acme", Name: "widget", Number: 1, State: models.StateOpen, CreatedAt: utc(2024, 1, 1), Title: "crash", Body: "trace"},
		{Owner: "acme", Name: "widget", Number: 2, State: models.StateOpen, IsPull: true, CreatedAt: utc(2024, 1, 1), Title: "fix crash"},
	}))

	contents, err := store.ListIssueContents(ctx, "acme", "widget")
	require.NoError(t, err)
	require.Len(t, contents, 1, "pull requests carry no issue text features")
	assert.Equal(t, models.IssueContent{Owner: "acme", Name: "widget", Number: 1, Title: "crash", Body: "trace"}, contents[0])
}

func TestFetchLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	flog := &models.FetchLog{
		ID: "run-1", Owner: "acme", Name: "widget", PID: 1234,
		UpdateBegin: utc(2024, 6, 1),
	}
	require.NoError(t, store.InsertFetchLog(ctx, flog))

	end := utc(2024, 6, 2)
	flog.UpdateEnd = &end
	flog.UpdatedIssues = 10
	flog.UpdatedResolved = 3
	flog.RateConsumed = 250
	flog.RateRemaining = 4750
	flog.RateLimit = 5000
	require.NoError(t, store.UpdateFetchLog(ctx, flog))
}
