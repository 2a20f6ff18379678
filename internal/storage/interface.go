package storage

import (
	"context"
	"errors"
	"time"

	"github.com/issuegraph/issuegraph/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the persisted event store. All writes are natural-key upserts
// except resolved-issue and closed-PR inserts, which are create-once and
// guarded by the Has* existence checks.
type Store interface {
	// Schema bootstrap. Safe to call on every start.
	Migrate(ctx context.Context) error

	// Repositories. UpsertRepository refreshes metadata but never touches
	// last_sync_time; that is owned by SetLastSyncTime at finalization.
	UpsertRepository(ctx context.Context, repo *models.Repository) error
	GetRepository(ctx context.Context, owner, name string) (*models.Repository, error)
	SetLastSyncTime(ctx context.Context, owner, name string, t time.Time) error

	// Generic issue/PR records, keyed by (owner, name, number).
	UpsertIssues(ctx context.Context, issues []models.Issue) error
	ListIssuesByNumbers(ctx context.Context, owner, name, state string, isPull bool, numbers []int) ([]models.Issue, error)
	ListClosedNumbers(ctx context.Context, owner, name string, isPull bool) ([]int, error)
	ListIssueContents(ctx context.Context, owner, name string) ([]models.IssueContent, error)
	ClosedPRAuthor(ctx context.Context, owner, name string, number int) (string, error)

	// Resolved issues: create-once, never updated.
	HasResolvedIssue(ctx context.Context, owner, name string, number int) (bool, error)
	CreateResolvedIssue(ctx context.Context, issue *models.ResolvedIssue) error
	ListResolvedIssues(ctx context.Context, owner, name string) ([]models.ResolvedIssue, error)

	// Open issues: touch-or-insert while open, deleted on closure.
	TouchOpenIssue(ctx context.Context, owner, name string, number int, t time.Time) (bool, error)
	CreateOpenIssue(ctx context.Context, issue *models.OpenIssue) error
	DeleteOpenIssues(ctx context.Context, owner, name string, numbers []int) error
	ListOpenIssues(ctx context.Context, owner, name string) ([]models.OpenIssue, error)

	// Closed PRs: create-once.
	HasClosedPR(ctx context.Context, owner, name string, number int) (bool, error)
	CreateClosedPR(ctx context.Context, pr *models.ClosedPR) error
	ListClosedPRs(ctx context.Context, owner, name string) ([]models.ClosedPR, error)

	// Open PRs: touch-or-insert while open, deleted on closure.
	TouchOpenPR(ctx context.Context, owner, name string, number int, t time.Time) (bool, error)
	CreateOpenPR(ctx context.Context, pr *models.OpenPR) error
	DeleteOpenPRs(ctx context.Context, owner, name string, numbers []int) error
	ListOpenPRs(ctx context.Context, owner, name string) ([]models.OpenPR, error)

	// Fetch logs: opened at orchestration start, closed at completion.
	InsertFetchLog(ctx context.Context, log *models.FetchLog) error
	UpdateFetchLog(ctx context.Context, log *models.FetchLog) error

	Close() error
}
