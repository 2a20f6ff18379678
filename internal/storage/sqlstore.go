package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// sqlStore is the shared SQL implementation behind both backends. Queries
// are written with ? placeholders and rebound for the active driver; the
// upsert syntax (INSERT ... ON CONFLICT) is common to PostgreSQL and SQLite.
type sqlStore struct {
	db     *sqlx.DB
	schema string
	logger *logrus.Logger
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func marshal(v any) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func unmarshal(data []byte, v any) {
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		logrus.WithError(err).Warn("corrupt json column")
	}
}

// Repositories

func (s *sqlStore) UpsertRepository(ctx context.Context, repo *models.Repository) error {
	languages, err := marshal(repo.Languages)
	if err != nil {
		return fmt.Errorf("marshal languages: %w", err)
	}
	topics, err := marshal(repo.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO repositories (owner, name, language, languages, description, topics, readme, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, name) DO UPDATE SET
			language = EXCLUDED.language,
			languages = EXCLUDED.languages,
			description = EXCLUDED.description,
			topics = EXCLUDED.topics,
			readme = EXCLUDED.readme`)

	_, err = s.db.ExecContext(ctx, query,
		repo.Owner, repo.Name, repo.Language, languages,
		repo.Description, topics, repo.Readme, repo.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert repository %s/%s: %w", repo.Owner, repo.Name, err)
	}
	return nil
}

func (s *sqlStore) GetRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	query := s.db.Rebind(`
		SELECT owner, name, language, languages, description, topics, readme, created_at, last_sync_time
		FROM repositories WHERE owner = ? AND name = ?`)

	var (
		repo      models.Repository
		languages []byte
		topics    []byte
	)
	err := s.db.QueryRowxContext(ctx, query, owner, name).Scan(
		&repo.Owner, &repo.Name, &repo.Language, &languages,
		&repo.Description, &topics, &repo.Readme, &repo.CreatedAt, &repo.LastSyncTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s/%s: %w", owner, name, err)
	}
	unmarshal(languages, &repo.Languages)
	unmarshal(topics, &repo.Topics)
	return &repo, nil
}

func (s *sqlStore) SetLastSyncTime(ctx context.Context, owner, name string, t time.Time) error {
	query := s.db.Rebind(`UPDATE repositories SET last_sync_time = ? WHERE owner = ? AND name = ?`)
	if _, err := s.db.ExecContext(ctx, query, t, owner, name); err != nil {
		return fmt.Errorf("set last sync time %s/%s: %w", owner, name, err)
	}
	return nil
}

// Generic issue/PR records

func (s *sqlStore) UpsertIssues(ctx context.Context, issues []models.Issue) error {
	query := s.db.Rebind(`
		INSERT INTO repo_issues (owner, name, number, author, state, created_at, closed_at, title, body, labels, is_pull, merged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, name, number) DO UPDATE SET
			author = EXCLUDED.author,
			state = EXCLUDED.state,
			created_at = EXCLUDED.created_at,
			closed_at = EXCLUDED.closed_at,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			labels = EXCLUDED.labels,
			is_pull = EXCLUDED.is_pull,
			merged_at = EXCLUDED.merged_at`)

	for _, issue := range issues {
		labels, err := marshal(issue.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels: %w", err)
		}
		_, err = s.db.ExecContext(ctx, query,
			issue.Owner, issue.Name, issue.Number, issue.Author, issue.State,
			issue.CreatedAt, issue.ClosedAt, issue.Title, issue.Body,
			labels, issue.IsPull, issue.MergedAt)
		if err != nil {
			// Idempotent by natural key: a skipped record is retried by the
			// next sync cycle, so log and continue.
			s.logger.WithError(err).WithField("number", issue.Number).Error("upsert issue failed")
		}
	}
	return nil
}

func (s *sqlStore) ListIssuesByNumbers(ctx context.Context, owner, name, state string, isPull bool, numbers []int) ([]models.Issue, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT owner, name, number, author, state, created_at, closed_at, title, body, labels, is_pull, merged_at
		FROM repo_issues
		WHERE owner = ? AND name = ? AND state = ? AND is_pull = ? AND number IN (?)
		ORDER BY number`, owner, name, state, isPull, numbers)
	if err != nil {
		return nil, fmt.Errorf("build issue query: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func scanIssue(rows *sqlx.Rows) (models.Issue, error) {
	var (
		issue  models.Issue
		labels []byte
	)
	err := rows.Scan(
		&issue.Owner, &issue.Name, &issue.Number, &issue.Author, &issue.State,
		&issue.CreatedAt, &issue.ClosedAt, &issue.Title, &issue.Body,
		&labels, &issue.IsPull, &issue.MergedAt)
	if err != nil {
		return issue, fmt.Errorf("scan issue: %w", err)
	}
	unmarshal(labels, &issue.Labels)
	return issue, nil
}

func (s *sqlStore) ListClosedNumbers(ctx context.Context, owner, name string, isPull bool) ([]int, error) {
	query := s.db.Rebind(`
		SELECT number FROM repo_issues
		WHERE owner = ? AND name = ? AND state = ? AND is_pull = ?
		ORDER BY number`)

	var numbers []int
	if err := s.db.SelectContext(ctx, &numbers, query, owner, name, models.StateClosed, isPull); err != nil {
		return nil, fmt.Errorf("list closed numbers: %w", err)
	}
	return numbers, nil
}

func (s *sqlStore) ListIssueContents(ctx context.Context, owner, name string) ([]models.IssueContent, error) {
	query := s.db.Rebind(`
		SELECT owner, name, number, title, body FROM repo_issues
		WHERE owner = ? AND name = ? AND is_pull = ?
		ORDER BY number`)

	var contents []models.IssueContent
	if err := s.db.SelectContext(ctx, &contents, query, owner, name, false); err != nil {
		return nil, fmt.Errorf("list issue contents: %w", err)
	}
	return contents, nil
}

func (s *sqlStore) ClosedPRAuthor(ctx context.Context, owner, name string, number int) (string, error) {
	query := s.db.Rebind(`
		SELECT author FROM repo_issues
		WHERE owner = ? AND name = ? AND number = ? AND is_pull = ? AND state = ?`)

	var author string
	err := s.db.QueryRowxContext(ctx, query, owner, name, number, true, models.StateClosed).Scan(&author)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("closed pr author #%d: %w", number, err)
	}
	return author, nil
}

// Resolved issues

func (s *sqlStore) HasResolvedIssue(ctx context.Context, owner, name string, number int) (bool, error) {
	return s.exists(ctx, "resolved_issues", owner, name, number)
}

func (s *sqlStore) CreateResolvedIssue(ctx context.Context, issue *models.ResolvedIssue) error {
	resolver, err := marshal(issue.Resolver)
	if err != nil {
		return fmt.Errorf("marshal resolver: %w", err)
	}
	events, err := marshal(issue.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO resolved_issues (owner, name, number, created_at, resolved_at, resolver, events, opener)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		issue.Owner, issue.Name, issue.Number, issue.CreatedAt,
		issue.ResolvedAt, resolver, events, issue.Opener)
	if err != nil {
		return fmt.Errorf("create resolved issue #%d: %w", issue.Number, err)
	}
	return nil
}

func (s *sqlStore) ListResolvedIssues(ctx context.Context, owner, name string) ([]models.ResolvedIssue, error) {
	query := s.db.Rebind(`
		SELECT owner, name, number, created_at, resolved_at, resolver, events, opener
		FROM resolved_issues WHERE owner = ? AND name = ? ORDER BY number`)

	rows, err := s.db.QueryxContext(ctx, query, owner, name)
	if err != nil {
		return nil, fmt.Errorf("list resolved issues: %w", err)
	}
	defer rows.Close()

	var issues []models.ResolvedIssue
	for rows.Next() {
		var (
			issue    models.ResolvedIssue
			resolver []byte
			events   []byte
		)
		err := rows.Scan(&issue.Owner, &issue.Name, &issue.Number, &issue.CreatedAt,
			&issue.ResolvedAt, &resolver, &events, &issue.Opener)
		if err != nil {
			return nil, fmt.Errorf("scan resolved issue: %w", err)
		}
		unmarshal(resolver, &issue.Resolver)
		unmarshal(events, &issue.Events)
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// Open issues

func (s *sqlStore) TouchOpenIssue(ctx context.Context, owner, name string, number int, t time.Time) (bool, error) {
	return s.touch(ctx, "open_issues", owner, name, number, t)
}

func (s *sqlStore) CreateOpenIssue(ctx context.Context, issue *models.OpenIssue) error {
	events, err := marshal(issue.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO open_issues (owner, name, number, created_at, updated_at, events, opener)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, name, number) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			events = EXCLUDED.events`)
	_, err = s.db.ExecContext(ctx, query,
		issue.Owner, issue.Name, issue.Number, issue.CreatedAt,
		issue.UpdatedAt, events, issue.Opener)
	if err != nil {
		return fmt.Errorf("create open issue #%d: %w", issue.Number, err)
	}
	return nil
}

func (s *sqlStore) DeleteOpenIssues(ctx context.Context, owner, name string, numbers []int) error {
	return s.deleteNumbers(ctx, "open_issues", owner, name, numbers)
}

func (s *sqlStore) ListOpenIssues(ctx context.Context, owner, name string) ([]models.OpenIssue, error) {
	query := s.db.Rebind(`
		SELECT owner, name, number, created_at, updated_at, events, opener
		FROM open_issues WHERE owner = ? AND name = ? ORDER BY number`)

	rows, err := s.db.QueryxContext(ctx, query, owner, name)
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}
	defer rows.Close()

	var issues []models.OpenIssue
	for rows.Next() {
		var (
			issue  models.OpenIssue
			events []byte
		)
		err := rows.Scan(&issue.Owner, &issue.Name, &issue.Number,
			&issue.CreatedAt, &issue.UpdatedAt, &events, &issue.Opener)
		if err != nil {
			return nil, fmt.Errorf("scan open issue: %w", err)
		}
		unmarshal(events, &issue.Events)
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// Closed PRs

func (s *sqlStore) HasClosedPR(ctx context.Context, owner, name string, number int) (bool, error) {
	return s.exists(ctx, "closed_prs", owner, name, number)
}

func (s *sqlStore) CreateClosedPR(ctx context.Context, pr *models.ClosedPR) error {
	reviewer, commenter, label, err := marshalPREvents(pr.ReviewerEvents, pr.CommenterEvents, pr.LabelEvents)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO closed_prs (owner, name, number, created_at, closed_at, reviewer_events, commenter_events, label_events, opener)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		pr.Owner, pr.Name, pr.Number, pr.CreatedAt, pr.ClosedAt,
		reviewer, commenter, label, pr.Opener)
	if err != nil {
		return fmt.Errorf("create closed pr #%d: %w", pr.Number, err)
	}
	return nil
}

func (s *sqlStore) ListClosedPRs(ctx context.Context, owner, name string) ([]models.ClosedPR, error) {
	query := s.db.Rebind(`
		SELECT owner, name, number, created_at, closed_at, reviewer_events, commenter_events, label_events, opener
		FROM closed_prs WHERE owner = ? AND name = ? ORDER BY number`)

	rows, err := s.db.QueryxContext(ctx, query, owner, name)
	if err != nil {
		return nil, fmt.Errorf("list closed prs: %w", err)
	}
	defer rows.Close()

	var prs []models.ClosedPR
	for rows.Next() {
		var (
			pr                         models.ClosedPR
			reviewer, commenter, label []byte
		)
		err := rows.Scan(&pr.Owner, &pr.Name, &pr.Number, &pr.CreatedAt,
			&pr.ClosedAt, &reviewer, &commenter, &label, &pr.Opener)
		if err != nil {
			return nil, fmt.Errorf("scan closed pr: %w", err)
		}
		unmarshal(reviewer, &pr.ReviewerEvents)
		unmarshal(commenter, &pr.CommenterEvents)
		unmarshal(label, &pr.LabelEvents)
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// Open PRs

func (s *sqlStore) TouchOpenPR(ctx context.Context, owner, name string, number int, t time.Time) (bool, error) {
	return s.touch(ctx, "open_prs", owner, name, number, t)
}

func (s *sqlStore) CreateOpenPR(ctx context.Context, pr *models.OpenPR) error {
	reviewer, commenter, label, err := marshalPREvents(pr.ReviewerEvents, pr.CommenterEvents, pr.LabelEvents)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO open_prs (owner, name, number, created_at, updated_at, reviewer_events, commenter_events, label_events, opener)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, name, number) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			reviewer_events = EXCLUDED.reviewer_events,
			commenter_events = EXCLUDED.commenter_events,
			label_events = EXCLUDED.label_events`)
	_, err = s.db.ExecContext(ctx, query,
		pr.Owner, pr.Name, pr.Number, pr.CreatedAt, pr.UpdatedAt,
		reviewer, commenter, label, pr.Opener)
	if err != nil {
		return fmt.Errorf("create open pr #%d: %w", pr.Number, err)
	}
	return nil
}

func (s *sqlStore) DeleteOpenPRs(ctx context.Context, owner, name string, numbers []int) error {
	return s.deleteNumbers(ctx, "open_prs", owner, name, numbers)
}

func (s *sqlStore) ListOpenPRs(ctx context.Context, owner, name string) ([]models.OpenPR, error) {
	query := s.db.Rebind(`
		SELECT owner, name, number, created_at, updated_at, reviewer_events, commenter_events, label_events, opener
		FROM open_prs WHERE owner = ? AND name = ? ORDER BY number`)

	rows, err := s.db.QueryxContext(ctx, query, owner, name)
	if err != nil {
		return nil, fmt.Errorf("list open prs: %w", err)
	}
	defer rows.Close()

	var prs []models.OpenPR
	for rows.Next() {
		var (
			pr                         models.OpenPR
			reviewer, commenter, label []byte
		)
		err := rows.Scan(&pr.Owner, &pr.Name, &pr.Number, &pr.CreatedAt,
			&pr.UpdatedAt, &reviewer, &commenter, &label, &pr.Opener)
		if err != nil {
			return nil, fmt.Errorf("scan open pr: %w", err)
		}
		unmarshal(reviewer, &pr.ReviewerEvents)
		unmarshal(commenter, &pr.CommenterEvents)
		unmarshal(label, &pr.LabelEvents)
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// Fetch logs

func (s *sqlStore) InsertFetchLog(ctx context.Context, log *models.FetchLog) error {
	query := s.db.Rebind(`
		INSERT INTO fetch_logs (id, owner, name, pid, update_begin, update_end,
			updated_issues, updated_resolved_issues, updated_open_issues,
			updated_closed_prs, updated_open_prs,
			rate_consumed, rate_remaining, rate_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		log.ID, log.Owner, log.Name, log.PID, log.UpdateBegin, log.UpdateEnd,
		log.UpdatedIssues, log.UpdatedResolved, log.UpdatedOpenIssues,
		log.UpdatedClosedPRs, log.UpdatedOpenPRs,
		log.RateConsumed, log.RateRemaining, log.RateLimit)
	if err != nil {
		return fmt.Errorf("insert fetch log: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateFetchLog(ctx context.Context, log *models.FetchLog) error {
	query := s.db.Rebind(`
		UPDATE fetch_logs SET update_end = ?,
			updated_issues = ?, updated_resolved_issues = ?, updated_open_issues = ?,
			updated_closed_prs = ?, updated_open_prs = ?,
			rate_consumed = ?, rate_remaining = ?, rate_limit = ?
		WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query,
		log.UpdateEnd,
		log.UpdatedIssues, log.UpdatedResolved, log.UpdatedOpenIssues,
		log.UpdatedClosedPRs, log.UpdatedOpenPRs,
		log.RateConsumed, log.RateRemaining, log.RateLimit,
		log.ID)
	if err != nil {
		return fmt.Errorf("update fetch log: %w", err)
	}
	return nil
}

// Shared helpers. Table names come from the fixed set above, never from
// user input.

func (s *sqlStore) exists(ctx context.Context, table, owner, name string, number int) (bool, error) {
	query := s.db.Rebind(fmt.Sprintf(
		`SELECT 1 FROM %s WHERE owner = ? AND name = ? AND number = ?`, table))

	var one int
	err := s.db.QueryRowxContext(ctx, query, owner, name, number).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence check %s #%d: %w", table, number, err)
	}
	return true, nil
}

func (s *sqlStore) touch(ctx context.Context, table, owner, name string, number int, t time.Time) (bool, error) {
	query := s.db.Rebind(fmt.Sprintf(
		`UPDATE %s SET updated_at = ? WHERE owner = ? AND name = ? AND number = ?`, table))

	res, err := s.db.ExecContext(ctx, query, t, owner, name, number)
	if err != nil {
		return false, fmt.Errorf("touch %s #%d: %w", table, number, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) deleteNumbers(ctx context.Context, table, owner, name string, numbers []int) error {
	if len(numbers) == 0 {
		return nil
	}
	query, args, err := sqlx.In(fmt.Sprintf(
		`DELETE FROM %s WHERE owner = ? AND name = ? AND number IN (?)`, table),
		owner, name, numbers)
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

func marshalPREvents(reviewer, commenter, label []models.PRActivityEvent) (r, c, l []byte, err error) {
	if r, err = marshal(reviewer); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal reviewer events: %w", err)
	}
	if c, err = marshal(commenter); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal commenter events: %w", err)
	}
	if l, err = marshal(label); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal label events: %w", err)
	}
	return r, c, l, nil
}
