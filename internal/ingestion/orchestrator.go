// Package ingestion drives incremental per-repository syncs: fetching the
// issue delta since the last watermark, deriving resolved/open records and
// keeping the fetch audit log.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/issuegraph/issuegraph/internal/config"
	"github.com/issuegraph/issuegraph/internal/github"
	"github.com/issuegraph/issuegraph/internal/ledger"
	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/issuegraph/issuegraph/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Orchestrator coordinates sync runs across repositories. One worker owns
// one repository at a time; the store is the only shared resource and every
// write to it is a natural-key upsert or an append-only insert.
type Orchestrator struct {
	store  storage.Store
	failed *ledger.Ledger
	cfg    *config.Config
	logger *logrus.Logger
}

// New creates an orchestrator.
func New(store storage.Store, failed *ledger.Ledger, cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		failed: failed,
		cfg:    cfg,
		logger: logger,
	}
}

// SyncAll distributes repositories (owner/name strings) across a bounded
// worker pool. Each worker gets its own API client over a rotated pair of
// tokens. A repository failure is logged, not propagated, so one broken
// repository never blocks the rest; only full credential exhaustion aborts.
func (o *Orchestrator) SyncAll(ctx context.Context, repos []string, workers int, tokens []string) error {
	repos = dedupe(repos)
	if workers <= 0 {
		workers = 1
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)

	for i, full := range repos {
		owner, name, err := splitRepo(full)
		if err != nil {
			o.logger.WithError(err).Error("skipping malformed repository")
			continue
		}
		pair := tokenPair(tokens, i)
		g.Go(func() error {
			if err := o.SyncRepo(ctx, owner, name, pair); err != nil {
				if errors.Is(err, github.ErrNoValidTokens) {
					return err
				}
				o.logger.WithError(err).WithFields(logrus.Fields{
					"owner": owner,
					"name":  name,
				}).Error("repository sync failed")
			}
			return nil
		})
	}

	return g.Wait()
}

// SyncRepo runs one full incremental update for owner/name. The states are
// strictly sequential; a failure inside one category is logged and the next
// category still runs, so the watermark semantics stay uniform.
func (o *Orchestrator) SyncRepo(ctx context.Context, owner, name string, tokens []string) error {
	log := o.logger.WithFields(logrus.Fields{"owner": owner, "name": name})
	started := time.Now().UTC()

	flog := &models.FetchLog{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		PID:         os.Getpid(),
		UpdateBegin: started,
	}
	if err := o.store.InsertFetchLog(ctx, flog); err != nil {
		log.WithError(err).Warn("could not open fetch log")
	}

	client, err := github.NewClient(github.Options{
		Tokens:            tokens,
		PerPage:           o.cfg.GitHub.PerPage,
		RequestsPerSecond: o.cfg.GitHub.RequestsPerSecond,
		Retries:           o.cfg.GitHub.Retries,
		APIBaseURL:        o.cfg.GitHub.APIBaseURL,
	}, o.logger)
	if err != nil {
		return err
	}

	fetcher, err := github.NewFetcher(ctx, client, owner, name, o.closedPRLookup, o.logger)
	if err != nil {
		return err
	}
	// The API may canonicalize casing; all stored keys use its spelling.
	owner, name = fetcher.Owner(), fetcher.Name()
	flog.Owner, flog.Name = owner, name

	stats, err := fetcher.Stats(ctx)
	if err != nil {
		return fmt.Errorf("fetch repository stats: %w", err)
	}
	if err := o.store.UpsertRepository(ctx, stats); err != nil {
		return err
	}

	prior, err := o.store.GetRepository(ctx, owner, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	since := sinceFor(prior, fetcher.CreatedAt())
	log.WithField("since", since).Info("fetching issue delta")

	issues, err := fetcher.IssuesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("fetch issue delta: %w", err)
	}
	if err := o.store.UpsertIssues(ctx, issues); err != nil {
		return err
	}
	flog.UpdatedIssues = len(issues)
	o.noteRate(ctx, client, flog)

	d := partitionDelta(issues)
	log.WithFields(logrus.Fields{
		"total":         len(issues),
		"closed_issues": len(d.ClosedIssues),
		"open_issues":   len(d.OpenIssues),
		"closed_prs":    len(d.ClosedPRs),
		"open_prs":      len(d.OpenPRs),
	}).Info("issue delta classified")

	// Category updates. Each failure is contained: the next sync window
	// replays the same range because the watermark only moves at finalize.
	if n, err := o.updateClosedIssues(ctx, fetcher, d.ClosedIssues); err != nil {
		log.WithError(err).Error("closed-issue update failed")
	} else {
		flog.UpdatedResolved = n
	}
	o.noteRate(ctx, client, flog)

	if n, err := o.updateOpenIssues(ctx, fetcher, d.OpenIssues); err != nil {
		log.WithError(err).Error("open-issue update failed")
	} else {
		flog.UpdatedOpenIssues = n
	}
	o.noteRate(ctx, client, flog)

	if n, err := o.updateClosedPRs(ctx, fetcher, d.ClosedPRs); err != nil {
		log.WithError(err).Error("closed-pr update failed")
	} else {
		flog.UpdatedClosedPRs = n
	}
	o.noteRate(ctx, client, flog)

	if n, err := o.updateOpenPRs(ctx, fetcher, d.OpenPRs); err != nil {
		log.WithError(err).Error("open-pr update failed")
	} else {
		flog.UpdatedOpenPRs = n
	}
	o.noteRate(ctx, client, flog)

	// Finalize: move the watermark, close the log. A crash before this
	// point leaves update_end unset and the window is replayed next run.
	finished := time.Now().UTC()
	if err := o.store.SetLastSyncTime(ctx, owner, name, finished); err != nil {
		return err
	}
	flog.UpdateEnd = &finished
	if err := o.store.UpdateFetchLog(ctx, flog); err != nil {
		log.WithError(err).Warn("could not close fetch log")
	}

	log.WithField("duration", finished.Sub(started).String()).Info("sync finished")
	return nil
}

func (o *Orchestrator) noteRate(ctx context.Context, client *github.Client, flog *models.FetchLog) {
	remaining, limit, used := client.Rate()
	flog.RateRemaining, flog.RateLimit, flog.RateConsumed = remaining, limit, used
	if err := o.store.UpdateFetchLog(ctx, flog); err != nil {
		o.logger.WithError(err).Debug("fetch log update failed")
	}
}

// closedPRLookup adapts the store for resolver inference: only a closed PR
// yields an author.
func (o *Orchestrator) closedPRLookup(ctx context.Context, owner, name string, number int) (string, bool, error) {
	author, err := o.store.ClosedPRAuthor(ctx, owner, name, number)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return author, author != "", nil
}

// updateClosedIssues derives ResolvedIssue records for newly closed issues.
// Existing records are never re-derived: the resolver is fixed at first
// capture and the timeline re-fetch is the expensive part.
func (o *Orchestrator) updateClosedIssues(ctx context.Context, fetcher *github.Fetcher, numbers []int) (int, error) {
	owner, name := fetcher.Owner(), fetcher.Name()
	records, err := o.store.ListIssuesByNumbers(ctx, owner, name, models.StateClosed, false, numbers)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, rec := range records {
		exists, err := o.store.HasResolvedIssue(ctx, owner, name, rec.Number)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		detail, err := fetcher.IssueDetail(ctx, rec.Number)
		if err != nil {
			o.recordFailure(ledger.KindIssue, owner, name, rec.Number, err)
			continue
		}

		resolved := &models.ResolvedIssue{
			Owner:      owner,
			Name:       name,
			Number:     rec.Number,
			CreatedAt:  rec.CreatedAt,
			ResolvedAt: rec.ClosedAt,
			Resolver:   detail.Resolver,
			Events:     detail.Events,
			Opener:     rec.Author,
		}
		if err := o.store.CreateResolvedIssue(ctx, resolved); err != nil {
			o.logger.WithError(err).WithField("number", rec.Number).Error("insert resolved issue failed")
			continue
		}
		created++
	}
	return created, nil
}

// updateOpenIssues refreshes tracked open issues (cheap timestamp touch) and
// captures new ones with a full timeline fetch, then drops every open record
// whose issue has since closed.
func (o *Orchestrator) updateOpenIssues(ctx context.Context, fetcher *github.Fetcher, numbers []int) (int, error) {
	owner, name := fetcher.Owner(), fetcher.Name()
	records, err := o.store.ListIssuesByNumbers(ctx, owner, name, models.StateOpen, false, numbers)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	updated := 0
	for _, rec := range records {
		touched, err := o.store.TouchOpenIssue(ctx, owner, name, rec.Number, now)
		if err != nil {
			return updated, err
		}
		if touched {
			updated++
			continue
		}

		detail, err := fetcher.IssueDetail(ctx, rec.Number)
		if err != nil {
			o.recordFailure(ledger.KindIssue, owner, name, rec.Number, err)
			continue
		}

		open := &models.OpenIssue{
			Owner:     owner,
			Name:      name,
			Number:    rec.Number,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: now,
			Events:    detail.Events,
			Opener:    rec.Author,
		}
		if err := o.store.CreateOpenIssue(ctx, open); err != nil {
			o.logger.WithError(err).WithField("number", rec.Number).Error("insert open issue failed")
			continue
		}
		updated++
	}

	closed, err := o.store.ListClosedNumbers(ctx, owner, name, false)
	if err != nil {
		return updated, err
	}
	if err := o.store.DeleteOpenIssues(ctx, owner, name, closed); err != nil {
		return updated, err
	}
	return updated, nil
}

func (o *Orchestrator) updateClosedPRs(ctx context.Context, fetcher *github.Fetcher, numbers []int) (int, error) {
	owner, name := fetcher.Owner(), fetcher.Name()
	records, err := o.store.ListIssuesByNumbers(ctx, owner, name, models.StateClosed, true, numbers)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, rec := range records {
		exists, err := o.store.HasClosedPR(ctx, owner, name, rec.Number)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		detail, err := fetcher.PRDetail(ctx, rec.Number)
		if err != nil {
			o.recordFailure(ledger.KindPR, owner, name, rec.Number, err)
			continue
		}

		// The issue list endpoint omits the merge timestamp; the PR detail
		// carries it, so fold it back into the generic record here.
		if detail.MergedAt != nil {
			rec.MergedAt = detail.MergedAt
			if err := o.store.UpsertIssues(ctx, []models.Issue{rec}); err != nil {
				o.logger.WithError(err).WithField("number", rec.Number).Warn("merged_at backfill failed")
			}
		}

		pr := &models.ClosedPR{
			Owner:           owner,
			Name:            name,
			Number:          rec.Number,
			CreatedAt:       rec.CreatedAt,
			ClosedAt:        rec.ClosedAt,
			ReviewerEvents:  detail.ReviewerEvents,
			CommenterEvents: detail.CommenterEvents,
			LabelEvents:     detail.LabelEvents,
			Opener:          rec.Author,
		}
		if err := o.store.CreateClosedPR(ctx, pr); err != nil {
			o.logger.WithError(err).WithField("number", rec.Number).Error("insert closed pr failed")
			continue
		}
		created++
	}
	return created, nil
}

func (o *Orchestrator) updateOpenPRs(ctx context.Context, fetcher *github.Fetcher, numbers []int) (int, error) {
	owner, name := fetcher.Owner(), fetcher.Name()
	records, err := o.store.ListIssuesByNumbers(ctx, owner, name, models.StateOpen, true, numbers)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	updated := 0
	for _, rec := range records {
		touched, err := o.store.TouchOpenPR(ctx, owner, name, rec.Number, now)
		if err != nil {
			return updated, err
		}
		if touched {
			updated++
			continue
		}

		detail, err := fetcher.PRDetail(ctx, rec.Number)
		if err != nil {
			o.recordFailure(ledger.KindPR, owner, name, rec.Number, err)
			continue
		}

		pr := &models.OpenPR{
			Owner:           owner,
			Name:            name,
			Number:          rec.Number,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       now,
			ReviewerEvents:  detail.ReviewerEvents,
			CommenterEvents: detail.CommenterEvents,
			LabelEvents:     detail.LabelEvents,
			Opener:          rec.Author,
		}
		if err := o.store.CreateOpenPR(ctx, pr); err != nil {
			o.logger.WithError(err).WithField("number", rec.Number).Error("insert open pr failed")
			continue
		}
		updated++
	}

	closed, err := o.store.ListClosedNumbers(ctx, owner, name, true)
	if err != nil {
		return updated, err
	}
	if err := o.store.DeleteOpenPRs(ctx, owner, name, closed); err != nil {
		return updated, err
	}
	return updated, nil
}

func (o *Orchestrator) recordFailure(kind, owner, name string, number int, cause error) {
	o.logger.WithError(cause).WithFields(logrus.Fields{
		"owner":  owner,
		"name":   name,
		"number": number,
	}).Error("item fetch failed")
	if o.failed == nil {
		return
	}
	if err := o.failed.Record(kind, owner, name, number); err != nil {
		o.logger.WithError(err).Warn("failure ledger write failed")
	}
}

func tokenPair(tokens []string, i int) []string {
	if len(tokens) <= 1 {
		return tokens
	}
	return []string{tokens[i%len(tokens)], tokens[(i+1)%len(tokens)]}
}

func splitRepo(full string) (owner, name string, err error) {
	parts := strings.Split(strings.TrimSpace(full), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not owner/name", full)
	}
	return parts[0], parts[1], nil
}

func dedupe(repos []string) []string {
	seen := make(map[string]struct{}, len(repos))
	var out []string
	for _, r := range repos {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
