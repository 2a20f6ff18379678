package github

import (
	"context"
	"fmt"
	"sort"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/issuegraph/issuegraph/internal/resolver"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// ClosedPRLookup reports the author of a closed pull request from the event
// store. found is false when the number is unknown or the PR is still open.
type ClosedPRLookup func(ctx context.Context, owner, name string, number int) (author string, found bool, err error)

// Fetcher runs all fetch operations for a single repository through a
// rate-limited Client. Cross-reference PR lookups are memoized because a
// busy issue can reference the same PR many times in one timeline.
type Fetcher struct {
	client *Client
	owner  string
	name   string

	createdAt time.Time
	lookupPR  ClosedPRLookup
	prCache   *cache.Cache
	logger    *logrus.Entry
}

// NewFetcher resolves the repository once (canonicalizing owner and name)
// and seeds the client's rate counters.
func NewFetcher(ctx context.Context, client *Client, owner, name string, lookupPR ClosedPRLookup, logger *logrus.Logger) (*Fetcher, error) {
	repo, _, err := call(ctx, client, "get repository", func(c *gh.Client) (*gh.Repository, *gh.Response, error) {
		return c.Repositories.Get(ctx, owner, name)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", owner, name, err)
	}

	f := &Fetcher{
		client:    client,
		owner:     repo.GetOwner().GetLogin(),
		name:      repo.GetName(),
		createdAt: repo.GetCreatedAt().Time.UTC(),
		lookupPR:  lookupPR,
		prCache:   cache.New(30*time.Minute, 10*time.Minute),
		logger: logger.WithFields(logrus.Fields{
			"owner": repo.GetOwner().GetLogin(),
			"name":  repo.GetName(),
		}),
	}
	client.UpdateRateStats(ctx)
	return f, nil
}

// Owner returns the canonical owner login.
func (f *Fetcher) Owner() string { return f.owner }

// Name returns the canonical repository name.
func (f *Fetcher) Name() string { return f.name }

// CreatedAt returns the repository creation time, the watermark for a
// never-synced repository.
func (f *Fetcher) CreatedAt() time.Time { return f.createdAt }

// Stats fetches repository metadata: primary language, language breakdown,
// description, topics and readme text. Partial failures leave the affected
// field empty rather than failing the whole snapshot.
func (f *Fetcher) Stats(ctx context.Context) (*models.Repository, error) {
	repo, _, err := call(ctx, f.client, "get repository", func(c *gh.Client) (*gh.Repository, *gh.Response, error) {
		return c.Repositories.Get(ctx, f.owner, f.name)
	})
	if err != nil {
		return nil, err
	}

	rec := &models.Repository{
		Owner:       f.owner,
		Name:        f.name,
		Language:    repo.GetLanguage(),
		Description: repo.GetDescription(),
		CreatedAt:   repo.GetCreatedAt().Time.UTC(),
	}

	if langs, _, err := call(ctx, f.client, "list languages", func(c *gh.Client) (map[string]int, *gh.Response, error) {
		return c.Repositories.ListLanguages(ctx, f.owner, f.name)
	}); err == nil {
		names := make([]string, 0, len(langs))
		for lang := range langs {
			names = append(names, lang)
		}
		sort.Strings(names)
		for _, lang := range names {
			rec.Languages = append(rec.Languages, models.LanguageCount{Language: lang, Bytes: langs[lang]})
		}
	} else {
		f.logger.WithError(err).Warn("could not fetch language breakdown")
	}

	if topics, _, err := call(ctx, f.client, "list topics", func(c *gh.Client) ([]string, *gh.Response, error) {
		return c.Repositories.ListAllTopics(ctx, f.owner, f.name)
	}); err == nil {
		rec.Topics = topics
	} else {
		f.logger.WithError(err).Warn("could not fetch topics")
	}

	if readme, _, err := call(ctx, f.client, "get readme", func(c *gh.Client) (*gh.RepositoryContent, *gh.Response, error) {
		return c.Repositories.GetReadme(ctx, f.owner, f.name, nil)
	}); err == nil {
		if text, err := readme.GetContent(); err == nil {
			rec.Readme = text
		}
	} else {
		f.logger.WithError(err).Warn("could not fetch readme")
	}

	f.client.UpdateRateStats(ctx)
	return rec, nil
}

// IssuesSince fetches every issue and pull request updated since the
// watermark, oldest first, normalized into canonical records.
func (f *Fetcher) IssuesSince(ctx context.Context, since time.Time) ([]models.Issue, error) {
	raw, err := paginate(func(page int) ([]*gh.Issue, *gh.Response, error) {
		opts := &gh.IssueListByRepoOptions{
			State:     "all",
			Since:     since,
			Sort:      "created",
			Direction: "asc",
			ListOptions: gh.ListOptions{
				PerPage: f.client.perPage,
				Page:    page,
			},
		}
		return call(ctx, f.client, "list issues", func(c *gh.Client) ([]*gh.Issue, *gh.Response, error) {
			return c.Issues.ListByRepo(ctx, f.owner, f.name, opts)
		})
	})
	f.client.UpdateRateStats(ctx)
	if err != nil {
		return nil, err
	}

	issues := make([]models.Issue, 0, len(raw))
	for _, issue := range raw {
		issues = append(issues, NormalizeIssue(f.owner, f.name, issue))
	}
	return issues, nil
}

// IssueDetail is the full timeline of one issue plus the inferred resolver
// candidates.
type IssueDetail struct {
	Owner    string
	Name     string
	Number   int
	Events   []models.TimelineEvent
	Resolver []string
}

// IssueDetail walks the issue's paginated timeline, classifies every entry
// and infers resolver candidates. Expensive: one request per timeline page.
func (f *Fetcher) IssueDetail(ctx context.Context, number int) (*IssueDetail, error) {
	raw, err := paginate(func(page int) ([]*gh.Timeline, *gh.Response, error) {
		opts := &gh.ListOptions{PerPage: f.client.perPage, Page: page}
		return call(ctx, f.client, "issue timeline", func(c *gh.Client) ([]*gh.Timeline, *gh.Response, error) {
			return c.Issues.ListIssueTimeline(ctx, f.owner, f.name, number, opts)
		})
	})
	if err != nil {
		f.client.UpdateRateStats(ctx)
		return nil, fmt.Errorf("issue #%d: %w", number, err)
	}

	events := make([]models.TimelineEvent, 0, len(raw))
	for _, ev := range raw {
		events = append(events, normalizeTimelineEvent(ev))
	}

	engine := resolver.Engine{ClosedPRAuthor: f.closedPRAuthor}
	detail := &IssueDetail{
		Owner:    f.owner,
		Name:     f.name,
		Number:   number,
		Events:   events,
		Resolver: engine.Infer(ctx, events),
	}
	f.client.UpdateRateStats(ctx)
	return detail, nil
}

// closedPRAuthor adapts the store-backed lookup for the resolver engine,
// with a memoization layer in front.
func (f *Fetcher) closedPRAuthor(ctx context.Context, number int) (string, bool) {
	if f.lookupPR == nil {
		return "", false
	}
	key := fmt.Sprintf("%d", number)
	if hit, ok := f.prCache.Get(key); ok {
		author := hit.(string)
		return author, author != ""
	}

	author, found, err := f.lookupPR(ctx, f.owner, f.name, number)
	if err != nil {
		f.logger.WithError(err).WithField("pr", number).Warn("closed-PR lookup failed")
		return "", false
	}
	if !found {
		author = ""
	}
	f.prCache.Set(key, author, cache.DefaultExpiration)
	return author, found && author != ""
}

// PRDetail is the review/comment/label activity of one pull request.
// MergedAt is nil for unmerged PRs.
type PRDetail struct {
	Owner           string
	Name            string
	Number          int
	MergedAt        *time.Time
	ReviewerEvents  []models.PRActivityEvent
	CommenterEvents []models.PRActivityEvent
	LabelEvents     []models.PRActivityEvent
}

// PRDetail fetches the pull request itself (for the merge timestamp, which
// the issue list payload omits) plus reviews, review comments, plain
// comments and label events. Review comments are grouped under the reviewer;
// a reviewer that left no comment still yields one event with no time/body.
func (f *Fetcher) PRDetail(ctx context.Context, number int) (*PRDetail, error) {
	pr, _, err := call(ctx, f.client, "get pull request", func(c *gh.Client) (*gh.PullRequest, *gh.Response, error) {
		return c.PullRequests.Get(ctx, f.owner, f.name, number)
	})
	if err != nil {
		f.client.UpdateRateStats(ctx)
		return nil, fmt.Errorf("pr #%d: %w", number, err)
	}

	reviews, err := paginate(func(page int) ([]*gh.PullRequestReview, *gh.Response, error) {
		opts := &gh.ListOptions{PerPage: f.client.perPage, Page: page}
		return call(ctx, f.client, "pr reviews", func(c *gh.Client) ([]*gh.PullRequestReview, *gh.Response, error) {
			return c.PullRequests.ListReviews(ctx, f.owner, f.name, number, opts)
		})
	})
	if err != nil {
		f.client.UpdateRateStats(ctx)
		return nil, fmt.Errorf("pr #%d: %w", number, err)
	}

	reviewComments, err := paginate(func(page int) ([]*gh.PullRequestComment, *gh.Response, error) {
		opts := &gh.PullRequestListCommentsOptions{
			ListOptions: gh.ListOptions{PerPage: f.client.perPage, Page: page},
		}
		return call(ctx, f.client, "pr review comments", func(c *gh.Client) ([]*gh.PullRequestComment, *gh.Response, error) {
			return c.PullRequests.ListComments(ctx, f.owner, f.name, number, opts)
		})
	})
	if err != nil {
		f.logger.WithError(err).WithField("pr", number).Warn("review comments unavailable")
	}

	commentsByLogin := make(map[string][]models.PRActivityEvent)
	for _, rc := range reviewComments {
		login := rc.GetUser().GetLogin()
		if login == "" {
			continue
		}
		ts := rc.GetCreatedAt()
		commentsByLogin[login] = append(commentsByLogin[login], models.PRActivityEvent{
			Type:    "review_comment",
			Time:    utcPtr(&ts),
			Actor:   login,
			Comment: rc.GetBody(),
		})
	}

	detail := &PRDetail{Owner: f.owner, Name: f.name, Number: number, MergedAt: utcPtr(pr.MergedAt)}
	seenReviewers := make(map[string]bool)
	for _, rev := range reviews {
		login := rev.GetUser().GetLogin()
		if login == "" || seenReviewers[login] {
			continue
		}
		seenReviewers[login] = true
		if events, ok := commentsByLogin[login]; ok {
			detail.ReviewerEvents = append(detail.ReviewerEvents, events...)
		} else {
			detail.ReviewerEvents = append(detail.ReviewerEvents, models.PRActivityEvent{
				Type:  "review_comment",
				Actor: login,
			})
		}
	}

	comments, err := paginate(func(page int) ([]*gh.IssueComment, *gh.Response, error) {
		opts := &gh.IssueListCommentsOptions{
			ListOptions: gh.ListOptions{PerPage: f.client.perPage, Page: page},
		}
		return call(ctx, f.client, "pr comments", func(c *gh.Client) ([]*gh.IssueComment, *gh.Response, error) {
			return c.Issues.ListComments(ctx, f.owner, f.name, number, opts)
		})
	})
	if err != nil {
		f.logger.WithError(err).WithField("pr", number).Warn("pr comments unavailable")
	}
	for _, cm := range comments {
		ts := cm.GetCreatedAt()
		detail.CommenterEvents = append(detail.CommenterEvents, models.PRActivityEvent{
			Type:    "normal_comment",
			Time:    utcPtr(&ts),
			Actor:   cm.GetUser().GetLogin(),
			Comment: cm.GetBody(),
		})
	}

	events, err := paginate(func(page int) ([]*gh.IssueEvent, *gh.Response, error) {
		opts := &gh.ListOptions{PerPage: f.client.perPage, Page: page}
		return call(ctx, f.client, "pr events", func(c *gh.Client) ([]*gh.IssueEvent, *gh.Response, error) {
			return c.Issues.ListIssueEvents(ctx, f.owner, f.name, number, opts)
		})
	})
	if err != nil {
		f.logger.WithError(err).WithField("pr", number).Warn("pr label events unavailable")
	}
	for _, ev := range events {
		kind := ev.GetEvent()
		if kind != "labeled" && kind != "unlabeled" {
			continue
		}
		ts := ev.GetCreatedAt()
		detail.LabelEvents = append(detail.LabelEvents, models.PRActivityEvent{
			Type:    kind,
			Time:    utcPtr(&ts),
			Actor:   ev.GetActor().GetLogin(),
			Comment: ev.GetLabel().GetName(),
		})
	}

	f.client.UpdateRateStats(ctx)
	return detail, nil
}
