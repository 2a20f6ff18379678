package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Sentinel errors returned by the call wrapper.
var (
	// ErrNotFound marks an item that the API reports as missing or
	// inaccessible. Retrying cannot help; callers record the number in the
	// failure ledger and move on.
	ErrNotFound = errors.New("github: not found")

	// ErrExhausted is returned when the bounded retry budget ran out.
	// Callers must treat the zero result as "could not fetch", not as
	// "confirmed empty".
	ErrExhausted = errors.New("github: retries exhausted")

	// ErrNoValidTokens is returned once every credential token has been
	// marked invalid. The orchestration run aborts on it.
	ErrNoValidTokens = errors.New("github: no valid tokens remain")
)

const (
	defaultPerPage = 100
	defaultRetries = 3

	// Backoff sleeps mirror the upstream quota semantics: a short pause
	// before retrying on a fresh token, a longer one for transient faults.
	rotateBackoff    = 1 * time.Second
	transientBackoff = 3 * time.Second
)

// Options configures a Client.
type Options struct {
	Tokens            []string
	PerPage           int
	RequestsPerSecond float64
	Retries           int
	// APIBaseURL overrides the API endpoint, for GitHub Enterprise or tests.
	// Must end with a trailing slash when set.
	APIBaseURL string
}

// Client wraps the GitHub API with multi-token rotation, bounded retries and
// quota accounting. A Client is not safe for concurrent use: each sync worker
// owns its own instance so the per-client rate state stays consistent.
type Client struct {
	clients []*gh.Client
	tokens  []string
	invalid []bool
	current int

	limiter *rate.Limiter
	perPage int
	retries int
	sleep   func(time.Duration) // stubbed in tests
	logger  *logrus.Logger

	rateRemaining int
	rateLimit     int
	rateConsumed  int
}

// NewClient builds one underlying API client per token. The first token is
// active; rotation advances through the list modulo its length.
func NewClient(opts Options, logger *logrus.Logger) (*Client, error) {
	if len(opts.Tokens) == 0 {
		return nil, ErrNoValidTokens
	}
	if opts.PerPage <= 0 {
		opts.PerPage = defaultPerPage
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}

	clients := make([]*gh.Client, len(opts.Tokens))
	for i, token := range opts.Tokens {
		c := gh.NewClient(nil).WithAuthToken(token)
		if opts.APIBaseURL != "" {
			base, err := url.Parse(opts.APIBaseURL)
			if err != nil {
				return nil, fmt.Errorf("parse api base url: %w", err)
			}
			c.BaseURL = base
		}
		clients[i] = c
	}

	return &Client{
		clients: clients,
		tokens:  opts.Tokens,
		invalid: make([]bool, len(opts.Tokens)),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		perPage: opts.PerPage,
		retries: opts.Retries,
		sleep:   time.Sleep,
		logger:  logger,
	}, nil
}

// PerPage returns the page size used for list endpoints.
func (c *Client) PerPage() int { return c.perPage }

func (c *Client) active() *gh.Client { return c.clients[c.current] }

// rotate advances to the next usable token. It fails only when every token
// has been marked invalid.
func (c *Client) rotate() error {
	for i := 1; i <= len(c.tokens); i++ {
		next := (c.current + i) % len(c.tokens)
		if !c.invalid[next] {
			c.logger.WithFields(logrus.Fields{
				"from": c.current,
				"to":   next,
			}).Info("rotating github token")
			c.current = next
			return nil
		}
	}
	return ErrNoValidTokens
}

func (c *Client) markInvalid() {
	c.logger.WithField("token", redact(c.tokens[c.current])).Warn("marking token invalid")
	c.invalid[c.current] = true
}

// outcome classifies one API call result. The retry loop pattern-matches on
// it instead of on error types scattered through callers.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeRateLimited
	outcomeBadCredentials
	outcomeNotFound
	outcomeTransient
)

func classify(err error) outcome {
	if err == nil {
		return outcomeOK
	}
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return outcomeRateLimited
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return outcomeBadCredentials
		case http.StatusNotFound, http.StatusGone:
			return outcomeNotFound
		}
	}
	return outcomeTransient
}

// call runs one logical API operation with the active token, rotating on
// quota exhaustion or credential failure and retrying transient faults up to
// the client's retry budget. Not-found returns immediately.
func call[T any](ctx context.Context, c *Client, op string, fn func(*gh.Client) (T, *gh.Response, error)) (T, *gh.Response, error) {
	var zero T
	for attempt := 0; attempt < c.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, nil, fmt.Errorf("%s: %w", op, err)
		}
		result, resp, err := fn(c.active())
		switch classify(err) {
		case outcomeOK:
			return result, resp, nil
		case outcomeNotFound:
			return zero, resp, fmt.Errorf("%s: %w", op, ErrNotFound)
		case outcomeRateLimited:
			c.logger.WithField("op", op).Warn("rate limit exceeded, rotating token")
			c.sleep(rotateBackoff)
			if err := c.rotate(); err != nil {
				return zero, resp, fmt.Errorf("%s: %w", op, err)
			}
		case outcomeBadCredentials:
			c.markInvalid()
			if err := c.rotate(); err != nil {
				return zero, resp, fmt.Errorf("%s: %w", op, err)
			}
		case outcomeTransient:
			c.logger.WithError(err).WithField("op", op).Warn("transient github error")
			c.sleep(transientBackoff)
		}
	}
	return zero, nil, fmt.Errorf("%s: %w", op, ErrExhausted)
}

// paginate walks a paged list endpoint sequentially, one request per page,
// never issuing more requests than the page count the API reports. The rate
// limiter interposes between pages because each fetch goes through call.
func paginate[T any](fetch func(page int) ([]T, *gh.Response, error)) ([]T, error) {
	var all []T
	pages := 1
	for page := 1; page <= pages; page++ {
		items, resp, err := fetch(page)
		if err != nil {
			return all, fmt.Errorf("page %d: %w", page, err)
		}
		all = append(all, items...)
		if resp != nil && resp.LastPage > pages {
			pages = resp.LastPage
		}
	}
	return all, nil
}

// UpdateRateStats polls the provider's rate endpoint and folds the decrease
// in remaining quota into the consumed counter. A remaining count that grew
// since the last poll means the quota reset (or the token rotated): the
// whole previous remainder plus the spent part of the new window counts as
// consumed.
func (c *Client) UpdateRateStats(ctx context.Context) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	limits, _, err := c.active().RateLimit.Get(ctx)
	if err != nil || limits.Core == nil {
		c.logger.WithError(err).Debug("rate poll failed")
		return
	}
	c.rateConsumed += consumed(c.rateRemaining, limits.Core.Remaining, limits.Core.Limit)
	c.rateRemaining = limits.Core.Remaining
	c.rateLimit = limits.Core.Limit
}

func consumed(oldRemaining, newRemaining, newLimit int) int {
	if newLimit <= 0 {
		return 0
	}
	if oldRemaining >= newRemaining {
		return oldRemaining - newRemaining
	}
	return oldRemaining + newLimit - newRemaining
}

// Rate returns (remaining, limit, consumed) as of the last poll.
func (c *Client) Rate() (remaining, limit, used int) {
	return c.rateRemaining, c.rateLimit, c.rateConsumed
}

// CheckTokens probes each token against the authenticated-user endpoint and
// returns the ones that still authenticate. apiBaseURL may be empty.
func CheckTokens(ctx context.Context, tokens []string, apiBaseURL string, logger *logrus.Logger) []string {
	var valid []string
	for _, token := range tokens {
		c := gh.NewClient(nil).WithAuthToken(token)
		if apiBaseURL != "" {
			if base, err := url.Parse(apiBaseURL); err == nil {
				c.BaseURL = base
			}
		}
		user, _, err := c.Users.Get(ctx, "")
		if err != nil {
			logger.WithField("token", redact(token)).WithError(err).Warn("token failed validation")
			continue
		}
		logger.WithFields(logrus.Fields{
			"token": redact(token),
			"user":  user.GetLogin(),
		}).Debug("token valid")
		valid = append(valid, token)
	}
	return valid
}

func redact(token string) string {
	if len(token) <= 6 {
		return "******"
	}
	return token[:6] + "..."
}
