package models

import (
	"fmt"
	"time"
)

// Repository represents a tracked GitHub repository. LastSyncTime is the
// watermark for the next incremental fetch: nil means the repository has
// never completed a sync and the next run starts from CreatedAt.
type Repository struct {
	Owner        string          `json:"owner" db:"owner"`
	Name         string          `json:"name" db:"name"`
	Language     string          `json:"language" db:"language"`
	Languages    []LanguageCount `json:"languages"`
	Description  string          `json:"description" db:"description"`
	Topics       []string        `json:"topics"`
	Readme       string          `json:"readme" db:"readme"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	LastSyncTime *time.Time      `json:"last_sync_time" db:"last_sync_time"`
}

// FullName returns the owner/name form used in CLI arguments and logs.
func (r *Repository) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// LanguageCount is one entry of a repository's language breakdown.
type LanguageCount struct {
	Language string `json:"language"`
	Bytes    int    `json:"bytes"`
}

// Issue is the generic issue-or-PR record, one per (owner, name, number).
// Upserted on every fetch; the natural key makes the upsert idempotent.
type Issue struct {
	Owner     string     `json:"owner" db:"owner"`
	Name      string     `json:"name" db:"name"`
	Number    int        `json:"number" db:"number"`
	Author    string     `json:"author" db:"author"`
	State     string     `json:"state" db:"state"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ClosedAt  *time.Time `json:"closed_at" db:"closed_at"`
	Title     string     `json:"title" db:"title"`
	Body      string     `json:"body" db:"body"`
	Labels    []string   `json:"labels"`
	IsPull    bool       `json:"is_pull" db:"is_pull"`
	MergedAt  *time.Time `json:"merged_at" db:"merged_at"`
}

// Issue/PR states as reported by the API.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// TimelineEvent is one classified entry of an issue's timeline.
// Optional fields are populated depending on Type: Assignee for
// assigned/unassigned, Label for labeled/unlabeled, SourceNumber for
// cross-referenced, Comment/Commenter for commented, CommitID for referenced.
type TimelineEvent struct {
	Type         string     `json:"type"`
	Time         *time.Time `json:"time"`
	Actor        string     `json:"actor"`
	Assignee     string     `json:"assignee,omitempty"`
	Label        string     `json:"label,omitempty"`
	SourceNumber int        `json:"source_number,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	Commenter    string     `json:"commenter,omitempty"`
	CommitID     string     `json:"commit,omitempty"`
}

// ResolvedIssue is the create-once record for a closed, non-PR issue.
// Resolver holds the candidate logins of the first non-empty priority tier.
type ResolvedIssue struct {
	Owner      string          `json:"owner" db:"owner"`
	Name       string          `json:"name" db:"name"`
	Number     int             `json:"number" db:"number"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at" db:"resolved_at"`
	Resolver   []string        `json:"resolver"`
	Events     []TimelineEvent `json:"events"`
	Opener     string          `json:"opener" db:"opener"`
}

// OpenIssue mirrors ResolvedIssue for issues that are still open. UpdatedAt
// is touched on every sync while the issue stays open; the record is deleted
// once the issue closes.
type OpenIssue struct {
	Owner     string          `json:"owner" db:"owner"`
	Name      string          `json:"name" db:"name"`
	Number    int             `json:"number" db:"number"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
	Events    []TimelineEvent `json:"events"`
	Opener    string          `json:"opener" db:"opener"`
}

// PRActivityEvent is one review, comment or label event on a pull request.
type PRActivityEvent struct {
	Type    string     `json:"type"`
	Time    *time.Time `json:"time"`
	Actor   string     `json:"actor"`
	Comment string     `json:"comment,omitempty"`
}

// ClosedPR is the create-once record for a closed pull request.
type ClosedPR struct {
	Owner           string            `json:"owner" db:"owner"`
	Name            string            `json:"name" db:"name"`
	Number          int               `json:"number" db:"number"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	ClosedAt        *time.Time        `json:"closed_at" db:"closed_at"`
	ReviewerEvents  []PRActivityEvent `json:"reviewer_events"`
	CommenterEvents []PRActivityEvent `json:"commenter_events"`
	LabelEvents     []PRActivityEvent `json:"label_events"`
	Opener          string            `json:"opener" db:"opener"`
}

// OpenPR mirrors ClosedPR for pull requests that are still open.
type OpenPR struct {
	Owner           string            `json:"owner" db:"owner"`
	Name            string            `json:"name" db:"name"`
	Number          int               `json:"number" db:"number"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
	ReviewerEvents  []PRActivityEvent `json:"reviewer_events"`
	CommenterEvents []PRActivityEvent `json:"commenter_events"`
	LabelEvents     []PRActivityEvent `json:"label_events"`
	Opener          string            `json:"opener" db:"opener"`
}

// FetchLog audits one orchestration run for a repository. UpdateEnd stays
// nil if the run did not complete; operators treat such rows as failed runs.
type FetchLog struct {
	ID                   string     `json:"id" db:"id"`
	Owner                string     `json:"owner" db:"owner"`
	Name                 string     `json:"name" db:"name"`
	PID                  int        `json:"pid" db:"pid"`
	UpdateBegin          time.Time  `json:"update_begin" db:"update_begin"`
	UpdateEnd            *time.Time `json:"update_end" db:"update_end"`
	UpdatedIssues        int        `json:"updated_issues" db:"updated_issues"`
	UpdatedResolved      int        `json:"updated_resolved_issues" db:"updated_resolved_issues"`
	UpdatedOpenIssues    int        `json:"updated_open_issues" db:"updated_open_issues"`
	UpdatedClosedPRs     int        `json:"updated_closed_prs" db:"updated_closed_prs"`
	UpdatedOpenPRs       int        `json:"updated_open_prs" db:"updated_open_prs"`
	RateConsumed         int        `json:"rate_consumed" db:"rate_consumed"`
	RateRemaining        int        `json:"rate_remaining" db:"rate_remaining"`
	RateLimit            int        `json:"rate_limit" db:"rate_limit"`
}

// IssueContent is the text payload of an issue, merged into graph node
// features by natural key.
type IssueContent struct {
	Owner  string `json:"owner" db:"owner"`
	Name   string `json:"name" db:"name"`
	Number int    `json:"number" db:"number"`
	Title  string `json:"title" db:"title"`
	Body   string `json:"body" db:"body"`
}
