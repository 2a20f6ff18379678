// Package graph derives the weighted user-issue interaction graph from the
// persisted event store and exports it to Neo4j.
package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/issuegraph/issuegraph/internal/models"
	"github.com/issuegraph/issuegraph/internal/storage"
	"github.com/sirupsen/logrus"
)

// Event types carried on interaction edges.
const (
	EdgeOpened    = "opened"
	EdgeCommented = "commented"
	EdgeLabeled   = "labeled"
	EdgeReview    = "review_comment"
)

// Edge is one accumulated user-to-issue interaction. Src indexes a user
// node, Dst an issue node; both live in the same global index space.
// EventType is the type of the first event that created the edge.
type Edge struct {
	Src       int
	Dst       int
	Weight    int
	EventType string
}

// IssueFeature is the text payload attached to one issue node, aligned with
// the node's position in the issue namespace.
type IssueFeature struct {
	Number int
	Title  string
	Body   string
}

// Snapshot is the pull interface handed to downstream consumers. Node
// indices are assigned in insertion order of first occurrence across both
// namespaces; they are not stable across rebuilds.
type Snapshot struct {
	UserIndex  map[string]int
	IssueIndex map[int]int
	Edges      []Edge
	NodeCounts map[string]int
	Features   []IssueFeature
}

// Users returns user logins ordered by node index.
func (s *Snapshot) Users() []string {
	out := make([]string, 0, len(s.UserIndex))
	byIdx := make(map[int]string, len(s.UserIndex))
	for login, idx := range s.UserIndex {
		byIdx[idx] = login
	}
	for _, idx := range sortedValues(s.UserIndex) {
		out = append(out, byIdx[idx])
	}
	return out
}

// participant is one user acting on a pull request, used to project PR
// activity onto cross-referencing issues.
type participant struct {
	login     string
	eventType string
}

// Builder constructs interaction graph snapshots from the event store.
type Builder struct {
	store  storage.Store
	logger *logrus.Logger
}

// NewBuilder creates a builder over the given store.
func NewBuilder(store storage.Store, logger *logrus.Logger) *Builder {
	return &Builder{store: store, logger: logger}
}

// Build reads all persisted issue and pull-request records for owner/name
// and produces one snapshot. Pull requests never become nodes: their
// participants reach issues only through cross-reference chains. Bot
// accounts are excluded throughout.
func (b *Builder) Build(ctx context.Context, owner, name string) (*Snapshot, error) {
	acc := newAccumulator()

	// PR participants first: issue events cross-reference PRs by number.
	prs := make(map[int][]participant)
	closedPRs, err := b.store.ListClosedPRs(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	for _, pr := range closedPRs {
		prs[pr.Number] = prParticipants(pr.Opener, pr.ReviewerEvents, pr.CommenterEvents, pr.LabelEvents)
	}
	openPRs, err := b.store.ListOpenPRs(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	for _, pr := range openPRs {
		prs[pr.Number] = prParticipants(pr.Opener, pr.ReviewerEvents, pr.CommenterEvents, pr.LabelEvents)
	}

	resolved, err := b.store.ListResolvedIssues(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	for _, issue := range resolved {
		b.addIssue(acc, issue.Number, issue.Opener, issue.Events, prs)
	}
	openIssues, err := b.store.ListOpenIssues(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	for _, issue := range openIssues {
		b.addIssue(acc, issue.Number, issue.Opener, issue.Events, prs)
	}

	snap := acc.snapshot()

	contents, err := b.store.ListIssueContents(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	attachFeatures(snap, contents)

	b.logger.WithFields(logrus.Fields{
		"owner":  owner,
		"name":   name,
		"users":  snap.NodeCounts["user"],
		"issues": snap.NodeCounts["issue"],
		"edges":  len(snap.Edges),
	}).Info("graph built")
	return snap, nil
}

// addIssue records the opener edge, the direct comment/label edges, and the
// projected edges of every cross-referenced PR's participants.
func (b *Builder) addIssue(acc *accumulator, number int, opener string, events []models.TimelineEvent, prs map[int][]participant) {
	acc.addEdge(opener, number, EdgeOpened)
	for _, ev := range events {
		switch ev.Type {
		case "commented":
			acc.addEdge(ev.Actor, number, EdgeCommented)
		case "labeled":
			acc.addEdge(ev.Actor, number, EdgeLabeled)
		case "cross-referenced":
			for _, p := range prs[ev.SourceNumber] {
				acc.addEdge(p.login, number, p.eventType)
			}
		}
	}
}

func prParticipants(opener string, groups ...[]models.PRActivityEvent) []participant {
	var out []participant
	if opener != "" {
		out = append(out, participant{login: opener, eventType: EdgeOpened})
	}
	for _, events := range groups {
		for _, ev := range events {
			if ev.Actor == "" {
				continue
			}
			out = append(out, participant{login: ev.Actor, eventType: ev.Type})
		}
	}
	return out
}

// accumulator collapses repeated (user, issue) events into weighted edges
// while assigning node indices in first-occurrence order.
type accumulator struct {
	userIndex  map[string]int
	issueIndex map[int]int
	next       int
	edges      []Edge
	edgeAt     map[[2]int]int
}

func newAccumulator() *accumulator {
	return &accumulator{
		userIndex:  make(map[string]int),
		issueIndex: make(map[int]int),
		edgeAt:     make(map[[2]int]int),
	}
}

func (a *accumulator) addEdge(login string, number int, eventType string) {
	if login == "" || isBot(login) {
		return
	}
	src := a.userNode(login)
	dst := a.issueNode(number)
	key := [2]int{src, dst}
	if at, ok := a.edgeAt[key]; ok {
		a.edges[at].Weight++
		return
	}
	a.edgeAt[key] = len(a.edges)
	a.edges = append(a.edges, Edge{Src: src, Dst: dst, Weight: 1, EventType: eventType})
}

func (a *accumulator) userNode(login string) int {
	if idx, ok := a.userIndex[login]; ok {
		return idx
	}
	idx := a.next
	a.next++
	a.userIndex[login] = idx
	return idx
}

func (a *accumulator) issueNode(number int) int {
	if idx, ok := a.issueIndex[number]; ok {
		return idx
	}
	idx := a.next
	a.next++
	a.issueIndex[number] = idx
	return idx
}

func (a *accumulator) snapshot() *Snapshot {
	return &Snapshot{
		UserIndex:  a.userIndex,
		IssueIndex: a.issueIndex,
		Edges:      a.edges,
		NodeCounts: map[string]int{
			"user":  len(a.userIndex),
			"issue": len(a.issueIndex),
		},
	}
}

// attachFeatures joins issue text by number, in issue node index order.
// Issues without stored content get empty strings.
func attachFeatures(snap *Snapshot, contents []models.IssueContent) {
	byNumber := make(map[int]models.IssueContent, len(contents))
	for _, c := range contents {
		byNumber[c.Number] = c
	}

	numbers := make([]int, 0, len(snap.IssueIndex))
	byIdx := make(map[int]int, len(snap.IssueIndex))
	for number, idx := range snap.IssueIndex {
		byIdx[idx] = number
	}
	for _, idx := range sortedKeys(byIdx) {
		numbers = append(numbers, byIdx[idx])
	}

	snap.Features = make([]IssueFeature, 0, len(numbers))
	for _, number := range numbers {
		f := IssueFeature{Number: number}
		if c, ok := byNumber[number]; ok {
			f.Title, f.Body = c.Title, c.Body
		}
		snap.Features = append(snap.Features, f)
	}
}

func isBot(login string) bool {
	return strings.HasSuffix(login, "[bot]")
}

func sortedKeys(m map[int]int) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedValues(m map[string]int) []int {
	out := make([]int, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
