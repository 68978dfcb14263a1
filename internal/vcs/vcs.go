// Package vcs is the port to the external tracker and hosting service.
// Only the Review and Ship phases (and terminal-failure reporting) talk
// to it; everything else in the pipeline is hosting-agnostic.
package vcs

import (
	"context"
	"time"
)

// IssueState is the tracker-side state of an issue.
type IssueState string

const (
	IssueOpen   IssueState = "open"
	IssueClosed IssueState = "closed"
)

// Issue is the subset of tracker issue data the pipeline consumes.
type Issue struct {
	Number int
	Title  string
	Body   string
	State  IssueState
	Labels []string
}

// PullRequest describes a hosted pull request.
type PullRequest struct {
	Number  int
	URL     string
	State   string
	Head    string
	Base    string
	Merged  bool
	MergeSHA string
}

// PROptions describes a pull request to create.
type PROptions struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// MergeResult reports a completed merge.
type MergeResult struct {
	SHA      string
	MergedAt time.Time
}

// Provider is the hosting port used by the pipeline.
type Provider interface {
	// GetIssue fetches an issue by number.
	GetIssue(ctx context.Context, number int) (*Issue, error)
	// GetIssueState returns just the open/closed state.
	GetIssueState(ctx context.Context, number int) (IssueState, error)
	// CreateIssueComment posts a comment on an issue.
	CreateIssueComment(ctx context.Context, number int, body string) error
	// CreateIssue opens a new issue, used by Verify for follow-ups.
	CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error)
	// CreatePullRequest opens a PR.
	CreatePullRequest(ctx context.Context, opts PROptions) (*PullRequest, error)
	// FindPRByBranch returns the open PR whose head is the given branch,
	// or nil when none exists. Ship uses this to adopt an existing PR
	// instead of opening a duplicate.
	FindPRByBranch(ctx context.Context, branch string) (*PullRequest, error)
	// MergePullRequest merges a PR and returns the merge commit.
	MergePullRequest(ctx context.Context, number int, commitMessage string) (*MergeResult, error)
	// EnsureRateLimitAvailable blocks until the API quota has headroom
	// for a bulk operation, or fails if the context expires first.
	EnsureRateLimitAvailable(ctx context.Context) error
}
