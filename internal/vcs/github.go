package vcs

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/config"
)

// Compile-time interface check.
var _ Provider = (*GitHubProvider)(nil)

// GitHubProvider implements Provider using the go-github library.
type GitHubProvider struct {
	client         *gogithub.Client
	owner          string
	repo           string
	rateLimitFloor int
}

// NewGitHubProvider creates a provider from configuration. The token
// comes from config or the ADW_VCS_TOKEN environment variable applied
// during config load.
func NewGitHubProvider(cfg config.VCSConfig) (*GitHubProvider, error) {
	if cfg.Token == "" {
		return nil, adwerrors.New(adwerrors.KindAuthFailure, "VCS token is not configured")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("vcs owner/repo not configured")
	}

	httpClient := &http.Client{
		Transport: &bearerTransport{token: cfg.Token},
	}
	client := gogithub.NewClient(httpClient)

	// GitHub Enterprise: override base URL.
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var err error
		client.BaseURL, err = client.BaseURL.Parse(baseURL + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
	}

	return &GitHubProvider{
		client:         client,
		owner:          cfg.Owner,
		repo:           cfg.Repo,
		rateLimitFloor: cfg.RateLimitFloor,
	}, nil
}

// bearerTransport adds an Authorization header to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// GetIssue fetches an issue by number.
func (g *GitHubProvider) GetIssue(ctx context.Context, number int) (*Issue, error) {
	issue, _, err := g.client.Issues.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  IssueState(issue.GetState()),
		Labels: labels,
	}, nil
}

// GetIssueState returns the open/closed state of an issue.
func (g *GitHubProvider) GetIssueState(ctx context.Context, number int) (IssueState, error) {
	issue, err := g.GetIssue(ctx, number)
	if err != nil {
		return "", err
	}
	return issue.State, nil
}

// CreateIssueComment posts a comment on an issue.
func (g *GitHubProvider) CreateIssueComment(ctx context.Context, number int, body string) error {
	comment := &gogithub.IssueComment{Body: gogithub.Ptr(body)}
	_, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number, comment)
	if err != nil {
		return fmt.Errorf("comment on issue #%d: %w", number, err)
	}
	return nil
}

// CreateIssue opens a new issue.
func (g *GitHubProvider) CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error) {
	req := &gogithub.IssueRequest{
		Title: gogithub.Ptr(title),
		Body:  gogithub.Ptr(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	created, _, err := g.client.Issues.Create(ctx, g.owner, g.repo, req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return &Issue{
		Number: created.GetNumber(),
		Title:  created.GetTitle(),
		State:  IssueState(created.GetState()),
	}, nil
}

// CreatePullRequest opens a PR.
func (g *GitHubProvider) CreatePullRequest(ctx context.Context, opts PROptions) (*PullRequest, error) {
	newPR := &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	}
	created, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, newPR)
	if err != nil {
		return nil, fmt.Errorf("create PR for %s: %w", opts.Head, err)
	}
	return prFromGitHub(created), nil
}

// FindPRByBranch returns the open PR whose head is the given branch.
func (g *GitHubProvider) FindPRByBranch(ctx context.Context, branch string) (*PullRequest, error) {
	opts := &gogithub.PullRequestListOptions{
		State: "open",
		Head:  g.owner + ":" + branch,
		ListOptions: gogithub.ListOptions{
			PerPage: 1,
		},
	}
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, opts)
	if err != nil {
		return nil, fmt.Errorf("list PRs for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prFromGitHub(prs[0]), nil
}

// MergePullRequest merges a PR and returns the merge commit.
func (g *GitHubProvider) MergePullRequest(ctx context.Context, number int, commitMessage string) (*MergeResult, error) {
	opts := &gogithub.PullRequestOptions{MergeMethod: "squash"}
	result, _, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, number, commitMessage, opts)
	if err != nil {
		return nil, fmt.Errorf("merge PR #%d: %w", number, err)
	}
	if !result.GetMerged() {
		return nil, fmt.Errorf("merge PR #%d: %s", number, result.GetMessage())
	}
	return &MergeResult{
		SHA:      result.GetSHA(),
		MergedAt: time.Now().UTC(),
	}, nil
}

// EnsureRateLimitAvailable waits for the core quota to rise above the
// configured floor. Preceded bulk calls so a burst of runs does not
// exhaust the shared token mid-phase.
func (g *GitHubProvider) EnsureRateLimitAvailable(ctx context.Context) error {
	for {
		limits, _, err := g.client.RateLimit.Get(ctx)
		if err != nil {
			return fmt.Errorf("query rate limit: %w", err)
		}
		core := limits.GetCore()
		if core == nil || core.Remaining > g.rateLimitFloor {
			return nil
		}

		wait := time.Until(core.Reset.Time)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return adwerrors.Wrap(adwerrors.KindResourceExhausted,
				"rate limit wait interrupted", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func prFromGitHub(pr *gogithub.PullRequest) *PullRequest {
	return &PullRequest{
		Number:   pr.GetNumber(),
		URL:      pr.GetHTMLURL(),
		State:    pr.GetState(),
		Head:     pr.GetHead().GetRef(),
		Base:     pr.GetBase().GetRef(),
		Merged:   pr.GetMerged(),
		MergeSHA: pr.GetMergeCommitSHA(),
	}
}
