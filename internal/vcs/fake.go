package vcs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Provider for tests.
type Fake struct {
	mu       sync.Mutex
	Issues   map[int]*Issue
	Comments map[int][]string
	PRs      []*PullRequest
	Merged   map[int]string

	nextIssue int
	nextPR    int

	// FailCreatePR makes CreatePullRequest fail, for cascade tests.
	FailCreatePR error
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		Issues:    make(map[int]*Issue),
		Comments:  make(map[int][]string),
		Merged:    make(map[int]string),
		nextIssue: 1000,
		nextPR:    1,
	}
}

func (f *Fake) GetIssue(_ context.Context, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	return issue, nil
}

func (f *Fake) GetIssueState(ctx context.Context, number int) (IssueState, error) {
	issue, err := f.GetIssue(ctx, number)
	if err != nil {
		return "", err
	}
	return issue.State, nil
}

func (f *Fake) CreateIssueComment(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments[number] = append(f.Comments[number], body)
	return nil
}

func (f *Fake) CreateIssue(_ context.Context, title, body string, labels []string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := &Issue{Number: f.nextIssue, Title: title, Body: body, State: IssueOpen, Labels: labels}
	f.Issues[issue.Number] = issue
	return issue, nil
}

func (f *Fake) CreatePullRequest(_ context.Context, opts PROptions) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreatePR != nil {
		return nil, f.FailCreatePR
	}
	pr := &PullRequest{
		Number: f.nextPR,
		URL:    fmt.Sprintf("https://example.test/pr/%d", f.nextPR),
		State:  "open",
		Head:   opts.Head,
		Base:   opts.Base,
	}
	f.nextPR++
	f.PRs = append(f.PRs, pr)
	return pr, nil
}

func (f *Fake) FindPRByBranch(_ context.Context, branch string) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.PRs {
		if pr.Head == branch && pr.State == "open" {
			return pr, nil
		}
	}
	return nil, nil
}

func (f *Fake) MergePullRequest(_ context.Context, number int, _ string) (*MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.PRs {
		if pr.Number == number {
			pr.State = "closed"
			pr.Merged = true
			sha := fmt.Sprintf("%040d", number)
			pr.MergeSHA = sha
			f.Merged[number] = sha
			return &MergeResult{SHA: sha, MergedAt: time.Now().UTC()}, nil
		}
	}
	return nil, fmt.Errorf("PR #%d not found", number)
}

func (f *Fake) EnsureRateLimitAvailable(context.Context) error {
	return nil
}

// OpenPRCount reports how many PRs are open, for idempotence assertions.
func (f *Fake) OpenPRCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pr := range f.PRs {
		if pr.State == "open" {
			n++
		}
	}
	return n
}
