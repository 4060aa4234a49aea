package issues

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Source fetches the complete list of issues in one state.
type Source interface {
	ListIssues(ctx context.Context, state State) (Snapshot, error)
}

// FetchError wraps a failed list request. The poller keeps its previous
// snapshot when it sees one.
type FetchError struct {
	State State
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s issues: %v", e.State, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// GitHubSource lists repository issues through the GitHub REST API.
// Pull requests, which the API returns alongside issues, are skipped.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubClient builds an API client. An empty token gives an
// unauthenticated client; baseURL selects a GitHub Enterprise host.
func NewGitHubClient(ctx context.Context, token, baseURL string, base *http.Client) (*github.Client, error) {
	httpClient := base
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		if base != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		}
		httpClient = oauth2.NewClient(ctx, ts)
		if base != nil {
			httpClient.Timeout = base.Timeout
		}
	}
	client := github.NewClient(httpClient)
	if baseURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("github base url %q: %w", baseURL, err)
	}
	return client, nil
}

func NewGitHubSource(client *github.Client, owner, repo string) *GitHubSource {
	return &GitHubSource{client: client, owner: owner, repo: repo}
}

// ListIssues pages through the whole list. A snapshot is only returned
// once every page has been read.
func (s *GitHubSource) ListIssues(ctx context.Context, state State) (Snapshot, error) {
	opts := &github.IssueListByRepoOptions{
		State:       string(state),
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var snap Snapshot
	for {
		ghIssues, resp, err := s.client.Issues.ListByRepo(ctx, s.owner, s.repo, opts)
		if err != nil {
			return nil, &FetchError{State: state, Err: err}
		}
		for _, gi := range ghIssues {
			if gi.IsPullRequest() {
				continue
			}
			snap = append(snap, convertIssue(gi))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return snap, nil
}

func convertIssue(gi *github.Issue) Issue {
	var labels []string
	for _, l := range gi.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}
	return Issue{
		Number: gi.GetNumber(),
		Title:  gi.GetTitle(),
		State:  State(gi.GetState()),
		Labels: labels,
		URL:    gi.GetHTMLURL(),
	}
}
