package resolver

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/retry"
)

const (
	githubHTTPTimeout = 20 * time.Second
	githubPageSize    = 100
	githubUserAgent   = "branchnexus"
)

// GitHubRepository is a repository visible to the token.
type GitHubRepository struct {
	FullName      string `json:"full_name" yaml:"full_name"`
	CloneURL      string `json:"clone_url" yaml:"clone_url"`
	Private       bool   `json:"private" yaml:"private"`
	DefaultBranch string `json:"default_branch" yaml:"default_branch"`
}

// GitHub lists repositories and branches through the REST API.
type GitHub struct {
	client  *github.Client
	apiBase string
	policy  retry.Policy
	logger  *logging.Logger
}

// GitHubOption configures a GitHub client.
type GitHubOption func(*GitHub)

// WithAPIBase overrides the API base URL.
func WithAPIBase(base string) GitHubOption {
	return func(g *GitHub) { g.apiBase = base }
}

// WithRetry sets the per-page retry policy.
func WithRetry(p retry.Policy) GitHubOption {
	return func(g *GitHub) { g.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) GitHubOption {
	return func(g *GitHub) { g.logger = l }
}

// NewGitHub creates a client. An empty token or a malformed API base is a
// ConfigurationError.
func NewGitHub(token string, opts ...GitHubOption) (*GitHub, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.NewConfigurationError("a GitHub token is required").
			WithField("auth.token").
			WithStage(errors.StageDiscovery).
			WithHint("set GH_TOKEN or auth.token")
	}
	g := &GitHub{
		policy: retry.DefaultPolicy(),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.client = github.NewClient(&http.Client{Timeout: githubHTTPTimeout}).WithAuthToken(token)
	g.client.UserAgent = githubUserAgent
	if g.apiBase != "" {
		base, err := url.Parse(strings.TrimRight(g.apiBase, "/") + "/")
		if err != nil || base.Host == "" {
			return nil, errors.NewConfigurationError(fmt.Sprintf("invalid GitHub API base %q", g.apiBase)).
				WithCause(err).
				WithStage(errors.StageDiscovery)
		}
		g.client.BaseURL = base
	}
	return g, nil
}

// Repositories yields the repositories of the authenticated user, following
// pagination lazily.
func (g *GitHub) Repositories(ctx context.Context) iter.Seq2[GitHubRepository, error] {
	return func(yield func(GitHubRepository, error) bool) {
		opts := &github.RepositoryListByAuthenticatedUserOptions{
			Sort:        "full_name",
			Direction:   "asc",
			ListOptions: github.ListOptions{PerPage: githubPageSize},
		}
		for {
			var page []*github.Repository
			var resp *github.Response
			err := retry.Do(ctx, "github list repositories", g.policy, func(ctx context.Context, _ int) error {
				var err error
				g.logger.Debug("github request", "op", "repositories", "page", opts.Page)
				page, resp, err = g.client.Repositories.ListByAuthenticatedUser(ctx, opts)
				return classifyGitHub(ctx, err, resp, "")
			})
			if err != nil {
				yield(GitHubRepository{}, err)
				return
			}

			repos := make([]GitHubRepository, 0, len(page))
			for _, r := range page {
				if r.GetFullName() == "" || r.GetCloneURL() == "" {
					continue
				}
				repos = append(repos, GitHubRepository{
					FullName:      r.GetFullName(),
					CloneURL:      r.GetCloneURL(),
					Private:       r.GetPrivate(),
					DefaultBranch: r.GetDefaultBranch(),
				})
			}
			sort.Slice(repos, func(i, j int) bool {
				return strings.ToLower(repos[i].FullName) < strings.ToLower(repos[j].FullName)
			})
			for _, repo := range repos {
				if !yield(repo, nil) {
					return
				}
			}

			if resp.NextPage == 0 {
				return
			}
			opts.Page = resp.NextPage
		}
	}
}

// Branches yields the branch names of fullName ("owner/repo").
func (g *GitHub) Branches(ctx context.Context, fullName string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		name := strings.Trim(strings.TrimSpace(fullName), "/")
		owner, repo, ok := strings.Cut(name, "/")
		if !ok || owner == "" || repo == "" {
			yield("", errors.NewConfigurationError(fmt.Sprintf("invalid repository %q", fullName)).
				WithStage(errors.StageDiscovery).
				WithHint("use the owner/repo form"))
			return
		}

		opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: githubPageSize}}
		for {
			var page []*github.Branch
			var resp *github.Response
			err := retry.Do(ctx, "github list branches", g.policy, func(ctx context.Context, _ int) error {
				var err error
				g.logger.Debug("github request", "op", "branches", "repository", name, "page", opts.Page)
				page, resp, err = g.client.Repositories.ListBranches(ctx, owner, repo, opts)
				return classifyGitHub(ctx, err, resp, name)
			})
			if err != nil {
				yield("", err)
				return
			}

			for _, b := range page {
				if strings.TrimSpace(b.GetName()) == "" {
					continue
				}
				if !yield(b.GetName(), nil) {
					return
				}
			}

			if resp.NextPage == 0 {
				return
			}
			opts.Page = resp.NextPage
		}
	}
}

// classifyGitHub maps a client failure to the error taxonomy by status code.
// subject names the repository for not-found errors.
func classifyGitHub(ctx context.Context, err error, resp *github.Response, subject string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return errors.NewAuthenticationError("GitHub rate limit exceeded", err).
			WithHost("github.com").
			WithStage(errors.StageDiscovery).
			WithHint(fmt.Sprintf("wait until %s or use a token with a higher limit", rateErr.Rate.Reset.Format(time.Kitchen)))
	}

	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	} else {
		var apiErr *github.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.Response != nil {
			status = apiErr.Response.StatusCode
		}
	}

	switch {
	case status == 0:
		return errors.NewRecoverableError("GitHub API unreachable", err).
			WithStage(errors.StageDiscovery).
			WithHint("check the network connection")
	case status == http.StatusUnauthorized:
		return errors.NewAuthenticationError("GitHub rejected the token", err).
			WithHost("github.com").
			WithStage(errors.StageDiscovery)
	case status == http.StatusForbidden:
		return errors.NewAuthenticationError("GitHub denied access", err).
			WithHost("github.com").
			WithStage(errors.StageDiscovery).
			WithHint("check the token's scopes or wait for the rate limit to reset")
	case status == http.StatusNotFound:
		return errors.NewGitError("repository not found", err).
			WithRepository(subject).
			WithStage(errors.StageDiscovery).
			WithHint("check the repository name and that the token can see it")
	case status >= 500 || status == http.StatusTooManyRequests:
		return errors.NewRecoverableError("GitHub API unavailable", err).
			WithStage(errors.StageDiscovery)
	default:
		return errors.NewExecutionError("GitHub API request failed", err).
			WithStage(errors.StageDiscovery)
	}
}
