package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/go-github/v45/github"
	"golang.org/x/oauth2"

	"github.com/wardnb/autonomous-dev-team/core"
)

// GitHubGateway implements VCSGateway against a local git working copy (via
// os/exec) for the filesystem operations and the GitHub REST API (via
// go-github) for PR and check-run operations, grounded on the
// github-pr-autofix reconciler's github.NewClient(oauthClient) idiom.
// Its default branch is always main: it does not read Config.DefaultBranch.
type GitHubGateway struct {
	client *github.Client
	repo   string // working copy path
	owner  string
	name   string
	logger core.Logger
}

// NewGitHubGateway builds a gateway authenticated with a personal access
// token, operating on the local git checkout at repoPath.
func NewGitHubGateway(token, owner, name, repoPath string, logger core.Logger) *GitHubGateway {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &GitHubGateway{
		client: github.NewClient(httpClient),
		repo:   repoPath,
		owner:  owner,
		name:   name,
		logger: logger,
	}
}

func (g *GitHubGateway) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repo
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, errBuf.String())
	}
	return out.String(), nil
}

// CreateBranch discards working-copy changes, checks out and pulls main,
// then creates and checks out a new branch off it. Idempotent: re-entry
// with a branch of the same name recreates it from main and succeeds.
func (g *GitHubGateway) CreateBranch(ctx context.Context, name string) core.Result {
	if _, err := g.git(ctx, "checkout", "--", "."); err != nil {
		g.logger.Warn("create branch: discard failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := g.git(ctx, "checkout", "main"); err != nil {
		return core.Fail("checkout default branch", err)
	}
	if _, err := g.git(ctx, "pull"); err != nil {
		g.logger.Warn("create branch: pull failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := g.git(ctx, "checkout", "-B", name); err != nil {
		return core.Fail("create branch", err)
	}
	return core.Ok("branch created", name)
}

// Commit stages the given files (or everything, if files is empty) and
// commits. A no-op commit (nothing staged) is reported as success so retries
// that re-enter this step don't fail.
func (g *GitHubGateway) Commit(ctx context.Context, message string, files []string) core.Result {
	args := append([]string{"add"}, files...)
	if len(files) == 0 {
		args = []string{"add", "-A"}
	}
	if _, err := g.git(ctx, args...); err != nil {
		return core.Fail("stage files", err)
	}
	if _, err := g.git(ctx, "diff", "--cached", "--quiet"); err == nil {
		return core.Ok("nothing to commit", nil)
	}
	if _, err := g.git(ctx, "commit", "-m", message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return core.Ok("nothing to commit", nil)
		}
		return core.Fail("commit", err)
	}
	return core.Ok("committed", nil)
}

// Push pushes branch to origin, force-with-lease so CI-repair amend-style
// retries don't get rejected by a stale remote ref.
func (g *GitHubGateway) Push(ctx context.Context, branch string) core.Result {
	if _, err := g.git(ctx, "push", "--force-with-lease", "origin", branch); err != nil {
		return core.Fail("push", err)
	}
	return core.Ok("pushed", branch)
}

// OpenPR opens a pull request from branch against main, with a templated
// body attributing the fix to the orchestrator
// (spec.md §4.2 pr_creation).
func (g *GitHubGateway) OpenPR(ctx context.Context, branch string, strategy core.FixStrategy, issue core.Issue) core.Result {
	title := fmt.Sprintf("Fix: %s", issue.Title)
	body := prBody(strategy, issue)
	pr, _, err := g.client.PullRequests.Create(ctx, g.owner, g.name, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String("main"),
		Body:  github.String(body),
	})
	if err != nil {
		return core.Fail("open pr", fmt.Errorf("%w: %v", core.ErrPRCreationFailed, err))
	}
	return core.Ok("pr opened", map[string]interface{}{"url": pr.GetHTMLURL(), "number": pr.GetNumber()})
}

func prBody(strategy core.FixStrategy, issue core.Issue) string {
	var b strings.Builder
	b.WriteString("Automated fix generated by the autonomous-dev-team orchestrator.\n\n")
	fmt.Fprintf(&b, "**Issue**: %s\n\n", issue.Title)
	fmt.Fprintf(&b, "**Approach**: %s\n\n", strategy.Description)
	b.WriteString("**Files changed**:\n")
	for _, f := range strategy.FilesAffected {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}

// PollChecks fetches per-check-run status for the PR's head ref and derives
// an aggregate status per spec.md §4.2 step 1.
func (g *GitHubGateway) PollChecks(ctx context.Context, prNumber int) (core.CheckStatus, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, g.owner, g.name, prNumber)
	if err != nil {
		return core.CheckStatus{}, fmt.Errorf("fetching pr: %w", err)
	}
	ref := pr.GetHead().GetSHA()

	runs, _, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.name, ref, nil)
	if err != nil {
		return core.CheckStatus{}, fmt.Errorf("listing check runs: %w", err)
	}

	var checks []core.Check
	for _, run := range runs.CheckRuns {
		checks = append(checks, core.Check{
			Name:       run.GetName(),
			Status:     core.CheckRunStatus(run.GetStatus()),
			Conclusion: core.CheckConclusion(run.GetConclusion()),
		})
	}
	return core.CheckStatus{Overall: core.DeriveOverall(checks), PerCheck: checks}, nil
}

// FetchFailedLogs downloads and concatenates logs for every failed check
// run on the PR's head ref.
func (g *GitHubGateway) FetchFailedLogs(ctx context.Context, prNumber int) (string, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, g.owner, g.name, prNumber)
	if err != nil {
		return "", fmt.Errorf("fetching pr: %w", err)
	}
	ref := pr.GetHead().GetSHA()

	runs, _, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.name, ref, nil)
	if err != nil {
		return "", fmt.Errorf("listing check runs: %w", err)
	}

	var b strings.Builder
	for _, run := range runs.CheckRuns {
		if run.GetConclusion() != "failure" {
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n", run.GetName())
		if summary := run.GetOutput().GetSummary(); summary != "" {
			b.WriteString(summary)
			b.WriteString("\n")
		}
		if text := run.GetOutput().GetText(); text != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// Rollback discards working-copy changes, returns to the default branch,
// discards again, and deletes the local and remote branch (spec.md §4.5).
func (g *GitHubGateway) Rollback(ctx context.Context, branch string) core.Result {
	if _, err := g.git(ctx, "checkout", "--", "."); err != nil {
		g.logger.Warn("rollback: discard failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := g.git(ctx, "checkout", "main"); err != nil {
		return core.Fail("checkout default branch", err)
	}
	if _, err := g.git(ctx, "checkout", "--", "."); err != nil {
		g.logger.Warn("rollback: second discard failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := g.git(ctx, "branch", "-D", branch); err != nil {
		g.logger.Warn("rollback: local branch delete failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := g.git(ctx, "push", "origin", "--delete", branch); err != nil {
		g.logger.Warn("rollback: remote branch delete failed", map[string]interface{}{"error": err.Error()})
	}
	return core.Ok("rolled back", branch)
}

var _ VCSGateway = (*GitHubGateway)(nil)
