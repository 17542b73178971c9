package worker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/wardnb/autonomous-dev-team/core"
)

// VCSGateway is the version-control/CI capability from spec.md §4.5: a local
// working copy plus a remote PR/check-run surface. Every operation must be
// idempotent with respect to re-entry at any state boundary.
type VCSGateway interface {
	CreateBranch(ctx context.Context, name string) core.Result
	Commit(ctx context.Context, message string, files []string) core.Result
	Push(ctx context.Context, branch string) core.Result
	OpenPR(ctx context.Context, branch string, strategy core.FixStrategy, issue core.Issue) core.Result
	PollChecks(ctx context.Context, prNumber int) (core.CheckStatus, error)
	FetchFailedLogs(ctx context.Context, prNumber int) (string, error)
	Rollback(ctx context.Context, branch string) core.Result
}

// prURLPattern extracts the trailing PR number from a GitHub PR URL, e.g.
// "https://github.com/org/repo/pull/42" -> 42.
var prURLPattern = regexp.MustCompile(`/pull/(\d+)$`)

// PRNumberFromURL extracts the pr_number spec.md §4.5 "open_pr" says to
// derive from the returned URL.
func PRNumberFromURL(url string) (int, error) {
	m := prURLPattern.FindStringSubmatch(strings.TrimRight(url, "/"))
	if m == nil {
		return 0, fmt.Errorf("no PR number found in url %q", url)
	}
	return strconv.Atoi(m[1])
}

// FakeGateway is an in-memory VCSGateway for engine/dispatcher tests,
// mirroring the teacher's dual production/in-memory store pattern
// (e.g. orchestration/workflow_state.go's InMemoryStateStore).
type FakeGateway struct {
	mu sync.Mutex

	Branches   []string
	Commits    []string
	Pushed     []string
	RolledBack []string

	NextPRURL    string
	NextPRNumber int
	OpenPRErr    error

	ChecksByPR map[int]core.CheckStatus
	LogsByPR   map[int]string
}

// NewFakeGateway builds a FakeGateway whose PollChecks reports overall
// success unless configured otherwise via ChecksByPR.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		ChecksByPR: map[int]core.CheckStatus{},
		LogsByPR:   map[int]string{},
	}
}

func (f *FakeGateway) CreateBranch(ctx context.Context, name string) core.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Branches = append(f.Branches, name)
	return core.Ok("branch created", name)
}

func (f *FakeGateway) Commit(ctx context.Context, message string, files []string) core.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commits = append(f.Commits, message)
	return core.Ok("committed", len(files))
}

func (f *FakeGateway) Push(ctx context.Context, branch string) core.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pushed = append(f.Pushed, branch)
	return core.Ok("pushed", branch)
}

func (f *FakeGateway) OpenPR(ctx context.Context, branch string, strategy core.FixStrategy, issue core.Issue) core.Result {
	if f.OpenPRErr != nil {
		return core.Fail("open pr", fmt.Errorf("%w: %v", core.ErrPRCreationFailed, f.OpenPRErr))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	url := f.NextPRURL
	if url == "" {
		url = fmt.Sprintf("https://github.com/example/repo/pull/%d", f.NextPRNumber)
	}
	return core.Ok("pr opened", map[string]interface{}{"url": url, "number": f.NextPRNumber})
}

func (f *FakeGateway) PollChecks(ctx context.Context, prNumber int) (core.CheckStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.ChecksByPR[prNumber]; ok {
		return status, nil
	}
	return core.CheckStatus{Overall: core.OverallSuccess}, nil
}

func (f *FakeGateway) FetchFailedLogs(ctx context.Context, prNumber int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LogsByPR[prNumber], nil
}

func (f *FakeGateway) Rollback(ctx context.Context, branch string) core.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RolledBack = append(f.RolledBack, branch)
	return core.Ok("rolled back", branch)
}

var _ VCSGateway = (*FakeGateway)(nil)
