package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/engine"
	"github.com/wardnb/autonomous-dev-team/learning"
	"github.com/wardnb/autonomous-dev-team/llm"
	"github.com/wardnb/autonomous-dev-team/safety"
	"github.com/wardnb/autonomous-dev-team/session"
	"github.com/wardnb/autonomous-dev-team/storage"
	"github.com/wardnb/autonomous-dev-team/worker"
)

// testIssue builds a normalized Issue for the given category, mirroring
// the way core.ParseIssueInput/NormalizeIssue would produce one.
func testIssue(title, category string, severity core.Severity) core.Issue {
	return core.Issue{
		ID:               "issue-" + title,
		Title:            title,
		Description:      "templates/login.html renders the button off-center",
		Severity:         severity,
		Category:         core.Category(category),
		Reporter:         "teen_nephew",
		StepsToReproduce: []string{"open login page", "observe button"},
	}
}

func newTestDeps(t *testing.T, repoDir string) (core.Clock, *safety.CostTracker, *safety.RateLimiter, *safety.ApprovalGate, *learning.Store, session.Store, *engine.ApprovalWaiter) {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := core.RealClock{}
	notifier := &worker.FakeNotifier{}
	costs := safety.NewCostTracker(db, 25.0, map[string]llm.ModelPrice{
		"claude-sonnet-4-5": {InputPer1K: 0.003, OutputPer1K: 0.015},
	}, notifier, nil)
	limiter := safety.NewRateLimiter(map[string]int{"llm_query": 1000, "commit": 1000, "pr_create": 1000, "deploy": 1000, "file_write": 1000})
	approval := safety.NewApprovalGate(nil, nil, core.DefaultConfig().SensitiveFilePatter)
	// analysis disabled (nil client): tests seed/assert lessons directly
	// rather than racing the background AnalyzeAndLearn goroutine.
	learningStore := learning.NewStore(db, nil)
	sessions := session.NewSQLStore(db)
	waiter := engine.NewApprovalWaiter()
	return clock, costs, limiter, approval, learningStore, sessions, waiter
}

func writeFile(t *testing.T, repoDir, rel, content string) {
	t.Helper()
	path := filepath.Join(repoDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// --- scenario 2: strategy retry with learning ---

func TestEngine_StrategyRetryWithLearning(t *testing.T) {
	repoDir := t.TempDir()
	writeFile(t, repoDir, "templates/login.html",
		`<div class="login-button-wrong">Log in</div><div class="login-button-wrong">Log in (mobile)</div>`)

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := core.RealClock{}
	notifier := &worker.FakeNotifier{}
	costs := safety.NewCostTracker(db, 25.0, map[string]llm.ModelPrice{
		"claude-sonnet-4-5": {InputPer1K: 0.003, OutputPer1K: 0.015},
	}, notifier, nil)
	limiter := safety.NewRateLimiter(map[string]int{"llm_query": 1000, "commit": 1000, "pr_create": 1000, "deploy": 1000, "file_write": 1000})
	approval := safety.NewApprovalGate(nil, nil, core.DefaultConfig().SensitiveFilePatter)
	sessions := session.NewSQLStore(db)
	waiter := engine.NewApprovalWaiter()

	// Seed a lesson the way an earlier failed session would have produced
	// it: record a "ux" failure and run AnalyzeAndLearn synchronously
	// (rather than racing the engine's own backgrounded call) against a
	// store scoped to a one-shot seeding LLM client.
	seedLLM := &llm.FakeClient{Responses: []llm.FakeResponse{
		{Response: &llm.Response{Content: `{"failure_type":"ambiguous_match","root_cause":"old_code matched twice","lesson":"old_code must be unique","prevention_rule":"include full function signature in old_code for uniqueness"}`, Model: "claude-sonnet-4-5"}},
	}}
	seedStore := learning.NewStore(db, seedLLM)
	_, err = seedStore.RecordFailure(context.Background(), "seed-session", core.StageImplement,
		"old code not found: ambiguous match", core.CategoryUX, "Login button misaligned", []string{"templates/login.html"}, nil, nil)
	require.NoError(t, err)
	seedStore.AnalyzeAndLearn(context.Background(), "seed-session")

	// The engine's own store shares the seeded lessons table but has no
	// LLM client, since this test doesn't need a second background
	// analysis pass to exercise the retry path.
	learningStore := learning.NewStore(db, nil)

	cfg := core.DefaultConfig()
	cfg.RepoPath = repoDir
	cfg.MaxFixRetries = 3

	fakeLLM := &llm.FakeClient{Responses: []llm.FakeResponse{
		{Response: &llm.Response{Content: `{"issue_type":"bug","can_auto_fix":true,"reason":"ui fix","suggested_action":"fix"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"root_cause":"misaligned css class","affected_files":["templates/login.html"],"complexity":"simple","risk_level":"low","approach":"fix css class"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"complexity":"simple","description":"fix button alignment","files_affected":["templates/login.html"],"requires_approval":false,"steps":[{"kind":"edit_file","file":"templates/login.html","old_code":"login-button-wrong","new_code":"login-button"}]}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"complexity":"simple","description":"fix button alignment, unique anchor","files_affected":["templates/login.html"],"requires_approval":false,"steps":[{"kind":"edit_file","file":"templates/login.html","old_code":"<div class=\"login-button-wrong\">Log in</div><div","new_code":"<div class=\"login-button\">Log in</div><div"}]}`, Model: "claude-sonnet-4-5"}},
	}}

	gw := worker.NewFakeGateway()
	gw.NextPRNumber = 7
	gw.ChecksByPR[7] = core.CheckStatus{Overall: core.OverallSuccess}

	eng := engine.New(cfg, engine.Deps{
		LLM:            fakeLLM,
		Editor:         worker.NewAnchoredEditor(),
		VCS:            gw,
		Verifier:       &worker.FakeVerifier{Result: core.Ok("ok", nil)},
		Deployer:       &worker.FakeDeployer{},
		Notifier:       &worker.FakeNotifier{},
		Costs:          costs,
		Limiter:        limiter,
		Approval:       approval,
		Learning:       learningStore,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
		Clock:          clock,
	})

	sess := &core.FixSession{
		ID:        "sess-retry",
		Issue:     testIssue("Login button misaligned", "ux", core.SeverityMedium),
		Status:    core.StatusQueued,
		StartedAt: clock.Now(),
	}
	require.NoError(t, sessions.Save(context.Background(), sess))

	err = eng.Run(context.Background(), sess)
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, sess.Status)
	require.Contains(t, sess.FilesModified, "templates/login.html")
	require.NotEmpty(t, sess.AppliedLessonIDs)
}

// --- scenario 3: CI lint repair ---

// flakyChecksGateway fails the first PollChecks call with a lint failure
// and succeeds on every subsequent call, the way ciRepairLoop expects a
// real GitHub check run to resolve after a push.
type flakyChecksGateway struct {
	*worker.FakeGateway
	mu    sync.Mutex
	polls int
}

func (g *flakyChecksGateway) PollChecks(ctx context.Context, prNumber int) (core.CheckStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if g.polls == 1 {
		return core.CheckStatus{
			Overall: core.OverallFailure,
			PerCheck: []core.Check{
				{Name: "lint", Conclusion: core.ConclusionFailure},
			},
		}, nil
	}
	return core.CheckStatus{Overall: core.OverallSuccess}, nil
}

func (g *flakyChecksGateway) FetchFailedLogs(ctx context.Context, prNumber int) (string, error) {
	return "would reformat templates/login.html\n", nil
}

func TestEngine_CILintRepair(t *testing.T) {
	repoDir := t.TempDir()
	writeFile(t, repoDir, "templates/login.html", `<div class="login-button-wrong">Log in</div>`)

	clock, costs, limiter, approval, learningStore, sessions, waiter := newTestDeps(t, repoDir)

	cfg := core.DefaultConfig()
	cfg.RepoPath = repoDir
	cfg.MaxFixRetries = 3

	fakeLLM := &llm.FakeClient{Responses: []llm.FakeResponse{
		{Response: &llm.Response{Content: `{"issue_type":"bug","can_auto_fix":true,"reason":"ui fix","suggested_action":"fix"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"root_cause":"misaligned css class","affected_files":["templates/login.html"],"complexity":"simple","risk_level":"low","approach":"fix css class"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"complexity":"simple","description":"fix button alignment","files_affected":["templates/login.html"],"requires_approval":false,"steps":[{"kind":"edit_file","file":"templates/login.html","old_code":"login-button-wrong","new_code":"login-button"}]}`, Model: "claude-sonnet-4-5"}},
	}}

	inner := worker.NewFakeGateway()
	inner.NextPRNumber = 9
	gw := &flakyChecksGateway{FakeGateway: inner}

	eng := engine.New(cfg, engine.Deps{
		LLM:            fakeLLM,
		Editor:         worker.NewAnchoredEditor(),
		VCS:            gw,
		Verifier:       &worker.FakeVerifier{Result: core.Ok("formatted", nil)},
		Deployer:       &worker.FakeDeployer{},
		Notifier:       &worker.FakeNotifier{},
		Costs:          costs,
		Limiter:        limiter,
		Approval:       approval,
		Learning:       learningStore,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
		Clock:          clock,
	})

	sess := &core.FixSession{
		ID:        "sess-ci-repair",
		Issue:     testIssue("Login button misaligned", "ux", core.SeverityMedium),
		Status:    core.StatusQueued,
		StartedAt: clock.Now(),
	}
	require.NoError(t, sessions.Save(context.Background(), sess))

	err := eng.Run(context.Background(), sess)
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, sess.Status)
	require.GreaterOrEqual(t, sess.CIAttempts, 2)
	require.NotEmpty(t, sess.CIFailures)
}

// --- scenario 4: approval denied ---

func TestEngine_ApprovalDenied(t *testing.T) {
	repoDir := t.TempDir()
	writeFile(t, repoDir, "auth/login.py", `def check_password(pw): return pw == "hardcoded"`)

	clock, costs, limiter, approval, learningStore, sessions, waiter := newTestDeps(t, repoDir)

	cfg := core.DefaultConfig()
	cfg.RepoPath = repoDir

	fakeLLM := &llm.FakeClient{Responses: []llm.FakeResponse{
		{Response: &llm.Response{Content: `{"issue_type":"bug","can_auto_fix":true,"reason":"security fix","suggested_action":"fix"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"root_cause":"hardcoded password check","affected_files":["auth/login.py"],"complexity":"moderate","risk_level":"high","approach":"remove hardcoded comparison"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"complexity":"moderate","description":"remove hardcoded password","files_affected":["auth/login.py"],"requires_approval":true,"steps":[{"kind":"edit_file","file":"auth/login.py","old_code":"hardcoded","new_code":"verified"}]}`, Model: "claude-sonnet-4-5"}},
	}}

	gw := worker.NewFakeGateway()

	eng := engine.New(cfg, engine.Deps{
		LLM:            fakeLLM,
		Editor:         worker.NewAnchoredEditor(),
		VCS:            gw,
		Verifier:       &worker.FakeVerifier{Result: core.Ok("ok", nil)},
		Deployer:       &worker.FakeDeployer{},
		Notifier:       &worker.FakeNotifier{},
		Costs:          costs,
		Limiter:        limiter,
		Approval:       approval,
		Learning:       learningStore,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
		Clock:          clock,
	})

	sess := &core.FixSession{
		ID:        "sess-denied",
		Issue:     testIssue("Hardcoded password check", "security", core.SeverityCritical),
		Status:    core.StatusQueued,
		StartedAt: clock.Now(),
	}
	require.NoError(t, sessions.Save(context.Background(), sess))

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), sess) }()

	require.Eventually(t, func() bool { return waiter.Pending(sess.ID) }, time.Second, 5*time.Millisecond)
	require.NoError(t, waiter.Resolve(sess.ID, engine.VerdictRejected))

	require.NoError(t, <-done)
	require.Equal(t, core.StatusBlocked, sess.Status)
	require.Empty(t, gw.Branches)
	require.True(t, sess.Strategy.RequiresApproval)
}

// --- scenario 5: validation regression ---

func TestEngine_ValidationRegression(t *testing.T) {
	repoDir := t.TempDir()
	writeFile(t, repoDir, "templates/login.html", `<div class="login-button-wrong">Log in</div>`)

	clock, costs, limiter, approval, learningStore, sessions, waiter := newTestDeps(t, repoDir)

	cfg := core.DefaultConfig()
	cfg.RepoPath = repoDir
	cfg.AutoDeployEnabled = false

	issue := testIssue("Login button misaligned", "ux", core.SeverityMedium)

	fakeLLM := &llm.FakeClient{Responses: []llm.FakeResponse{
		{Response: &llm.Response{Content: `{"issue_type":"bug","can_auto_fix":true,"reason":"ui fix","suggested_action":"fix"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"root_cause":"misaligned css class","affected_files":["templates/login.html"],"complexity":"simple","risk_level":"low","approach":"fix css class"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"complexity":"simple","description":"fix button alignment","files_affected":["templates/login.html"],"requires_approval":false,"steps":[{"kind":"edit_file","file":"templates/login.html","old_code":"login-button-wrong","new_code":"login-button"}]}`, Model: "claude-sonnet-4-5"}},
	}}

	gw := worker.NewFakeGateway()
	gw.NextPRNumber = 11
	gw.ChecksByPR[11] = core.CheckStatus{Overall: core.OverallSuccess}

	issueSource := &worker.FakeIssueSource{ByPersona: map[string][]core.Issue{
		"teen_nephew": {issue}, // the persona still reports the same issue post-fix
	}}

	eng := engine.New(cfg, engine.Deps{
		LLM:            fakeLLM,
		Editor:         worker.NewAnchoredEditor(),
		VCS:            gw,
		Verifier:       &worker.FakeVerifier{Result: core.Ok("ok", nil)},
		Deployer:       &worker.FakeDeployer{},
		Notifier:       &worker.FakeNotifier{},
		IssueSource:    issueSource,
		Costs:          costs,
		Limiter:        limiter,
		Approval:       approval,
		Learning:       learningStore,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
		Clock:          clock,
	})

	sess := &core.FixSession{
		ID:        "sess-regression",
		Issue:     issue,
		Status:    core.StatusQueued,
		StartedAt: clock.Now(),
	}
	require.NoError(t, sessions.Save(context.Background(), sess))

	err := eng.Run(context.Background(), sess)
	require.NoError(t, err)
	require.Equal(t, core.StatusRolledBack, sess.Status)
	require.Contains(t, gw.RolledBack, sess.BranchName)
}

// --- scenario 6: budget exhaustion ---

func TestEngine_BudgetExhaustion(t *testing.T) {
	repoDir := t.TempDir()
	writeFile(t, repoDir, "templates/login.html", `<div class="login-button-wrong">Log in</div>`)

	clock, _, limiter, approval, learningStore, sessions, waiter := newTestDeps(t, repoDir)

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	notifier := &worker.FakeNotifier{}
	// A daily limit of zero means can_proceed is false on the very first
	// check, mirroring scenario 6's "already at budget" third session.
	costs := safety.NewCostTracker(db, 0, map[string]llm.ModelPrice{
		"claude-sonnet-4-5": {InputPer1K: 0.003, OutputPer1K: 0.015},
	}, notifier, nil)

	cfg := core.DefaultConfig()
	cfg.RepoPath = repoDir

	fakeLLM := &llm.FakeClient{Responses: []llm.FakeResponse{
		{Response: &llm.Response{Content: `{"issue_type":"bug","can_auto_fix":true,"reason":"ui fix","suggested_action":"fix"}`, Model: "claude-sonnet-4-5"}},
	}}

	gw := worker.NewFakeGateway()

	eng := engine.New(cfg, engine.Deps{
		LLM:            fakeLLM,
		Editor:         worker.NewAnchoredEditor(),
		VCS:            gw,
		Verifier:       &worker.FakeVerifier{Result: core.Ok("ok", nil)},
		Deployer:       &worker.FakeDeployer{},
		Notifier:       notifier,
		Costs:          costs,
		Limiter:        limiter,
		Approval:       approval,
		Learning:       learningStore,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
		Clock:          clock,
	})

	sess := &core.FixSession{
		ID:        "sess-budget",
		Issue:     testIssue("Login button misaligned", "ux", core.SeverityMedium),
		Status:    core.StatusAnalyzing,
		StartedAt: clock.Now(),
	}
	require.NoError(t, sessions.Save(context.Background(), sess))

	err = eng.Run(context.Background(), sess)
	require.Error(t, err)
	require.True(t, core.IsSoftStall(err))
	require.Equal(t, core.StatusAnalyzing, sess.Status)
	require.Nil(t, sess.Strategy)
	require.Empty(t, gw.Branches)
}
