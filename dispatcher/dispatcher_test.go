package dispatcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/dispatcher"
	"github.com/wardnb/autonomous-dev-team/engine"
	"github.com/wardnb/autonomous-dev-team/learning"
	"github.com/wardnb/autonomous-dev-team/llm"
	"github.com/wardnb/autonomous-dev-team/safety"
	"github.com/wardnb/autonomous-dev-team/session"
	"github.com/wardnb/autonomous-dev-team/storage"
	"github.com/wardnb/autonomous-dev-team/worker"
)

// buildDispatcher wires the full stack (real sqlite, real anchored editor
// against a temp working copy, fake VCS/LLM/notifier) the way scenario 1
// of spec.md §8 describes, and returns a Dispatcher ready to Start.
func buildDispatcher(t *testing.T) (*dispatcher.Dispatcher, *worker.FakeGateway, *llm.FakeClient, session.Store) {
	t.Helper()

	repoDir := t.TempDir()
	templateFile := filepath.Join(repoDir, "templates", "login.html")
	require.NoError(t, os.MkdirAll(filepath.Dir(templateFile), 0o755))
	require.NoError(t, os.WriteFile(templateFile, []byte(`<div class="login-button-wrong">Log in</div>`), 0o644))

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := core.DefaultConfig()
	cfg.RepoPath = repoDir
	cfg.MaxConcurrentFixes = 2
	cfg.MaxFixRetries = 3

	fakeLLM := &llm.FakeClient{Responses: []llm.FakeResponse{
		{Response: &llm.Response{Content: `{"issue_type":"bug","can_auto_fix":true,"reason":"ui fix","suggested_action":"fix"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"root_cause":"misaligned css class","affected_files":["templates/login.html"],"complexity":"simple","risk_level":"low","approach":"fix css class"}`, Model: "claude-sonnet-4-5"}},
		{Response: &llm.Response{Content: `{"complexity":"simple","description":"fix button alignment","files_affected":["templates/login.html"],"requires_approval":false,"steps":[{"kind":"edit_file","file":"templates/login.html","old_code":"login-button-wrong","new_code":"login-button","description":"fix class name"}]}`, Model: "claude-sonnet-4-5"}},
	}}

	gw := worker.NewFakeGateway()
	gw.NextPRNumber = 42
	gw.ChecksByPR[42] = core.CheckStatus{Overall: core.OverallSuccess}

	notifier := &worker.FakeNotifier{}
	costs := safety.NewCostTracker(db, cfg.DailyCostLimit, cfg.LLMPriceTable, notifier, nil)
	limiter := safety.NewRateLimiter(map[string]int{"llm_query": 1000, "commit": 1000, "pr_create": 1000, "deploy": 1000, "file_write": 1000})
	approval := safety.NewApprovalGate(nil, nil, cfg.SensitiveFilePatter)
	learningStore := learning.NewStore(db, fakeLLM)
	sessions := session.NewSQLStore(db)
	issueSource := &worker.FakeIssueSource{ByPersona: map[string][]core.Issue{}}
	waiter := engine.NewApprovalWaiter()

	eng := engine.New(cfg, engine.Deps{
		LLM:            fakeLLM,
		Editor:         worker.NewAnchoredEditor(),
		VCS:            gw,
		Verifier:       &worker.FakeVerifier{Result: core.Ok("ok", nil)},
		Deployer:       &worker.FakeDeployer{},
		Notifier:       notifier,
		IssueSource:    issueSource,
		Costs:          costs,
		Limiter:        limiter,
		Approval:       approval,
		Learning:       learningStore,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
	})

	d := dispatcher.New(cfg, dispatcher.Deps{
		Engine:         eng,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
	})
	return d, gw, fakeLLM, sessions
}

func TestDispatcher_HappyPath(t *testing.T) {
	d, gw, _, _ := buildDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	id, err := d.Submit(ctx, core.IssueInput{
		Title:       "Login button misaligned on mobile",
		Description: "templates/login.html renders the button off-center",
		Severity:    "medium",
		Category:    "ux",
		Reporter:    "teen_nephew",
		Steps:       "1. open login page\n2. observe button",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		sess, err := d.GetSession(ctx, id)
		return err == nil && sess.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	sess, err := d.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, sess.Status)
	require.NotEmpty(t, sess.PRURL)
	require.Contains(t, sess.FilesModified, "templates/login.html")
	require.Len(t, gw.Branches, 1)
}

func TestDispatcher_PauseBlocksNewSessions(t *testing.T) {
	d, _, _, _ := buildDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.Pause()
	id, err := d.Submit(ctx, core.IssueInput{Title: "x", Category: "ux", Severity: "low"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	sess, err := d.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.StatusQueued, sess.Status)

	d.Resume()
	require.Eventually(t, func() bool {
		sess, err := d.GetSession(ctx, id)
		return err == nil && sess.Status != core.StatusQueued
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_RetryOnlyFromTerminalStates(t *testing.T) {
	d, _, _, sessions := buildDispatcher(t)
	ctx := context.Background()

	sess := &core.FixSession{ID: "sess-1", Issue: core.Issue{ID: "i1", Title: "t", Category: core.CategoryBug, Severity: core.SeverityLow}, Status: core.StatusAnalyzing, StartedAt: time.Now()}
	require.NoError(t, sessions.Save(ctx, sess))

	err := d.Retry(ctx, "sess-1")
	require.Error(t, err)

	sess.Status = core.StatusFailed
	require.NoError(t, sessions.Save(ctx, sess))
	require.NoError(t, d.Retry(ctx, "sess-1"))

	got, err := d.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, core.StatusQueued, got.Status)
}

func TestDispatcher_CancelQueuedSession(t *testing.T) {
	d, _, _, sessions := buildDispatcher(t)
	ctx := context.Background()

	sess := &core.FixSession{ID: "sess-2", Issue: core.Issue{ID: "i2", Title: "t", Category: core.CategoryBug, Severity: core.SeverityLow}, Status: core.StatusQueued, StartedAt: time.Now()}
	require.NoError(t, sessions.Save(ctx, sess))

	require.NoError(t, d.Cancel(ctx, "sess-2"))

	got, err := d.GetSession(ctx, "sess-2")
	require.NoError(t, err)
	require.Equal(t, core.StatusBlocked, got.Status)
	require.NotNil(t, got.CompletedAt)
}
