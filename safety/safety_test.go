package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/llm"
	"github.com/wardnb/autonomous-dev-team/storage"
)

var testPrices = map[string]llm.ModelPrice{
	"claude-sonnet-4-5": {InputPer1K: 1.0, OutputPer1K: 1.0}, // $1/1K tokens both ways, easy math
}

func TestCostTrackerCanProceedAndBudget(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ct := NewCostTracker(db, 1.00, testPrices, nil, nil)
	ctx := context.Background()

	ok, err := ct.CanProceed(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// 400 input + 400 output tokens @ $1/1K = $0.8 total -> at 80% threshold exactly.
	_, err = ct.RecordUsage(ctx, "claude-sonnet-4-5", 400, 400, "sess-1", "classify")
	require.NoError(t, err)

	today, err := ct.TodayCost(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, today, 0.001)

	ok, err = ct.CanProceed(ctx, 0.3)
	require.NoError(t, err)
	assert.False(t, ok, "spending another 0.3 would exceed the 1.00 daily limit")

	// Push spend to exactly 100%.
	_, err = ct.RecordUsage(ctx, "claude-sonnet-4-5", 100, 100, "sess-1", "analyze")
	require.NoError(t, err)

	ok, err = ct.CanProceed(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok, "can_proceed must be false once the daily limit is reached")

	remaining, err := ct.Remaining(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, remaining, 0.001)
}

type recordingNotifier struct{ warnings []string }

func (n *recordingNotifier) NotifyWarning(ctx context.Context, message string) error {
	n.warnings = append(n.warnings, message)
	return nil
}

func TestCostTrackerWarnsOnceAt80Percent(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	notifier := &recordingNotifier{}
	ct := NewCostTracker(db, 1.00, testPrices, notifier, nil)
	ctx := context.Background()

	_, err = ct.RecordUsage(ctx, "claude-sonnet-4-5", 400, 400, "sess-1", "classify")
	require.NoError(t, err)
	assert.Len(t, notifier.warnings, 1)

	// Further usage that stays above 80% must not re-warn.
	_, err = ct.RecordUsage(ctx, "claude-sonnet-4-5", 10, 10, "sess-1", "analyze")
	require.NoError(t, err)
	assert.Len(t, notifier.warnings, 1)
}

func TestRateLimiterFullBucketReportsWait(t *testing.T) {
	rl := NewRateLimiter(map[string]int{"deploy": 1})

	assert.True(t, rl.Check("deploy"))
	assert.True(t, rl.Record("deploy"))

	assert.False(t, rl.Check("deploy"), "bucket should be empty after consuming its only slot")
	assert.Greater(t, rl.WaitTime("deploy").Seconds(), 0.0)
}

func TestRateLimiterUnknownOperationGetsDefault(t *testing.T) {
	rl := NewRateLimiter(nil)
	assert.True(t, rl.Check("llm_query"))
}

func TestApprovalGateSensitiveCategoryForcesApproval(t *testing.T) {
	gate := NewApprovalGate(nil, nil, nil)
	sess := &core.FixSession{Issue: core.Issue{Category: core.CategorySecurity, Severity: core.SeverityLow}}
	strategy := &core.FixStrategy{Complexity: core.ComplexitySimple}

	d := gate.Evaluate(sess, strategy)
	assert.True(t, d.NeedsApproval)
	assert.Contains(t, d.Reason, "security")
}

func TestApprovalGateSensitiveFilePattern(t *testing.T) {
	gate := NewApprovalGate(nil, nil, []string{"**/migrations/**", "**/*secret*"})
	sess := &core.FixSession{Issue: core.Issue{Category: core.CategoryUX, Severity: core.SeverityLow}}
	strategy := &core.FixStrategy{
		Complexity:    core.ComplexitySimple,
		FilesAffected: []string{"db/migrations/0001_init.sql"},
	}

	d := gate.Evaluate(sess, strategy)
	assert.True(t, d.NeedsApproval)
}

func TestApprovalGateNoSensitiveConditions(t *testing.T) {
	gate := NewApprovalGate(nil, nil, nil)
	sess := &core.FixSession{Issue: core.Issue{Category: core.CategoryUX, Severity: core.SeverityMedium}}
	strategy := &core.FixStrategy{Complexity: core.ComplexitySimple, FilesAffected: []string{"templates/login.html"}}

	d := gate.Evaluate(sess, strategy)
	assert.False(t, d.NeedsApproval)
}
