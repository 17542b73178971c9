package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardnb/autonomous-dev-team/core"
)

func TestPRNumberFromURL(t *testing.T) {
	n, err := PRNumberFromURL("https://github.com/example/repo/pull/42")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestPRNumberFromURLNoMatch(t *testing.T) {
	_, err := PRNumberFromURL("https://github.com/example/repo")
	assert.Error(t, err)
}

func TestFakeGatewayRoundTrip(t *testing.T) {
	gw := NewFakeGateway()
	ctx := context.Background()

	res := gw.CreateBranch(ctx, "fix/login-123")
	require.True(t, res.Success)

	res = gw.Commit(ctx, "fix login redirect", []string{"auth/handlers.go"})
	require.True(t, res.Success)

	res = gw.Push(ctx, "fix/login-123")
	require.True(t, res.Success)

	gw.NextPRNumber = 7
	res = gw.OpenPR(ctx, "fix/login-123", core.FixStrategy{}, core.Issue{Title: "login redirect"})
	require.True(t, res.Success)

	gw.ChecksByPR[7] = core.CheckStatus{Overall: core.OverallFailure, PerCheck: []core.Check{
		{Name: "lint", Status: core.CheckStatusCompleted, Conclusion: core.ConclusionFailure},
	}}
	status, err := gw.PollChecks(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, core.OverallFailure, status.Overall)

	gw.LogsByPR[7] = "src/x.py:1:1: E501 line too long"
	logs, err := gw.FetchFailedLogs(ctx, 7)
	require.NoError(t, err)
	assert.Contains(t, logs, "E501")

	res = gw.Rollback(ctx, "fix/login-123")
	require.True(t, res.Success)
	assert.Equal(t, []string{"fix/login-123"}, gw.RolledBack)
}

func TestFakeGatewayOpenPRError(t *testing.T) {
	gw := NewFakeGateway()
	gw.OpenPRErr = assertError("rejected")
	res := gw.OpenPR(context.Background(), "branch", core.FixStrategy{}, core.Issue{})
	assert.False(t, res.Success)
}

type assertError string

func (e assertError) Error() string { return string(e) }
