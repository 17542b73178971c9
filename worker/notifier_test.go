package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardnb/autonomous-dev-team/core"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var gotKind string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotKind = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL)
	require.NoError(t, notifier.NotifyWarning(context.Background(), "80% of budget used"))
	assert.Equal(t, "/", gotKind)
}

func TestWebhookNotifierNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL)
	err := notifier.NotifyApprovalRequest(context.Background(), "sess-1", core.FixStrategy{Description: "x"})
	assert.Error(t, err)
}

func TestFakeNotifierRecordsCalls(t *testing.T) {
	n := &FakeNotifier{}
	ctx := context.Background()

	require.NoError(t, n.NotifyWarning(ctx, "warn"))
	require.NoError(t, n.NotifyApprovalRequest(ctx, "sess-1", core.FixStrategy{}))
	require.NoError(t, n.NotifySummary(ctx, "sess-1", core.StatusCompleted, "done"))

	assert.Equal(t, []string{"warn"}, n.Warnings)
	assert.Equal(t, []string{"sess-1"}, n.Approvals)
	assert.Len(t, n.Summaries, 1)
}
