package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/dispatcher"
	"github.com/wardnb/autonomous-dev-team/engine"
	"github.com/wardnb/autonomous-dev-team/internal/api"
	"github.com/wardnb/autonomous-dev-team/learning"
	"github.com/wardnb/autonomous-dev-team/llm"
	"github.com/wardnb/autonomous-dev-team/safety"
	"github.com/wardnb/autonomous-dev-team/session"
	"github.com/wardnb/autonomous-dev-team/storage"
	"github.com/wardnb/autonomous-dev-team/worker"
)

// buildServer wires a Dispatcher against an in-memory db and fake
// collaborators (never Started, since every handler under test either
// reads store state directly or calls a non-blocking enqueue) and wraps
// it in a Server, the way cmd/serve.go does for the real binary.
func buildServer(t *testing.T) (*api.Server, session.Store, *worker.FakeGateway) {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := core.DefaultConfig()
	cfg.RepoPath = t.TempDir()

	fakeLLM := &llm.FakeClient{}
	gw := worker.NewFakeGateway()
	gw.NextPRNumber = 7
	gw.ChecksByPR[7] = core.CheckStatus{Overall: core.OverallSuccess}

	notifier := &worker.FakeNotifier{}
	costs := safety.NewCostTracker(db, cfg.DailyCostLimit, cfg.LLMPriceTable, notifier, nil)
	limiter := safety.NewRateLimiter(map[string]int{"llm_query": 1000, "commit": 1000, "pr_create": 1000, "deploy": 1000, "file_write": 1000})
	approval := safety.NewApprovalGate(nil, nil, cfg.SensitiveFilePatter)
	learningStore := learning.NewStore(db, fakeLLM)
	sessions := session.NewSQLStore(db)
	waiter := engine.NewApprovalWaiter()

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
	})

	d := dispatcher.New(cfg, dispatcher.Deps{
		Engine:         eng,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
	})

	return &api.Server{Dispatcher: d, Costs: costs, VCS: gw}, sessions, gw
}

func TestAPI_SubmitListGetCancel(t *testing.T) {
	srv, _, _ := buildServer(t)
	router := srv.NewRouter()

	submitBody := map[string]string{
		"title":       "Login button misaligned on mobile",
		"description": "templates/login.html renders the button off-center",
		"severity":    "medium",
		"category":    "ux",
		"reporter":    "teen_nephew",
	}
	buf, err := json.Marshal(submitBody)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	// list
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []*core.FixSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	// get
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got core.FixSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, core.StatusQueued, got.Status)

	// cancel
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
	var afterCancel core.FixSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &afterCancel))
	require.Equal(t, core.StatusBlocked, afterCancel.Status)

	// retry: blocked is retryable
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/retry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_GetSessionNotFound(t *testing.T) {
	srv, _, _ := buildServer(t)
	router := srv.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_SubmitRejectsInvalidIssue(t *testing.T) {
	srv, _, _ := buildServer(t)
	router := srv.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader([]byte(`{"title": 42}`))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_PauseResumeStatus(t *testing.T) {
	srv, _, _ := buildServer(t)
	router := srv.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/dispatcher/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/dispatcher/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, true, status["paused"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/dispatcher/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Cost(t *testing.T) {
	srv, _, _ := buildServer(t)
	router := srv.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cost", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Contains(t, out, "today_cost")
	require.Contains(t, out, "remaining_budget")
}

func TestAPI_PRStatus(t *testing.T) {
	srv, _, _ := buildServer(t)
	router := srv.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pr/7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status core.CheckStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, core.OverallSuccess, status.Overall)
}

func TestAPI_Healthz(t *testing.T) {
	srv, _, _ := buildServer(t)
	router := srv.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
