package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/cifixer/internal/config"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/store"
)

const testSecret = "webhook-secret"

func newTestServer(t *testing.T, signatureRequired bool) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Webhook.SignatureRequired = signatureRequired
	cfg.Webhook.SignatureSecret = testSecret
	return New(st, cfg, nil, nil, nil), st
}

func validBody() map[string]any {
	return map[string]any{
		"job":          "svc-api",
		"build_number": 42,
		"branch":       "main",
		"repo_url":     "https://git.example.com/x/svc.git",
		"commit_sha":   "abc1234",
		"build_logs":   "[ERROR] boom",
	}
}

func postWebhook(t *testing.T, s *Server, body map[string]any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook/ci", bytes.NewReader(data))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAcceptsValidBuild(t *testing.T) {
	s, st := newTestServer(t, false)
	rec := postWebhook(t, s, validBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp["build_id"])

	build, err := st.GetBuild(1)
	require.NoError(t, err)
	assert.Equal(t, "svc-api", build.Job)
	assert.Equal(t, pipeline.BuildProcessing, build.Status)

	tasks, err := st.TasksForBuild(1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, pipeline.KindPlan, tasks[0].Kind)
	assert.Equal(t, "[ERROR] boom", tasks[0].Payload.String(pipeline.KeyBuildLogs))
}

func TestWebhookDuplicateGets409(t *testing.T) {
	s, st := newTestServer(t, false)
	require.Equal(t, http.StatusOK, postWebhook(t, s, validBody(), nil).Code)
	require.Equal(t, http.StatusConflict, postWebhook(t, s, validBody(), nil).Code)

	builds, err := st.ListBuilds(1, 50, "")
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestWebhookValidation(t *testing.T) {
	s, _ := newTestServer(t, false)
	cases := []struct {
		name  string
		mut   func(map[string]any)
	}{
		{"bad job chars", func(b map[string]any) { b["job"] = "svc api!" }},
		{"job too long", func(b map[string]any) { b["job"] = strings.Repeat("a", 101) }},
		{"zero build number", func(b map[string]any) { b["build_number"] = 0 }},
		{"branch traversal", func(b map[string]any) { b["branch"] = "main/../evil" }},
		{"branch leading slash", func(b map[string]any) { b["branch"] = "/main" }},
		{"sha too short", func(b map[string]any) { b["commit_sha"] = "abc123" }},
		{"sha too long", func(b map[string]any) { b["commit_sha"] = strings.Repeat("a", 41) }},
		{"sha not hex", func(b map[string]any) { b["commit_sha"] = "zzzzzzzz" }},
		{"bad scheme", func(b map[string]any) { b["repo_url"] = "file:///etc/passwd" }},
		{"loopback host", func(b map[string]any) { b["repo_url"] = "https://127.0.0.1/x/y.git" }},
		{"metadata host", func(b map[string]any) { b["repo_url"] = "https://169.254.169.254/x.git" }},
		{"rfc1918 host", func(b map[string]any) { b["repo_url"] = "https://10.0.0.5/x.git" }},
		{"localhost", func(b map[string]any) { b["repo_url"] = "https://localhost/x.git" }},
	}
	for _, tc := range cases {
		body := validBody()
		tc.mut(body)
		rec := postWebhook(t, s, body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
	}
}

func TestWebhookOversizedLogsRejected(t *testing.T) {
	s, _ := newTestServer(t, false)
	body := validBody()
	body["build_logs"] = strings.Repeat("x", 1<<20+1)
	assert.Equal(t, http.StatusBadRequest, postWebhook(t, s, body, nil).Code)
}

func TestWebhookSignature(t *testing.T) {
	s, st := newTestServer(t, true)

	// Missing signature while required.
	rec := postWebhook(t, s, validBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong signature.
	rec = postWebhook(t, s, validBody(), map[string]string{
		"X-CI-Signature": "sha256=deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	builds, err := st.ListBuilds(1, 50, "")
	require.NoError(t, err)
	assert.Empty(t, builds)

	// Correct signature.
	data, err := json.Marshal(validBody())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook/ci", bytes.NewReader(data))
	req.Header.Set("X-CI-Signature", sign(data))
	out := httptest.NewRecorder()
	s.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code, out.Body.String())
}

func TestWebhookTimestampSkewRejected(t *testing.T) {
	s, _ := newTestServer(t, true)
	data, err := json.Marshal(validBody())
	require.NoError(t, err)

	stale := time.Now().Add(-10 * time.Minute).Unix()
	req := httptest.NewRequest(http.MethodPost, "/webhook/ci", bytes.NewReader(data))
	req.Header.Set("X-CI-Signature", sign(data))
	req.Header.Set("X-CI-Timestamp", strconv.FormatInt(stale, 10))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func adminGet(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestAdminStatusAndQueueStats(t *testing.T) {
	s, _ := newTestServer(t, false)
	require.Equal(t, http.StatusOK, postWebhook(t, s, validBody(), nil).Code)

	rec, body := adminGet(t, s, "/admin/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "tasks_by_status")
	assert.Contains(t, body, "builds_by_state")
	assert.Contains(t, body, "memory")

	rec, body = adminGet(t, s, "/admin/queue/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	byStatus := body["by_status"].(map[string]any)
	assert.Equal(t, float64(1), byStatus["pending"])
}

func TestAdminTaskAndBuildLookups(t *testing.T) {
	s, _ := newTestServer(t, false)
	require.Equal(t, http.StatusOK, postWebhook(t, s, validBody(), nil).Code)

	rec, _ := adminGet(t, s, "/admin/tasks/1")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = adminGet(t, s, "/admin/tasks/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = adminGet(t, s, "/admin/builds/1")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body := adminGet(t, s, "/admin/builds/1/tasks")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tasks"], 1)

	// The first page holds the newest rows; one ingested build means one task
	// and one build listed.
	rec, body = adminGet(t, s, "/admin/tasks")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["tasks"], 1)
	first := body["tasks"].([]any)[0].(map[string]any)
	assert.Equal(t, string(pipeline.KindPlan), first["kind"])

	rec, body = adminGet(t, s, "/admin/tasks?page=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tasks"], 1)

	rec, body = adminGet(t, s, "/admin/builds?status=processing")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["builds"], 1)

	rec, body = adminGet(t, s, "/admin/tasks?page=2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["tasks"])
}

func TestAdminRetryTaskOnlyFromFailed(t *testing.T) {
	s, st := newTestServer(t, false)
	require.Equal(t, http.StatusOK, postWebhook(t, s, validBody(), nil).Code)

	// Pending task cannot be admin-retried.
	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/1/retry", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	task, err := st.LeaseNext(pipeline.KindPlan, time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(task.ID, task.LeaseGeneration, pipeline.TaskFailed, "boom"))

	req = httptest.NewRequest(http.MethodPost, "/admin/tasks/1/retry", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	found, err := st.Find(task.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskPending, found.Status)
	assert.Zero(t, found.Attempt)
}

func TestAdminRetryBuildRequeuesFailedTasks(t *testing.T) {
	s, st := newTestServer(t, false)
	require.Equal(t, http.StatusOK, postWebhook(t, s, validBody(), nil).Code)

	task, err := st.LeaseNext(pipeline.KindPlan, time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(task.ID, task.LeaseGeneration, pipeline.TaskFailed, "boom"))
	_, err = st.UpdateBuildStatus(1, pipeline.BuildFailed)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/builds/1/retry", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["requeued_tasks"])
}

func TestHealthEndpoints(t *testing.T) {
	s, st := newTestServer(t, false)

	rec, body := adminGet(t, s, "/admin/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", body["status"])

	// Deep backlog degrades health.
	for i := 0; i < 120; i++ {
		b, err := st.CreateBuild(&pipeline.Build{
			Job: "j", BuildNumber: i + 1, Branch: "main", RepoURL: "https://x/y.git",
		})
		require.NoError(t, err)
		_, err = st.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
		require.NoError(t, err)
	}
	rec, body = adminGet(t, s, "/admin/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	raw := httptest.NewRecorder()
	s.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusOK, raw.Code)
	assert.Equal(t, "ok", raw.Body.String())
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	s, _ := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodPost, "/webhook/ci", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateRepoURLTable(t *testing.T) {
	ok := []string{
		"https://git.example.com/x/y.git",
		"ssh://git@git.example.com/x/y.git",
		"git://git.example.com/x/y.git",
	}
	for _, u := range ok {
		assert.Empty(t, validateRepoURL(u), u)
	}
	bad := []string{
		"",
		"https://" + strings.Repeat("a", 500) + ".com/x.git",
		"ftp://git.example.com/x.git",
		"https://192.168.1.10/x.git",
		"https://[::1]/x.git",
		fmt.Sprintf("https://%s/x.git", "0.0.0.0"),
	}
	for _, u := range bad {
		assert.NotEmpty(t, validateRepoURL(u), u)
	}
}
