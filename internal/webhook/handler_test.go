package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/codementor-bot/codementor/internal/dedup"
	gh "github.com/codementor-bot/codementor/internal/github"
	"github.com/codementor-bot/codementor/internal/metrics"
	"github.com/codementor-bot/codementor/internal/pipeline"
)

var secret = []byte("s3cret")

type fakeRunner struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (f *fakeRunner) Run(_ context.Context, ev pipeline.Event) (pipeline.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return pipeline.Summary{}, nil
}

type fakePullRequests struct {
	mu       sync.Mutex
	filesErr error
	comments []string
}

func (f *fakePullRequests) UpsertComment(_ context.Context, _ gh.PullRequestRef, _ int64, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return 1, nil
}

func (f *fakePullRequests) ChangedFiles(context.Context, gh.PullRequestRef) ([]string, error) {
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return []string{"src/A.java", "README.md"}, nil
}

func pullRequestPayload(action, repo string) []byte {
	return []byte(fmt.Sprintf(`{
  "action": %q,
  "number": 7,
  "pull_request": {
    "number": 7,
    "head": {"ref": "feature"},
    "base": {"ref": "main"}
  },
  "repository": {"name": %q, "owner": {"login": "octo"}}
}`, action, repo))
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type fixture struct {
	handler *Handler
	runner  *fakeRunner
	prs     *fakePullRequests
	router  http.Handler
	reg     *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := dedup.Open(filepath.Join(t.TempDir(), "dedup.csv"), 0)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	runner := &fakeRunner{}
	prs := &fakePullRequests{}
	h := NewHandler(context.Background(), Options{
		Secret:       secret,
		Monitored:    []string{"octo/demo"},
		Dedup:        store,
		PullRequests: prs,
		Runner:       runner,
		Recorder:     metrics.New(reg),
	})
	return &fixture{handler: h, runner: runner, prs: prs, router: NewRouter(h, reg), reg: reg}
}

func (f *fixture) deliver(t *testing.T, event string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, Path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AcceptsAndDispatches(t *testing.T) {
	f := newFixture(t)
	body := pullRequestPayload("opened", "demo")

	rec := f.deliver(t, "pull_request", body, sign(body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.handler.Wait()

	require.Equal(t, []pipeline.Event{{
		Owner:        "octo",
		Repo:         "demo",
		SourceBranch: "feature",
		TargetBranch: "main",
		PRNumber:     7,
		ChangedFiles: []string{"src/A.java", "README.md"},
	}}, f.runner.events)
}

func TestWebhook_ChangedFilesFailurePostsComment(t *testing.T) {
	f := newFixture(t)
	f.prs.filesErr = errors.New("api unavailable")
	body := pullRequestPayload("opened", "demo")

	require.Equal(t, http.StatusAccepted, f.deliver(t, "pull_request", body, sign(body)).Code)
	f.handler.Wait()

	require.Empty(t, f.runner.events)
	require.Len(t, f.prs.comments, 1)
	require.Contains(t, f.prs.comments[0], "api unavailable")
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := pullRequestPayload("opened", "demo")

	rec := f.deliver(t, "pull_request", body, sign([]byte("other")))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	f.handler.Wait()
	require.Empty(t, f.runner.events)
}

func TestWebhook_DuplicateIsRejected(t *testing.T) {
	f := newFixture(t)
	body := pullRequestPayload("synchronize", "demo")

	require.Equal(t, http.StatusAccepted, f.deliver(t, "pull_request", body, sign(body)).Code)
	require.Equal(t, http.StatusConflict, f.deliver(t, "pull_request", body, sign(body)).Code)
	f.handler.Wait()
	require.Len(t, f.runner.events, 1)
}

func TestWebhook_IgnoredEvents(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  []byte
	}{
		{"closed", "pull_request", pullRequestPayload("closed", "demo")},
		{"unmonitored", "pull_request", pullRequestPayload("opened", "elsewhere")},
		{"other event", "push", []byte(`{"ref":"refs/heads/main"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.deliver(t, tt.event, tt.body, sign(tt.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			f.handler.Wait()
			require.Empty(t, f.runner.events)
		})
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	body := pullRequestPayload("opened", "demo")
	f.deliver(t, "pull_request", body, sign(body))
	f.handler.Wait()

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `codementor_webhook_requests_total{code="202"} 1`)
}
