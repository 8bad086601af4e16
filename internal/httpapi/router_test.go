package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nathantilsley/preview-dispatch/internal/preview/app"
	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

const (
	testSecret        = "webhook-secret"
	testDeployerToken = "deployer-token"
)

const issueCommentPayload = `{
  "action": "created",
  "issue": {"number": 42, "pull_request": {"url": "https://api.github.com/repos/octo-org/web/pulls/42"}},
  "comment": {"id": 9001, "body": "/preview"},
  "repository": {"id": 555, "name": "web", "owner": {"login": "octo-org"}},
  "installation": {"id": 777}
}`

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []domain.WebhookEvent
	targetID string
	ctxErr   error
	outcome  app.Outcome
}

func (f *fakeDispatcher) HandleIssueComment(ctx context.Context, ev domain.WebhookEvent, headerTargetID string) app.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev)
	f.targetID = headerTargetID
	f.ctxErr = ctx.Err()
	return f.outcome
}

type downStore struct {
	*claimstore.Store
}

func (downStore) Ping(context.Context) error { return io.ErrUnexpectedEOF }

type harness struct {
	router     *gin.Engine
	dispatcher *fakeDispatcher
	store      *claimstore.Store
}

func newHarness(t *testing.T, deployerToken string) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := claimstore.New(claimstore.NewMemoryBackend(), "test")
	disp := &fakeDispatcher{outcome: app.Outcome{
		Kind:           app.OutcomeQueued,
		Repo:           "octo-org/web",
		PRNumber:       42,
		IdempotencyKey: "octo-org/web#42:abc123",
	}}
	router := NewRouter(Options{
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dispatcher:     disp,
		Store:          store,
		Credentials:    Credentials{AppID: true, WebhookSecret: true},
		WebhookSecret:  testSecret,
		DeployerToken:  deployerToken,
		HandlerTimeout: 5 * time.Second,
		MaxBodyBytes:   1 << 16,
	})
	return &harness{router: router, dispatcher: disp, store: store}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func webhookRequest(event, body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, event)
	req.Header.Set(headerDelivery, "delivery-1")
	if signature != "" {
		req.Header.Set(headerSignature, signature)
	}
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRootAndHealth(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "healthy" {
		t.Fatalf("GET / = %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	body := decode(t, rec)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}
	if body["github_app_id"] != true || body["private_key_configured"] != false || body["webhook_secret_configured"] != true {
		t.Errorf("credential flags = %v", body)
	}
	if body["store"] != "up" {
		t.Errorf("store = %v, want up", body["store"])
	}
}

func TestHealthReportsStoreDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(Options{
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dispatcher: &fakeDispatcher{},
		Store:      downStore{claimstore.New(claimstore.NewMemoryBackend(), "test")},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode(t, rec)["store"]; got != "down" {
		t.Errorf("store = %v, want down", got)
	}
}

func TestWebhookStatusCodes(t *testing.T) {
	valid := domain.SignPayload([]byte(issueCommentPayload), testSecret)

	tests := []struct {
		name        string
		event       string
		body        string
		signature   string
		wantCode    int
		wantMessage string
		wantCalls   int
	}{
		{
			name:      "missing signature",
			event:     "issue_comment",
			body:      issueCommentPayload,
			wantCode:  http.StatusUnauthorized,
			wantCalls: 0,
		},
		{
			name:      "wrong secret",
			event:     "issue_comment",
			body:      issueCommentPayload,
			signature: domain.SignPayload([]byte(issueCommentPayload), "other"),
			wantCode:  http.StatusUnauthorized,
		},
		{
			name:      "tampered body",
			event:     "issue_comment",
			body:      strings.Replace(issueCommentPayload, "/preview", "/previewx", 1),
			signature: valid,
			wantCode:  http.StatusUnauthorized,
		},
		{
			name:      "invalid json",
			event:     "issue_comment",
			body:      "{not json",
			signature: domain.SignPayload([]byte("{not json"), testSecret),
			wantCode:  http.StatusBadRequest,
		},
		{
			name:        "json array",
			event:       "issue_comment",
			body:        `[]`,
			signature:   domain.SignPayload([]byte(`[]`), testSecret),
			wantCode:    http.StatusOK,
			wantMessage: string(app.OutcomeMissingInfo),
		},
		{
			name:        "mistyped field",
			event:       "issue_comment",
			body:        `{"action":"created","issue":{"number":"42"}}`,
			signature:   domain.SignPayload([]byte(`{"action":"created","issue":{"number":"42"}}`), testSecret),
			wantCode:    http.StatusOK,
			wantMessage: string(app.OutcomeMissingInfo),
		},
		{
			name:        "other event ignored",
			event:       "push",
			body:        `{"ref":"refs/heads/main"}`,
			signature:   domain.SignPayload([]byte(`{"ref":"refs/heads/main"}`), testSecret),
			wantCode:    http.StatusOK,
			wantMessage: string(app.OutcomeIgnoredEvent),
		},
		{
			name:        "issue comment dispatched",
			event:       "issue_comment",
			body:        issueCommentPayload,
			signature:   valid,
			wantCode:    http.StatusOK,
			wantMessage: string(app.OutcomeQueued),
			wantCalls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "")
			rec := h.do(webhookRequest(tt.event, tt.body, tt.signature))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantMessage != "" {
				if got := decode(t, rec)["message"]; got != tt.wantMessage {
					t.Errorf("message = %v, want %s", got, tt.wantMessage)
				}
			}
			if len(h.dispatcher.calls) != tt.wantCalls {
				t.Errorf("dispatcher calls = %d, want %d", len(h.dispatcher.calls), tt.wantCalls)
			}
		})
	}
}

func TestWebhookPassesDecodedEvent(t *testing.T) {
	h := newHarness(t, "")
	req := webhookRequest("issue_comment", issueCommentPayload, domain.SignPayload([]byte(issueCommentPayload), testSecret))
	req.Header.Set(headerInstallationID, "777")

	rec := h.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := decode(t, rec)
	if body["idempotency_key"] != "octo-org/web#42:abc123" || body["repo"] != "octo-org/web" {
		t.Errorf("response = %v", body)
	}

	ev := h.dispatcher.calls[0]
	want := domain.WebhookEvent{
		Action:         "created",
		IssueNumber:    42,
		IsPullRequest:  true,
		CommentID:      9001,
		CommentBody:    "/preview",
		RepositoryID:   555,
		RepoOwner:      "octo-org",
		RepoName:       "web",
		InstallationID: 777,
	}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}
	if h.dispatcher.targetID != "777" {
		t.Errorf("target id = %q", h.dispatcher.targetID)
	}
	if h.dispatcher.ctxErr != nil {
		t.Errorf("dispatch context already done: %v", h.dispatcher.ctxErr)
	}
}

func TestWebhookRejectsWhenSecretUnset(t *testing.T) {
	gin.SetMode(gin.TestMode)
	disp := &fakeDispatcher{}
	router := NewRouter(Options{
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dispatcher: disp,
		Store:      claimstore.New(claimstore.NewMemoryBackend(), "test"),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, webhookRequest("issue_comment", issueCommentPayload, domain.SignPayload([]byte(issueCommentPayload), "")))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(disp.calls) != 0 {
		t.Error("dispatcher should not be called")
	}
}

func TestWebhookBodyTooLarge(t *testing.T) {
	h := newHarness(t, "")
	big := `{"pad":"` + strings.Repeat("x", 1<<17) + `"}`
	rec := h.do(webhookRequest("issue_comment", big, domain.SignPayload([]byte(big), testSecret)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func deployerRequest(method, target, token string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(headerDeployerToken, token)
	}
	return req
}

func TestDeployerAuth(t *testing.T) {
	unconfigured := newHarness(t, "")
	rec := unconfigured.do(deployerRequest(http.MethodGet, "/deployments?key=x", "anything", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d, want 503", rec.Code)
	}

	h := newHarness(t, testDeployerToken)
	rec = h.do(deployerRequest(http.MethodGet, "/deployments?key=x", "wrong", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}
	rec = h.do(deployerRequest(http.MethodGet, "/deployments?key=x", "", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}
}

func TestDeployerCallbacks(t *testing.T) {
	h := newHarness(t, testDeployerToken)
	ctx := context.Background()
	key := domain.IdempotencyKey("octo-org", "web", 42, "abc123")

	if ok, err := h.store.Claim(ctx, key, ports.ClaimAttrs{Repo: "octo-org/web", PRNumber: 42, CommitSHA: "abc123"}); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}

	rec := h.do(deployerRequest(http.MethodPost, "/tasks/status", testDeployerToken, map[string]string{
		"idempotency_key": "octo-org/web#1:missing",
		"status":          "deployed",
	}))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", rec.Code)
	}

	rec = h.do(deployerRequest(http.MethodPost, "/tasks/status", testDeployerToken, map[string]string{
		"idempotency_key": key,
		"status":          "exploded",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status code = %d, want 400", rec.Code)
	}

	rec = h.do(deployerRequest(http.MethodPost, "/tasks/status", testDeployerToken, map[string]string{"status": "deployed"}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing key code = %d, want 400", rec.Code)
	}

	rec = h.do(deployerRequest(http.MethodPost, "/tasks/release", testDeployerToken, map[string]string{"idempotency_key": key}))
	if rec.Code != http.StatusOK {
		t.Fatalf("release code = %d (%s)", rec.Code, rec.Body.String())
	}
	if ok, err := h.store.Claim(ctx, key, ports.ClaimAttrs{}); err != nil || !ok {
		t.Fatalf("re-claim after release = %v, %v", ok, err)
	}

	rec = h.do(deployerRequest(http.MethodPost, "/tasks/status", testDeployerToken, map[string]string{
		"idempotency_key": key,
		"status":          "deployed",
		"preview_url":     "https://pr-42.preview.example.com",
		"namespace":       "preview-42",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status update code = %d (%s)", rec.Code, rec.Body.String())
	}

	rec = h.do(deployerRequest(http.MethodPost, "/tasks/release", testDeployerToken, map[string]string{"idempotency_key": key}))
	if rec.Code != http.StatusConflict {
		t.Errorf("release of deployed record = %d, want 409", rec.Code)
	}

	for _, status := range []string{"pending", "claimed", "failed"} {
		rec = h.do(deployerRequest(http.MethodPost, "/tasks/status", testDeployerToken, map[string]string{
			"idempotency_key": key,
			"status":          status,
		}))
		if rec.Code != http.StatusConflict {
			t.Errorf("deployed -> %s = %d, want 409", status, rec.Code)
		}
	}

	rec = h.do(deployerRequest(http.MethodGet, "/deployments?key="+strings.ReplaceAll(key, "#", "%23"), testDeployerToken, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get code = %d", rec.Code)
	}
	var got domain.DeploymentRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDeployed || got.PreviewURL != "https://pr-42.preview.example.com" || got.Namespace != "preview-42" {
		t.Errorf("record = %+v", got)
	}

	rec = h.do(deployerRequest(http.MethodGet, "/deployments?key=nope", testDeployerToken, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing record code = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "")
	h.do(webhookRequest("push", `{}`, domain.SignPayload([]byte(`{}`), testSecret)))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`preview_dispatch_webhook_outcomes_total{outcome="ignored-event"} 1`,
		`preview_dispatch_http_requests_total{method="POST",route="/webhook",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
