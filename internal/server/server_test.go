package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hustlexp/money-core/internal/config"
	"github.com/hustlexp/money-core/internal/idgen"
	"github.com/hustlexp/money-core/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(dsn string) *config.Config {
	return &config.Config{
		Port:                         "0",
		Env:                          "development",
		LogLevel:                     "error",
		DatabaseURL:                  dsn,
		StripeMode:                   "test",
		StripeSecretKey:              "", // empty key makes stripe-go fail locally, no network needed
		PayoutsEnabled:               true,
		AdminSecret:                  "test-admin-secret",
		RateLimitRPM:                 100000,
		RecoveryStuckTimeoutMinutes:  config.DefaultRecoveryStuckTimeoutMinutes,
		LockDefaultTTLSeconds:        config.DefaultLockTTLSeconds,
		OutboxPollInterval:           config.DefaultOutboxPollInterval,
		OutboxBatchSize:              config.DefaultOutboxBatchSize,
		NegativeOutcomeRateThreshold: config.DefaultNegativeOutcomeRateThreshold,
		DBMaxOpenConns:               config.DefaultDBMaxOpenConns,
		DBMaxIdleConns:               config.DefaultDBMaxIdleConns,
		DBConnMaxLifetime:            config.DefaultDBConnMaxLifetime,
		DBConnMaxIdleTime:            config.DefaultDBConnMaxIdleTime,
		DBConnectTimeout:             config.DefaultDBConnectTimeout,
		DBStatementTimeout:           config.DefaultDBStatementTimeout,
		HTTPReadTimeout:              config.DefaultHTTPReadTimeout,
		HTTPWriteTimeout:             config.DefaultHTTPWriteTimeout,
		HTTPIdleTimeout:              config.DefaultHTTPIdleTimeout,
		RequestTimeout:               5 * time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a fully wired Server against the shared,
// testutil-managed test database. The db handle is closed directly (not
// via Shutdown, which sleeps to drain load balancers) since no background
// worker was started.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dsn, cleanupRows := testutil.DSN(t)
	t.Cleanup(cleanupRows)

	s, err := New(testConfig(dsn), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(func() {
		if s.db != nil {
			_ = s.db.Close()
		}
	})
	return s
}

// issueAPIKey registers a fresh agent and returns its raw bearer key, scoped
// to a random agent id so concurrent tests never collide on agent_address.
func issueAPIKey(t *testing.T, s *Server) (agentID, rawKey string) {
	t.Helper()
	agentID = idgen.WithPrefix("agt_")
	raw, _, err := s.authMgr.GenerateKey(context.Background(), agentID, "test key")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return agentID, raw
}

func doJSON(s *Server, method, path string, body map[string]any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLivenessEndpointFalseBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// healthy/ready only flip true once Run() has been running for a beat;
	// New() alone leaves the process not-yet-live.
	w := doJSON(s, http.MethodGet, "/health/live", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before Run(), got %d", w.Code)
	}
}

func TestReadinessEndpointFalseBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/health/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before Run(), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	routeSet := make(map[string]bool, len(routes))
	for _, r := range routes {
		routeSet[r.Method+":"+r.Path] = true
	}

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/webhooks/stripe",
		"GET:/admin/stream",
		"GET:/admin/actions",
		"POST:/tasks",
		"POST:/tasks/:id/accept",
		"POST:/tasks/:id/proof",
		"POST:/tasks/:id/proof/verify",
		"POST:/tasks/:id/complete",
		"POST:/tasks/:id/dispute",
		"POST:/admin/tasks/:id/force-payout",
		"POST:/admin/tasks/:id/force-refund",
		"POST:/admin/accounts/:id/backfill",
		"POST:/admin/killswitch/activate",
		"POST:/admin/killswitch/deactivate",
		"POST:/admin/safe-mode/disengage",
		"POST:/admin/denylist",
		"DELETE:/admin/denylist/:type/:id",
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("expected route %s to be registered", e)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/v1/nonexistent", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Task lifecycle guards: auth, idempotency, ownership, and validation all
// run before a task ever touches the ledger or the payment provider, so
// these are exercised without any Stripe connectivity.
// ---------------------------------------------------------------------------

func TestCreateTask_RequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodPost, "/tasks", map[string]any{
		"poster_id":   "agt_whoever",
		"title":       "mow the lawn",
		"price_cents": 500,
	}, nil)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without an API key, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateTask_RequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	agentID, rawKey := issueAPIKey(t, s)

	w := doJSON(s, http.MethodPost, "/tasks", map[string]any{
		"poster_id":   agentID,
		"title":       "mow the lawn",
		"price_cents": 500,
	}, map[string]string{"Authorization": "Bearer " + rawKey})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 missing X-Idempotency-Key, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateTask_RejectsNonPositivePrice(t *testing.T) {
	s := newTestServer(t)
	agentID, rawKey := issueAPIKey(t, s)

	w := doJSON(s, http.MethodPost, "/tasks", map[string]any{
		"poster_id":   agentID,
		"title":       "mow the lawn",
		"price_cents": 0,
	}, map[string]string{
		"Authorization":     "Bearer " + rawKey,
		"X-Idempotency-Key": idgen.New(),
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-positive price_cents, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateTask_RejectsAgentMismatch(t *testing.T) {
	s := newTestServer(t)
	_, rawKey := issueAPIKey(t, s)

	w := doJSON(s, http.MethodPost, "/tasks", map[string]any{
		"poster_id":   "agt_someone_else",
		"title":       "mow the lawn",
		"price_cents": 500,
	}, map[string]string{
		"Authorization":     "Bearer " + rawKey,
		"X-Idempotency-Key": idgen.New(),
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 when poster_id doesn't match the authenticated agent, got %d: %s", w.Code, w.Body.String())
	}
}

// TestCreateTask_SucceedsEvenIfProviderUnreachable exercises the documented
// degradation path in handleCreateTask: the task and its escrow are
// committed before the payment intent is ever requested, so a payment
// provider failure still returns 201 with payment_pending instead of
// rolling back a task that was already accepted.
func TestCreateTask_SucceedsEvenIfProviderUnreachable(t *testing.T) {
	s := newTestServer(t)
	agentID, rawKey := issueAPIKey(t, s)

	w := doJSON(s, http.MethodPost, "/tasks", map[string]any{
		"poster_id":   agentID,
		"title":       "mow the lawn",
		"price_cents": 500,
	}, map[string]string{
		"Authorization":     "Bearer " + rawKey,
		"X-Idempotency-Key": idgen.New(),
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp["task_id"] == nil || resp["task_id"] == "" {
		t.Error("expected task_id in response")
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM escrows WHERE task_id = $1`, resp["task_id"]).Scan(&count); err != nil {
		t.Fatalf("querying escrow row: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one escrow row for the new task, got %d", count)
	}
}

func TestAcceptTask_RequiresAgentMatch(t *testing.T) {
	s := newTestServer(t)
	posterID, posterKey := issueAPIKey(t, s)
	_, workerKey := issueAPIKey(t, s)

	created := doJSON(s, http.MethodPost, "/tasks", map[string]any{
		"poster_id":   posterID,
		"title":       "paint the fence",
		"price_cents": 1200,
	}, map[string]string{
		"Authorization":     "Bearer " + posterKey,
		"X-Idempotency-Key": idgen.New(),
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("task creation failed: %d %s", created.Code, created.Body.String())
	}
	var createdResp map[string]any
	_ = json.Unmarshal(created.Body.Bytes(), &createdResp)
	taskID := createdResp["task_id"].(string)

	// Any worker_id other than the bearer's own agent id must be rejected
	// regardless of whether that worker id exists.
	w := doJSON(s, http.MethodPost, "/tasks/"+taskID+"/accept", map[string]any{
		"worker_id": "agt_not_the_caller",
	}, map[string]string{
		"Authorization":     "Bearer " + workerKey,
		"X-Idempotency-Key": idgen.New(),
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for worker_id/caller mismatch, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

func TestAdminEndpoints_RequireAdminSecret(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodPost, "/admin/killswitch/activate", map[string]any{
		"admin_id": "admin_1",
		"reason":   "testing",
	}, map[string]string{"X-Idempotency-Key": idgen.New()})

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without X-Admin-Secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminEndpoints_WrongSecretRejected(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodPost, "/admin/killswitch/activate", map[string]any{
		"admin_id": "admin_1",
		"reason":   "testing",
	}, map[string]string{
		"X-Admin-Secret":    "not-the-real-secret",
		"X-Idempotency-Key": idgen.New(),
	})

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with the wrong secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListActions_RequiresAdminSecret(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/admin/actions", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without X-Admin-Secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListActions_EmptyLogReturnsNoMore(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/admin/actions", nil, map[string]string{
		"X-Admin-Secret": "test-admin-secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Actions    []any `json:"actions"`
		HasMore    bool  `json:"has_more"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.HasMore {
		t.Error("expected has_more=false on an empty audit log")
	}
	if len(resp.Actions) != 0 {
		t.Errorf("expected no actions, got %d", len(resp.Actions))
	}
}

func TestAlertStream_RequiresAdminSecret(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stream", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without X-Admin-Secret on the alert stream route, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Webhook intake: signature verification happens locally via stripe-go's
// HMAC check, so a bad signature is rejected before any DB or network I/O.
// ---------------------------------------------------------------------------

func TestStripeWebhook_InvalidSignatureRejected(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_fake","type":"payment_intent.succeeded"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "t=1,v1=not-a-real-signature")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an invalid webhook signature, got %d: %s", w.Code, w.Body.String())
	}
}

// sanity check that the auth manager actually requires the generated
// key's own agent, proving issueAPIKey's fixture wires auth.Manager the
// same way the real agent-registration path would.
func TestIssueAPIKey_ValidatesAgainstItsOwnAgent(t *testing.T) {
	s := newTestServer(t)
	agentID, rawKey := issueAPIKey(t, s)

	key, err := s.authMgr.ValidateKey(context.Background(), rawKey)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if key.AgentAddr != strings.ToLower(agentID) {
		t.Errorf("expected key agent %s, got %s", agentID, key.AgentAddr)
	}
	if _, err := s.authMgr.ValidateKey(context.Background(), "sk_0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Error("expected an unrelated raw key to fail validation")
	}
}
