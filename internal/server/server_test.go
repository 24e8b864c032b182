package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/events"
	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/ratelimit"
	"github.com/tollgate/tollgate/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testEmail     = "admin@example.com"
	testPassword  = "supersecretpassword"
)

// upstreamCapture records what the upstream saw for the last request.
type upstreamCapture struct {
	mu     sync.Mutex
	header http.Header
	path   string
	hits   int
}

func (u *upstreamCapture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.header = r.Header.Clone()
	u.path = r.URL.Path
	u.hits++
	u.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (u *upstreamCapture) last() (http.Header, string, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.header, u.path, u.hits
}

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server   *Server
	store    *config.Store
	tokens   *service.TokenRegistry
	recorder *events.Recorder
	upstream *upstreamCapture
}

// newTestEnv creates a fully wired Server on an in-memory store with one
// operator account. withUpstream controls whether a backend is configured.
func newTestEnv(t *testing.T, withUpstream bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authSvc := service.NewAuthService(store, testJWTSecret)
	if _, err := authSvc.CreateAdmin(ctx, testEmail, "Test Admin", testPassword, true); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	routes, err := gateway.NewRouteTable(gateway.DefaultRoutes())
	if err != nil {
		t.Fatalf("NewRouteTable: %v", err)
	}
	tokens, err := service.NewTokenRegistry(ctx, store, service.TokenRegistryOptions{KnownRoute: routes.Has, Logger: logger})
	if err != nil {
		t.Fatalf("NewTokenRegistry: %v", err)
	}
	ipRules, err := service.NewIPRuleService(ctx, store, service.IPRuleOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewIPRuleService: %v", err)
	}
	settings := service.NewSettingsCache(store, service.SettingsCacheOptions{DefaultGlobalLimit: 1000, Logger: logger})
	security := service.NewSecurityCenter(store, ipRules, service.DefaultThresholds())

	limiter := ratelimit.New(ratelimit.Options{Logger: logger})
	t.Cleanup(limiter.Stop)

	recorder := events.NewRecorder(store, events.Options{Logger: logger})
	t.Cleanup(func() { recorder.Close(context.Background()) })

	pipe := gateway.New(gateway.Config{
		Tokens:   tokens,
		IPPolicy: ipRules,
		Limits:   settings,
		Limiter:  limiter,
		Events:   recorder,
		Logger:   logger,
	})

	cfg := DefaultConfig()
	env := &testEnv{store: store, tokens: tokens, recorder: recorder}
	if withUpstream {
		env.upstream = &upstreamCapture{}
		backend := httptest.NewServer(env.upstream)
		t.Cleanup(backend.Close)
		u, err := url.Parse(backend.URL)
		if err != nil {
			t.Fatalf("parse upstream: %v", err)
		}
		cfg.Upstream = u
	}

	env.server = New(cfg, Deps{
		Store:    store,
		Auth:     authSvc,
		Tokens:   tokens,
		IPRules:  ipRules,
		Settings: settings,
		Security: security,
		Routes:   routes,
		Pipeline: pipe,
	}, logger)
	return env
}

// do executes an HTTP request against the test server and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// operatorToken logs in and returns the session JWT.
func (e *testEnv) operatorToken(t *testing.T) string {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/system/admin/session", jsonBody(t, map[string]string{
		"email":    testEmail,
		"password": testPassword,
	}), nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"session_token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("operatorToken: got empty token from login")
	}
	return resp.Token
}

// issueToken creates a gateway token through the operator API.
func (e *testEnv) issueToken(t *testing.T, session string, body map[string]interface{}) (int64, string) {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/system/token", jsonBody(t, body), bearer(session))
	assertStatus(t, rr, http.StatusCreated)

	var resp struct {
		ID    int64  `json:"id"`
		Token string `json:"token"`
	}
	decodeJSON(t, rr, &resp)
	if !strings.HasPrefix(resp.Token, "tg_") {
		t.Fatalf("issued secret %q lacks tg_ prefix", resp.Token)
	}
	return resp.ID, resp.Token
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return bytes.NewReader(b)
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body: %s", err, rr.Body.String())
	}
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != rr.Code {
		t.Errorf("envelope code = %d, want %d", resp.Error.Code, rr.Code)
	}
	return resp.Error.Message
}

// ---------------------------------------------------------------------------
// Health and discovery
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" || resp.Checks["store"] != "ok" {
		t.Errorf("readyz = %+v", resp)
	}
	if resp.Checks["upstream"] != "not configured" {
		t.Errorf("upstream check = %q", resp.Checks["upstream"])
	}
}

func TestReadyzStoreDown(t *testing.T) {
	env := newTestEnv(t, false)
	env.store.Close()

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
}

func TestOpenAPIDocument(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc struct {
		OpenAPI string                            `json:"openapi"`
		Paths   map[string]map[string]interface{} `json:"paths"`
	}
	decodeJSON(t, rr, &doc)
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		t.Errorf("openapi = %q", doc.OpenAPI)
	}
	if _, ok := doc.Paths["/api/v1/billing/users"]["get"]; !ok {
		t.Error("billing users path missing from document")
	}
	if _, ok := doc.Paths["/api/v1/public/status"]; !ok {
		t.Error("public status path missing from document")
	}
}

// ---------------------------------------------------------------------------
// Operator API
// ---------------------------------------------------------------------------

func TestOperatorAPIRequiresSession(t *testing.T) {
	env := newTestEnv(t, false)
	session := env.operatorToken(t)
	_, secret := env.issueToken(t, session, map[string]interface{}{
		"display_name": "crm",
		"scopes":       []string{"BILLING"},
	})

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"gateway token", bearer(secret), http.StatusUnauthorized},
		{"garbage", bearer("not-a-jwt"), http.StatusUnauthorized},
		{"operator session", bearer(session), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "GET", "/api/v1/system/token", nil, tt.headers)
			assertStatus(t, rr, tt.want)
		})
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "POST", "/api/v1/system/admin/session", jsonBody(t, map[string]string{
		"email":    testEmail,
		"password": "wrong",
	}), nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// Gateway routes
// ---------------------------------------------------------------------------

func TestGatewayProxiesAdmittedRequest(t *testing.T) {
	env := newTestEnv(t, true)
	session := env.operatorToken(t)
	id, secret := env.issueToken(t, session, map[string]interface{}{
		"display_name":          "crm",
		"scopes":                []string{"BILLING"},
		"rate_limit_per_minute": 10,
	})

	rr := env.do(t, "GET", "/api/v1/billing/users/42", nil, map[string]string{
		"Authorization": "Bearer " + secret,
		"X-Request-ID":  "req-abc",
	})
	assertStatus(t, rr, http.StatusOK)

	if got := rr.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}

	header, path, hits := env.upstream.last()
	if hits != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits)
	}
	if path != "/api/v1/billing/users/42" {
		t.Errorf("upstream path = %q", path)
	}
	if header.Get("Authorization") != "" {
		t.Error("gateway secret leaked upstream")
	}
	if got := header.Get(HeaderTokenID); got != strconv.FormatInt(id, 10) {
		t.Errorf("%s = %q, want %d", HeaderTokenID, got, id)
	}
	if got := header.Get(HeaderRequestID); got != "req-abc" {
		t.Errorf("%s = %q, want req-abc", HeaderRequestID, got)
	}
}

func TestGatewayWithoutUpstream(t *testing.T) {
	env := newTestEnv(t, false)
	session := env.operatorToken(t)
	_, secret := env.issueToken(t, session, map[string]interface{}{
		"display_name": "crm",
		"scopes":       []string{"SHARED"},
	})

	rr := env.do(t, "GET", "/api/v1/shared/tariffs", nil, bearer(secret))
	assertStatus(t, rr, http.StatusBadGateway)
	if msg := errorMessage(t, rr); msg != "upstream not configured" {
		t.Errorf("message = %q", msg)
	}
}

func TestGatewayRejections(t *testing.T) {
	env := newTestEnv(t, true)
	session := env.operatorToken(t)
	_, secret := env.issueToken(t, session, map[string]interface{}{
		"display_name": "crm",
		"scopes":       []string{"BILLING"},
	})

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
		message string
	}{
		{"missing bearer", "/api/v1/billing/users", nil, http.StatusUnauthorized, "Invalid token"},
		{"operator session is not a gateway token", "/api/v1/billing/users", bearer(session), http.StatusUnauthorized, "Invalid token"},
		{"wrong scope", "/api/v1/analytics/summary", bearer(secret), http.StatusForbidden, "Insufficient scope for this endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "GET", tt.path, nil, tt.headers)
			assertStatus(t, rr, tt.want)
			if msg := errorMessage(t, rr); msg != tt.message {
				t.Errorf("message = %q, want %q", msg, tt.message)
			}
		})
	}
	if _, _, hits := env.upstream.last(); hits != 0 {
		t.Errorf("upstream hits = %d, want 0", hits)
	}
}

func TestGatewayRateLimitHeaders(t *testing.T) {
	env := newTestEnv(t, true)
	session := env.operatorToken(t)
	_, secret := env.issueToken(t, session, map[string]interface{}{
		"display_name":          "crm",
		"scopes":                []string{"EQUIPMENT"},
		"rate_limit_per_minute": 2,
	})

	for i := 0; i < 2; i++ {
		rr := env.do(t, "GET", "/api/v1/equipment", nil, bearer(secret))
		assertStatus(t, rr, http.StatusOK)
	}
	rr := env.do(t, "GET", "/api/v1/equipment", nil, bearer(secret))
	assertStatus(t, rr, http.StatusTooManyRequests)

	retry, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	if err != nil || retry <= 0 || retry > 60 {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if msg := errorMessage(t, rr); !strings.HasPrefix(msg, "Rate limit exceeded: 2 requests per minute.") {
		t.Errorf("message = %q", msg)
	}
}

func TestGatewayPublicRoute(t *testing.T) {
	env := newTestEnv(t, true)
	rr := env.do(t, "GET", "/api/v1/public/status", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	header, _, _ := env.upstream.last()
	if header.Get(HeaderTokenID) != "" {
		t.Error("public route forwarded a token id")
	}
}

func TestGatewayRejectionsAreRecorded(t *testing.T) {
	env := newTestEnv(t, true)
	session := env.operatorToken(t)

	for i := 0; i < 3; i++ {
		rr := env.do(t, "GET", "/api/v1/billing/users", nil, bearer("tg_bogus"))
		assertStatus(t, rr, http.StatusUnauthorized)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.recorder.Close(ctx); err != nil {
		t.Fatalf("recorder.Close: %v", err)
	}

	rr := env.do(t, "GET", "/api/v1/system/security/events?type=TOKEN_INVALID", nil, bearer(session))
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Resource []struct {
			EventType string `json:"event_type"`
			Endpoint  string `json:"endpoint"`
		} `json:"resource"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 3 {
		t.Fatalf("events = %d, want 3", len(resp.Resource))
	}
	if resp.Resource[0].Endpoint != "GET /api/v1/billing/users" {
		t.Errorf("endpoint = %q", resp.Resource[0].Endpoint)
	}
}
