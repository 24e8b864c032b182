package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/server/middleware"
	"github.com/tollgate/tollgate/internal/service"
)

const (
	testJWTSecret = "test-secret-for-handler-tests"
	testPassword  = "supersecretpassword"
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *config.Store
	authSvc  *service.AuthService
	tokens   *service.TokenRegistry
	ipRules  *service.IPRuleService
	settings *service.SettingsCache
	router   chi.Router
}

// newTestEnv creates a fresh environment with an in-memory store and the
// system routes mounted. Requests run as ops@example.com without a JWT.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authSvc := service.NewAuthService(store, testJWTSecret)
	tokens, err := service.NewTokenRegistry(ctx, store, service.TokenRegistryOptions{
		KnownRoute: func(name string) bool { return strings.HasPrefix(name, "billing.") },
	})
	if err != nil {
		t.Fatalf("NewTokenRegistry: %v", err)
	}
	ipRules, err := service.NewIPRuleService(ctx, store, service.IPRuleOptions{})
	if err != nil {
		t.Fatalf("NewIPRuleService: %v", err)
	}
	settings := service.NewSettingsCache(store, service.SettingsCacheOptions{DefaultGlobalLimit: 1000})
	security := service.NewSecurityCenter(store, ipRules, service.DefaultThresholds())

	sysHandler := NewSystemHandler(store, authSvc, time.Hour)
	tokenHandler := NewTokenHandler(tokens, ipRules)
	secHandler := NewSecurityHandler(security, ipRules, settings)

	r := chi.NewRouter()
	r.Route("/api/v1/system", func(r chi.Router) {
		r.Post("/admin/session", sysHandler.Login)
		r.Delete("/admin/session", sysHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(asOperator)
			Mount(r, sysHandler, tokenHandler, secHandler)
		})
	})

	return &testEnv{
		store:    store,
		authSvc:  authSvc,
		tokens:   tokens,
		ipRules:  ipRules,
		settings: settings,
		router:   r,
	}
}

func asOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.AuthPrincipalKey, &middleware.Principal{
			AdminID: 1,
			Email:   "ops@example.com",
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// seedAdmin creates a default operator account and returns it.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	admin, err := e.authSvc.CreateAdmin(context.Background(), "admin@example.com", "Test Admin", testPassword, true)
	if err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	return admin
}

// seedToken issues a BILLING token and returns it with its raw secret.
func (e *testEnv) seedToken(t *testing.T) (*model.APIToken, string) {
	t.Helper()
	tok, raw, err := e.tokens.Create(context.Background(), service.CreateTokenInput{
		DisplayName:        "billing export",
		Scopes:             []string{"BILLING"},
		RateLimitPerMinute: 100,
	}, "seed")
	if err != nil {
		t.Fatalf("seedToken: %v", err)
	}
	return tok, raw
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}
