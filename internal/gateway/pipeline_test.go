package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/ratelimit"
	"github.com/tollgate/tollgate/internal/service"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	events []model.SecurityEvent
}

func (s *captureSink) Record(ev model.SecurityEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) Events() []model.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SecurityEvent(nil), s.events...)
}

type testEnv struct {
	pipe    *Pipeline
	routes  *RouteTable
	limiter *ratelimit.Limiter
	tokens  *service.TokenRegistry
	ips     *service.IPRuleService
	sink    *captureSink
	clock   *fakeClock
	stages  []Stage
}

func newTestEnv(t *testing.T, globalLimit int) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	routes, err := NewRouteTable(DefaultRoutes())
	if err != nil {
		t.Fatalf("NewRouteTable: %v", err)
	}
	env := &testEnv{routes: routes, sink: &captureSink{}, clock: newFakeClock()}

	env.tokens, err = service.NewTokenRegistry(ctx, store, service.TokenRegistryOptions{
		KnownRoute: routes.Has,
		Now:        env.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTokenRegistry: %v", err)
	}
	env.ips, err = service.NewIPRuleService(ctx, store, service.IPRuleOptions{Now: env.clock.Now})
	if err != nil {
		t.Fatalf("NewIPRuleService: %v", err)
	}
	settings := service.NewSettingsCache(store, service.SettingsCacheOptions{
		DefaultGlobalLimit: globalLimit,
		Now:                env.clock.Now,
	})
	env.limiter = ratelimit.New(ratelimit.Options{Now: env.clock.Now})
	t.Cleanup(env.limiter.Stop)

	env.pipe = New(Config{
		Tokens:   env.tokens,
		IPPolicy: env.ips,
		Limits:   settings,
		Limiter:  env.limiter,
		Events:   env.sink,
		Now:      env.clock.Now,
		Observe:  func(s Stage) { env.stages = append(env.stages, s) },
	})
	return env
}

func (e *testEnv) route(t *testing.T, name string) Route {
	t.Helper()
	r, ok := e.routes.Lookup(name)
	if !ok {
		t.Fatalf("no route %q", name)
	}
	return r
}

func (e *testEnv) issue(t *testing.T, in service.CreateTokenInput) (*model.APIToken, string) {
	t.Helper()
	if in.DisplayName == "" {
		in.DisplayName = "crm sync"
	}
	if in.RateLimitPerMinute == 0 {
		in.RateLimitPerMinute = 100
	}
	tok, raw, err := e.tokens.Create(context.Background(), in, "ops@example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tok, raw
}

func (e *testEnv) admit(t *testing.T, route, raw, ip string) (*Admission, *Rejection) {
	t.Helper()
	e.stages = nil
	req := Request{Route: e.route(t, route), ClientIP: ip}
	if raw != "" {
		req.Authorization = "Bearer " + raw
	}
	return e.pipe.Admit(context.Background(), req)
}

func TestAdmitAcceptsValidToken(t *testing.T) {
	env := newTestEnv(t, 1000)
	tok, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}})

	adm, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7")
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	if adm.Token == nil || adm.Token.ID != tok.ID {
		t.Fatalf("admitted token = %+v, want id %d", adm.Token, tok.ID)
	}
	want := []Stage{StageAuthenticate, StageIPRules, StageRateLimit, StageScope, StageEndpoint}
	if !reflect.DeepEqual(env.stages, want) {
		t.Errorf("stages = %v, want %v", env.stages, want)
	}
	if n := env.limiter.Count(ratelimit.TokenKey(tok.ID, "")); n != 1 {
		t.Errorf("token counter = %d, want 1", n)
	}
	if n := env.limiter.Count(ratelimit.GlobalKey("198.51.100.7")); n != 1 {
		t.Errorf("global counter = %d, want 1", n)
	}
	if adm.TokenTier.Remaining != 99 {
		t.Errorf("token remaining = %d, want 99", adm.TokenTier.Remaining)
	}
	if len(env.sink.Events()) != 0 {
		t.Errorf("accepted request recorded events: %+v", env.sink.Events())
	}
}

func TestAdmitTokenFailuresAreUniform(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	inactive, inactiveRaw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}})
	if _, err := env.tokens.Disable(ctx, inactive.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	exp := env.clock.Now().Add(time.Hour)
	_, expiringRaw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}, ExpiresAt: &exp})
	env.clock.Advance(2 * time.Hour)

	unknown, err := service.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		raw    string
		kind   Kind
		reason string
	}{
		{"missing header", "", KindTokenInvalid, "missing_bearer"},
		{"malformed secret", "not-a-token", KindTokenInvalid, "unknown_token"},
		{"unknown secret", unknown, KindTokenInvalid, "unknown_token"},
		{"inactive token", inactiveRaw, KindTokenInactive, "token_inactive"},
		{"expired token", expiringRaw, KindTokenExpired, "token_expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rej := env.admit(t, "billing.users.list", tt.raw, "198.51.100.7")
			if rej == nil {
				t.Fatal("expected rejection")
			}
			if rej.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", rej.Kind, tt.kind)
			}
			if rej.Status != http.StatusUnauthorized || rej.Message != "Invalid token" {
				t.Errorf("client sees %d %q", rej.Status, rej.Message)
			}
			if !reflect.DeepEqual(env.stages, []Stage{StageAuthenticate}) {
				t.Errorf("stages = %v", env.stages)
			}
			evs := env.sink.Events()
			last := evs[len(evs)-1]
			if last.EventType != model.EventTokenInvalid || last.Metadata["reason"] != tt.reason {
				t.Errorf("event = %s %v", last.EventType, last.Metadata)
			}
		})
	}
}

func TestBlacklistRejectsBeforeRateLimit(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	tok, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}})

	const ip = "203.0.113.5"
	if _, err := env.ips.AddRule(ctx, tok.ID, model.IPRuleWhitelist, ip, "office"); err != nil {
		t.Fatalf("AddRule whitelist: %v", err)
	}
	if _, err := env.ips.AddRule(ctx, tok.ID, model.IPRuleBlacklist, ip, "abuse"); err != nil {
		t.Fatalf("AddRule blacklist: %v", err)
	}

	_, rej := env.admit(t, "billing.users.list", raw, ip)
	if rej == nil || rej.Kind != KindIPBlocked {
		t.Fatalf("rejection = %v, want IP_BLOCKED", rej)
	}
	if rej.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rej.Status)
	}
	if !reflect.DeepEqual(env.stages, []Stage{StageAuthenticate, StageIPRules}) {
		t.Errorf("stages = %v", env.stages)
	}
	if n := env.limiter.Count(ratelimit.TokenKey(tok.ID, "")); n != 0 {
		t.Errorf("token counter = %d, want 0", n)
	}
	if n := env.limiter.Count(ratelimit.GlobalKey(ip)); n != 0 {
		t.Errorf("global counter = %d, want 0", n)
	}

	evs := env.sink.Events()
	if len(evs) != 1 || evs[0].EventType != model.EventIPBlocked {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].TokenID == nil || *evs[0].TokenID != tok.ID {
		t.Errorf("event token id = %v, want %d", evs[0].TokenID, tok.ID)
	}
	if evs[0].Metadata["reason"] != service.ReasonBlacklisted {
		t.Errorf("event reason = %q", evs[0].Metadata["reason"])
	}
}

func TestWhitelistDeniesUnlistedIP(t *testing.T) {
	env := newTestEnv(t, 1000)
	tok, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}})
	if _, err := env.ips.AddRule(context.Background(), tok.ID, model.IPRuleWhitelist, "192.0.2.10", ""); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	if _, rej := env.admit(t, "billing.users.list", raw, "192.0.2.10"); rej != nil {
		t.Errorf("whitelisted IP rejected: %v", rej)
	}
	_, rej := env.admit(t, "billing.users.list", raw, "192.0.2.11")
	if rej == nil || rej.Kind != KindIPBlocked || rej.Internal != service.ReasonNotWhitelisted {
		t.Errorf("unlisted IP: rejection = %v", rej)
	}
}

func TestGlobalBlocklist(t *testing.T) {
	env := newTestEnv(t, 1000)
	_, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}})
	const ip = "198.51.100.66"
	if _, err := env.ips.Block(context.Background(), ip, "scanner", "ops@example.com", time.Hour); err != nil {
		t.Fatalf("Block: %v", err)
	}

	if _, rej := env.admit(t, "billing.users.list", raw, ip); rej == nil || rej.Kind != KindIPBlocked {
		t.Errorf("token route: rejection = %v", rej)
	}
	if _, rej := env.admit(t, "public.status", "", ip); rej == nil || rej.Kind != KindIPBlocked {
		t.Errorf("public route: rejection = %v", rej)
	}
	if n := env.limiter.Count(ratelimit.GlobalKey(ip)); n != 0 {
		t.Errorf("global counter = %d, want 0", n)
	}

	env.clock.Advance(2 * time.Hour)
	if _, rej := env.admit(t, "public.status", "", ip); rej != nil {
		t.Errorf("expired block still applied: %v", rej)
	}
}

func TestTokenTierFixedWindow(t *testing.T) {
	env := newTestEnv(t, 1000)
	tok, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}, RateLimitPerMinute: 3})

	for i := 1; i <= 3; i++ {
		if _, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7"); rej != nil {
			t.Fatalf("request %d rejected: %v", i, rej)
		}
	}
	env.clock.Advance(20 * time.Second)
	_, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7")
	if rej == nil || rej.Kind != KindRateLimited {
		t.Fatalf("4th request: rejection = %v, want RATE_LIMITED", rej)
	}
	if rej.Tier != TierToken || rej.Limit != 3 {
		t.Errorf("tier %s limit %d", rej.Tier, rej.Limit)
	}
	if rej.RetryAfter != 40 {
		t.Errorf("retry after = %d, want 40", rej.RetryAfter)
	}
	if want := "Rate limit exceeded: 3 requests per minute. Retry in 40 seconds."; rej.Message != want {
		t.Errorf("message = %q", rej.Message)
	}

	env.clock.Advance(41 * time.Second)
	adm, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7")
	if rej != nil {
		t.Fatalf("first request of new window rejected: %v", rej)
	}
	if adm.TokenTier.Count != 1 {
		t.Errorf("count in new window = %d, want 1", adm.TokenTier.Count)
	}
	if n := env.limiter.Count(ratelimit.TokenKey(tok.ID, "")); n != 1 {
		t.Errorf("token counter = %d, want 1", n)
	}
}

func TestScopeDeniedLeavesNoCounter(t *testing.T) {
	env := newTestEnv(t, 1000)
	tok, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}, RateLimitPerMinute: 100})
	const ip = "198.51.100.7"

	_, rej := env.admit(t, "analytics.summary", raw, ip)
	if rej == nil || rej.Kind != KindScopeDenied {
		t.Fatalf("rejection = %v, want SCOPE_DENIED", rej)
	}
	if rej.Status != http.StatusForbidden {
		t.Errorf("status = %d", rej.Status)
	}
	want := []Stage{StageAuthenticate, StageIPRules, StageRateLimit, StageScope}
	if !reflect.DeepEqual(env.stages, want) {
		t.Errorf("stages = %v, want %v", env.stages, want)
	}
	if n := env.limiter.Count(ratelimit.TokenKey(tok.ID, "")); n != 0 {
		t.Errorf("token counter = %d, want 0", n)
	}
	if n := env.limiter.Count(ratelimit.GlobalKey(ip)); n != 0 {
		t.Errorf("global counter = %d, want 0", n)
	}

	ctxFields := rej.Context()
	if !reflect.DeepEqual(ctxFields["required_scopes"], []model.Scope{model.ScopeAnalytics}) {
		t.Errorf("required = %v", ctxFields["required_scopes"])
	}
	if !reflect.DeepEqual(ctxFields["granted_scopes"], []model.Scope{model.ScopeBilling}) {
		t.Errorf("granted = %v", ctxFields["granted_scopes"])
	}

	evs := env.sink.Events()
	if len(evs) != 1 || evs[0].EventType != model.EventScopeDenied {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Metadata["required"] != "ANALYTICS" || evs[0].Metadata["granted"] != "BILLING" {
		t.Errorf("metadata = %v", evs[0].Metadata)
	}
}

func TestEndpointAllowList(t *testing.T) {
	env := newTestEnv(t, 1000)
	tok, raw := env.issue(t, service.CreateTokenInput{
		Scopes:           []string{"BILLING"},
		AllowedEndpoints: []string{"billing.users.get"},
	})

	if _, rej := env.admit(t, "billing.users.get", raw, "198.51.100.7"); rej != nil {
		t.Fatalf("allowed endpoint rejected: %v", rej)
	}
	_, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7")
	if rej == nil || rej.Kind != KindEndpointDenied {
		t.Fatalf("rejection = %v, want ENDPOINT_DENIED", rej)
	}
	if env.stages[len(env.stages)-1] != StageEndpoint {
		t.Errorf("stages = %v", env.stages)
	}
	if n := env.limiter.Count(ratelimit.TokenKey(tok.ID, "")); n != 1 {
		t.Errorf("token counter = %d, want 1 (the accepted request only)", n)
	}
	evs := env.sink.Events()
	if len(evs) != 1 || evs[0].EventType != model.EventScopeDenied || evs[0].Metadata["reason"] != "endpoint_not_allowed" {
		t.Errorf("events = %+v", evs)
	}
}

func TestPublicRouteGlobalLimit(t *testing.T) {
	env := newTestEnv(t, 5)
	const ip = "192.0.2.50"

	for i := 1; i <= 5; i++ {
		if _, rej := env.admit(t, "public.status", "", ip); rej != nil {
			t.Fatalf("request %d rejected: %v", i, rej)
		}
		env.clock.Advance(time.Second)
	}
	if !reflect.DeepEqual(env.stages, []Stage{StageIPRules, StageRateLimit}) {
		t.Errorf("public stages = %v", env.stages)
	}

	_, rej := env.admit(t, "public.status", "", ip)
	if rej == nil || rej.Kind != KindRateLimited {
		t.Fatalf("6th request: rejection = %v, want RATE_LIMITED", rej)
	}
	if rej.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", rej.Status)
	}
	if rej.RetryAfter <= 0 || rej.RetryAfter > 60 {
		t.Errorf("retry after = %d, want (0, 60]", rej.RetryAfter)
	}
	if rej.Tier != TierGlobal {
		t.Errorf("tier = %s", rej.Tier)
	}
	evs := env.sink.Events()
	if len(evs) != 1 || evs[0].TokenID != nil || evs[0].Metadata["tier"] != TierGlobal || evs[0].Metadata["limit"] != "5" {
		t.Errorf("events = %+v", evs)
	}

	if _, rej := env.admit(t, "public.status", "", "192.0.2.51"); rej != nil {
		t.Errorf("other IP rejected: %v", rej)
	}
}

func TestGlobalDenialReleasesTokenReservation(t *testing.T) {
	env := newTestEnv(t, 1)
	tok, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}})

	if _, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7"); rej != nil {
		t.Fatalf("first request rejected: %v", rej)
	}
	_, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7")
	if rej == nil || rej.Tier != TierGlobal {
		t.Fatalf("rejection = %v, want global RATE_LIMITED", rej)
	}
	if n := env.limiter.Count(ratelimit.TokenKey(tok.ID, "")); n != 1 {
		t.Errorf("token counter = %d, want 1", n)
	}
}

func TestPerEndpointLimit(t *testing.T) {
	env := newTestEnv(t, 1000)
	env.pipe.cfg.PerEndpointLimit = true
	tok, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}, RateLimitPerMinute: 1})

	if _, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7"); rej != nil {
		t.Fatalf("rejected: %v", rej)
	}
	if _, rej := env.admit(t, "billing.payments.list", raw, "198.51.100.7"); rej != nil {
		t.Fatalf("second route shares the budget: %v", rej)
	}
	if _, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7"); rej == nil {
		t.Fatal("expected second call to the same route to be limited")
	}
	if n := env.limiter.Count(ratelimit.TokenKey(tok.ID, "billing.payments.list")); n != 1 {
		t.Errorf("per-route counter = %d, want 1", n)
	}
}

type failingPolicy struct{}

func (failingPolicy) IsBlocked(string) bool { return false }

func (failingPolicy) Evaluate(context.Context, int64, string) (service.Verdict, error) {
	return service.Verdict{}, errors.New("database is locked")
}

func TestIPPolicyFailureFailsClosed(t *testing.T) {
	env := newTestEnv(t, 1000)
	env.pipe.cfg.IPPolicy = failingPolicy{}
	_, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}})

	_, rej := env.admit(t, "billing.users.list", raw, "198.51.100.7")
	if rej == nil || rej.Kind != KindUnavailable {
		t.Fatalf("rejection = %v, want UNAVAILABLE", rej)
	}
	if rej.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rej.Status)
	}
	if strings.Contains(rej.Message, "locked") {
		t.Errorf("message leaks internals: %q", rej.Message)
	}
	if len(env.sink.Events()) != 0 {
		t.Errorf("infrastructure failure recorded as security event")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer tg_abc", "tg_abc", true},
		{"bearer tg_abc", "tg_abc", true},
		{"Bearer   tg_abc  ", "tg_abc", true},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:51234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if got := ClientIP(r); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t, 1000)
	tok, raw := env.issue(t, service.CreateTokenInput{Scopes: []string{"BILLING"}, RateLimitPerMinute: 2})
	route := env.route(t, "billing.users.list")

	var seen *Admission
	h := env.pipe.Middleware(route)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetAdmission(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(auth string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/billing/users", nil)
		r.RemoteAddr = "198.51.100.7:40000"
		if auth != "" {
			r.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	t.Run("accepted", func(t *testing.T) {
		w := do("Bearer " + raw)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		if seen == nil || seen.Token.ID != tok.ID {
			t.Fatalf("admission not in context: %+v", seen)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" || w.Header().Get("X-RateLimit-Remaining") != "1" {
			t.Errorf("rate headers = %v", w.Header())
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		w := do("")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", w.Code)
		}
		if !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Bearer") {
			t.Errorf("missing WWW-Authenticate header")
		}
		var body model.ErrorResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error.Code != 401 || body.Error.Message != "Invalid token" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		do("Bearer " + raw)
		w := do("Bearer " + raw)
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Header().Get("Retry-After") != "60" {
			t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
		}
		if w.Header().Get("X-RateLimit-Remaining") != "0" {
			t.Errorf("X-RateLimit-Remaining = %q", w.Header().Get("X-RateLimit-Remaining"))
		}
		var body model.ErrorResponse
		json.NewDecoder(w.Body).Decode(&body)
		if body.Error.Context["retry_after"] != float64(60) {
			t.Errorf("context = %v", body.Error.Context)
		}
	})
}
