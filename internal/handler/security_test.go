package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/tollgate/tollgate/internal/model"
)

func seedEvents(t *testing.T, env *testEnv, ip string, types ...model.EventType) {
	t.Helper()
	evs := make([]model.SecurityEvent, 0, len(types))
	for _, typ := range types {
		evs = append(evs, model.SecurityEvent{
			EventType: typ,
			IPAddress: ip,
			Endpoint:  "GET /api/v1/billing/users",
			CreatedAt: time.Now().Add(-time.Hour),
		})
	}
	if err := env.store.InsertSecurityEvents(context.Background(), evs); err != nil {
		t.Fatalf("InsertSecurityEvents: %v", err)
	}
}

func TestSuspiciousEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedEvents(t, env, "198.51.100.1", model.EventTokenInvalid, model.EventRateLimited, model.EventScopeDenied)
	seedEvents(t, env, "198.51.100.2", model.EventRateLimited)

	rr := env.do(t, "GET", "/api/v1/system/security/suspicious?days=1", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Resource []model.SuspiciousIP `json:"resource"`
		Meta     model.ResponseMeta   `json:"meta"`
	}
	decodeJSON(t, rr, &resp)

	if resp.Meta.Days != 1 || len(resp.Resource) != 2 {
		t.Fatalf("meta = %+v, %d rows", resp.Meta, len(resp.Resource))
	}
	if resp.Resource[0].IPAddress != "198.51.100.1" || resp.Resource[0].ThreatLevel != model.ThreatHigh {
		t.Errorf("first = %+v", resp.Resource[0])
	}
	if resp.Resource[1].ThreatLevel != model.ThreatLow {
		t.Errorf("second = %+v", resp.Resource[1])
	}

	rr = env.do(t, "GET", "/api/v1/system/security/suspicious?level=high", nil)
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 1 {
		t.Errorf("level filter returned %d rows", len(resp.Resource))
	}
}

func TestFailedAttemptsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedEvents(t, env, "192.0.2.1", model.EventTokenInvalid)
	seedEvents(t, env, "192.0.2.2", model.EventTokenInvalid, model.EventTokenInvalid, model.EventTokenInvalid)
	seedEvents(t, env, "192.0.2.3", model.EventRateLimited)

	rr := env.do(t, "GET", "/api/v1/system/security/failed?limit=5", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Resource []model.FailedAttempt `json:"resource"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 2 {
		t.Fatalf("rows = %d, want 2", len(resp.Resource))
	}
	if resp.Resource[0].IPAddress != "192.0.2.2" || resp.Resource[0].Attempts != 3 {
		t.Errorf("top offender = %+v", resp.Resource[0])
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedEvents(t, env, "192.0.2.1", model.EventTokenInvalid, model.EventRateLimited)
	seedEvents(t, env, "192.0.2.2", model.EventRateLimited)

	rr := env.do(t, "GET", "/api/v1/system/security/events?type=rate_limited", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Resource []model.SecurityEvent `json:"resource"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 2 {
		t.Errorf("type filter: %d rows, want 2", len(resp.Resource))
	}

	rr = env.do(t, "GET", "/api/v1/system/security/events?ip=192.0.2.1", nil)
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 2 {
		t.Errorf("ip filter: %d rows, want 2", len(resp.Resource))
	}

	assertStatus(t, env.do(t, "GET", "/api/v1/system/security/events?type=BOGUS", nil), http.StatusBadRequest)
	assertStatus(t, env.do(t, "GET", "/api/v1/system/security/events?token_id=x", nil), http.StatusBadRequest)
}

func TestBlocklistEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/system/security/blocked", toJSON(t, map[string]string{
		"ip_address": "198.51.100.9",
		"reason":     "credential stuffing",
		"ttl":        "24h",
	}))
	assertStatus(t, rr, http.StatusCreated)
	var b model.BlockedIP
	decodeJSON(t, rr, &b)
	if b.BlockedBy != "ops@example.com" || b.ExpiresAt == nil {
		t.Errorf("block = %+v", b)
	}
	if !env.ipRules.IsBlocked("198.51.100.9") {
		t.Error("block not applied in memory")
	}

	assertStatus(t, env.do(t, "POST", "/api/v1/system/security/blocked", toJSON(t, map[string]string{"ip_address": "nope"})), http.StatusBadRequest)
	assertStatus(t, env.do(t, "POST", "/api/v1/system/security/blocked", toJSON(t, map[string]string{"ip_address": "198.51.100.10", "ttl": "soon"})), http.StatusBadRequest)

	rr = env.do(t, "GET", "/api/v1/system/security/blocked", nil)
	assertStatus(t, rr, http.StatusOK)

	assertStatus(t, env.do(t, "DELETE", "/api/v1/system/security/blocked/198.51.100.9", nil), http.StatusOK)
	if env.ipRules.IsBlocked("198.51.100.9") {
		t.Error("unblock not applied in memory")
	}
	assertStatus(t, env.do(t, "DELETE", "/api/v1/system/security/blocked/198.51.100.9", nil), http.StatusNotFound)
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/system/settings", nil)
	assertStatus(t, rr, http.StatusOK)
	var s settingsResponse
	decodeJSON(t, rr, &s)
	if s.GlobalRateLimit != 1000 {
		t.Errorf("default global limit = %d", s.GlobalRateLimit)
	}

	rr = env.do(t, "PATCH", "/api/v1/system/settings", toJSON(t, map[string]int{"global_rate_limit": 5}))
	assertStatus(t, rr, http.StatusOK)
	if got := env.settings.GetGlobalLimit(context.Background()); got != 5 {
		t.Errorf("cache serves %d, want 5", got)
	}
	raw, err := env.store.GetSetting(context.Background(), "global_rate_limit")
	if err != nil || raw != "5" {
		t.Errorf("stored %q, %v", raw, err)
	}

	assertStatus(t, env.do(t, "PATCH", "/api/v1/system/settings", toJSON(t, map[string]int{"global_rate_limit": 0})), http.StatusBadRequest)
	assertStatus(t, env.do(t, "PATCH", "/api/v1/system/settings", toJSON(t, map[string]int{})), http.StatusBadRequest)
}
