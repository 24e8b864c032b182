package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/server/middleware"
	"github.com/tollgate/tollgate/internal/service"
)

const (
	defaultFailedLimit = 20
	maxListLimit       = 1000
)

// SecurityHandler serves the Security Center: threat queries, the event
// log, the global blocklist, and the global rate limit setting.
type SecurityHandler struct {
	security *service.SecurityCenter
	ipRules  *service.IPRuleService
	settings *service.SettingsCache
}

// NewSecurityHandler creates a new SecurityHandler.
func NewSecurityHandler(security *service.SecurityCenter, ipRules *service.IPRuleService, settings *service.SettingsCache) *SecurityHandler {
	return &SecurityHandler{security: security, ipRules: ipRules, settings: settings}
}

// Suspicious lists client IPs with their threat classification.
// GET /api/v1/system/security/suspicious?days=7
func (h *SecurityHandler) Suspicious(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	days := service.ClampDays(queryInt(r, "days", service.DefaultQueryDays))

	ips, err := h.security.QuerySuspicious(r.Context(), days)
	if err != nil {
		writeServiceError(w, err, "query suspicious IPs")
		return
	}
	if level := strings.ToUpper(queryString(r, "level")); level != "" {
		filtered := ips[:0]
		for _, ip := range ips {
			if string(ip.ThreatLevel) == level {
				filtered = append(filtered, ip)
			}
		}
		ips = filtered
	}
	if ips == nil {
		ips = []model.SuspiciousIP{}
	}
	writeList(w, ips, &model.ResponseMeta{
		Count:  len(ips),
		Days:   days,
		TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

// FailedAttempts ranks client IPs by failed authentications.
// GET /api/v1/system/security/failed?days=7&limit=20
func (h *SecurityHandler) FailedAttempts(w http.ResponseWriter, r *http.Request) {
	days := service.ClampDays(queryInt(r, "days", service.DefaultQueryDays))
	limit := clampInt(queryInt(r, "limit", defaultFailedLimit), 1, maxListLimit)

	attempts, err := h.security.QueryFailedAttempts(r.Context(), days, limit)
	if err != nil {
		writeServiceError(w, err, "query failed attempts")
		return
	}
	if attempts == nil {
		attempts = []model.FailedAttempt{}
	}
	writeList(w, attempts, &model.ResponseMeta{Count: len(attempts), Limit: limit, Days: days})
}

// Events lists recorded security events, newest first.
// GET /api/v1/system/security/events?type=&ip=&token_id=&days=&limit=
func (h *SecurityHandler) Events(w http.ResponseWriter, r *http.Request) {
	days := service.ClampDays(queryInt(r, "days", service.DefaultQueryDays))
	f := model.EventFilter{
		IP:    queryString(r, "ip"),
		Since: time.Now().Add(-time.Duration(days) * 24 * time.Hour),
		Limit: clampInt(queryInt(r, "limit", config.DefaultEventListLimit), 1, maxListLimit),
	}
	if t := queryString(r, "type"); t != "" {
		f.Type = model.EventType(strings.ToUpper(t))
		if !f.Type.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown event type: "+t)
			return
		}
	}
	if raw := queryString(r, "token_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid token_id: "+raw)
			return
		}
		f.TokenID = &id
	}
	if f.IP != "" {
		f.IP = service.NormalizeIP(f.IP)
	}

	evs, err := h.security.ListEvents(r.Context(), f)
	if err != nil {
		writeServiceError(w, err, "list security events")
		return
	}
	if evs == nil {
		evs = []model.SecurityEvent{}
	}
	writeList(w, evs, &model.ResponseMeta{Count: len(evs), Limit: f.Limit, Days: days})
}

// ---------------------------------------------------------------------------
// Global blocklist
// ---------------------------------------------------------------------------

// ListBlocks returns every global block, expired ones included.
// GET /api/v1/system/security/blocked
func (h *SecurityHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.ipRules.ListBlocks(r.Context())
	if err != nil {
		writeServiceError(w, err, "list blocked IPs")
		return
	}
	if blocks == nil {
		blocks = []model.BlockedIP{}
	}
	writeList(w, blocks, &model.ResponseMeta{Count: len(blocks)})
}

type blockRequest struct {
	IPAddress string `json:"ip_address"`
	Reason    string `json:"reason"`
	// TTL is a Go duration string; empty blocks until removed.
	TTL string `json:"ttl"`
}

// Block adds a manual global block.
// POST /api/v1/system/security/blocked
func (h *SecurityHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "Invalid ttl: "+req.TTL)
			return
		}
		ttl = d
	}

	b, err := h.ipRules.Block(r.Context(), req.IPAddress, req.Reason, middleware.Actor(r.Context()), ttl)
	if err != nil {
		writeServiceError(w, err, "block IP")
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Unblock lifts a global block.
// DELETE /api/v1/system/security/blocked/{ip}
func (h *SecurityHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := h.ipRules.Unblock(r.Context(), ip); err != nil {
		writeServiceError(w, err, "unblock IP")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "ip_address": service.NormalizeIP(ip)})
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

type settingsResponse struct {
	GlobalRateLimit int `json:"global_rate_limit"`
}

type settingsRequest struct {
	GlobalRateLimit *int `json:"global_rate_limit"`
}

// GetSettings returns the operator-tunable gateway settings.
// GET /api/v1/system/settings
func (h *SecurityHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{GlobalRateLimit: h.settings.GetGlobalLimit(r.Context())})
}

// UpdateSettings changes gateway settings. The new global limit applies to
// the next request.
// PATCH /api/v1/system/settings
func (h *SecurityHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.GlobalRateLimit == nil {
		writeError(w, http.StatusBadRequest, "global_rate_limit is required")
		return
	}
	if err := h.settings.SetGlobalLimit(r.Context(), *req.GlobalRateLimit); err != nil {
		writeServiceError(w, err, "update settings")
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{GlobalRateLimit: *req.GlobalRateLimit})
}
