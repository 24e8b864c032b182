package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/server/middleware"
	"github.com/tollgate/tollgate/internal/service"
)

// TokenHandler manages gateway API tokens and their IP rules.
type TokenHandler struct {
	tokens  *service.TokenRegistry
	ipRules *service.IPRuleService
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(tokens *service.TokenRegistry, ipRules *service.IPRuleService) *TokenHandler {
	return &TokenHandler{tokens: tokens, ipRules: ipRules}
}

// secretResponse carries a raw secret. It is returned once, on creation
// and rotation, and never again.
type secretResponse struct {
	*model.APIToken
	Secret  string `json:"token"`
	Warning string `json:"warning"`
}

const secretWarning = "Store this token now. It cannot be retrieved again."

func (h *TokenHandler) tokenID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := pathID(r, "tokenId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid token id: "+chi.URLParam(r, "tokenId"))
	}
	return id, ok
}

// ListTokens returns every token without secrets.
// GET /api/v1/system/token
func (h *TokenHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.tokens.List(r.Context())
	if err != nil {
		writeServiceError(w, err, "list tokens")
		return
	}
	if tokens == nil {
		tokens = []model.APIToken{}
	}
	writeList(w, tokens, &model.ResponseMeta{Count: len(tokens)})
}

// CreateToken issues a token and reveals its secret once.
// POST /api/v1/system/token
func (h *TokenHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var in service.CreateTokenInput
	if err := readJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	tok, raw, err := h.tokens.Create(r.Context(), in, middleware.Actor(r.Context()))
	if err != nil {
		writeServiceError(w, err, "create token")
		return
	}
	writeJSON(w, http.StatusCreated, secretResponse{APIToken: tok, Secret: raw, Warning: secretWarning})
}

// GetToken returns one token.
// GET /api/v1/system/token/{tokenId}
func (h *TokenHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenID(w, r)
	if !ok {
		return
	}
	tok, err := h.tokens.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "get token")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// UpdateToken applies a partial update.
// PATCH /api/v1/system/token/{tokenId}
func (h *TokenHandler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenID(w, r)
	if !ok {
		return
	}
	var patch model.TokenPatch
	if err := readJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	tok, err := h.tokens.Update(r.Context(), id, patch)
	if err != nil {
		writeServiceError(w, err, "update token")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// DisableToken soft-deletes a token.
// DELETE /api/v1/system/token/{tokenId}
func (h *TokenHandler) DisableToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenID(w, r)
	if !ok {
		return
	}
	tok, err := h.tokens.Disable(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "disable token")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

type rotateRequest struct {
	Reason string `json:"reason"`
}

type rotateResponse struct {
	TokenID  int64                 `json:"token_id"`
	Secret   string                `json:"token"`
	Rotation *model.RotationRecord `json:"rotation"`
	Warning  string                `json:"warning"`
}

// RotateToken replaces a token's secret. The old secret stops working
// immediately.
// POST /api/v1/system/token/{tokenId}/rotate
func (h *TokenHandler) RotateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenID(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	raw, rec, err := h.tokens.Rotate(r.Context(), id, middleware.Actor(r.Context()), req.Reason)
	if err != nil {
		writeServiceError(w, err, "rotate token")
		return
	}
	writeJSON(w, http.StatusOK, rotateResponse{
		TokenID:  id,
		Secret:   raw,
		Rotation: rec,
		Warning:  secretWarning,
	})
}

// ListRotations returns the rotation trail of a token.
// GET /api/v1/system/token/{tokenId}/rotation
func (h *TokenHandler) ListRotations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenID(w, r)
	if !ok {
		return
	}
	if _, err := h.tokens.Get(r.Context(), id); err != nil {
		writeServiceError(w, err, "get token")
		return
	}
	recs, err := h.tokens.Rotations(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "list rotations")
		return
	}
	if recs == nil {
		recs = []model.RotationRecord{}
	}
	writeList(w, recs, &model.ResponseMeta{Count: len(recs)})
}

// ---------------------------------------------------------------------------
// Per-token IP rules
// ---------------------------------------------------------------------------

// ListIPRules returns the IP rules of a token.
// GET /api/v1/system/token/{tokenId}/ip-rule
func (h *TokenHandler) ListIPRules(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenID(w, r)
	if !ok {
		return
	}
	rules, err := h.ipRules.ListRules(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "list ip rules")
		return
	}
	if rules == nil {
		rules = []model.IPRule{}
	}
	writeList(w, rules, &model.ResponseMeta{Count: len(rules)})
}

type ipRuleRequest struct {
	Type        model.IPRuleType `json:"type"`
	IPAddress   string           `json:"ip_address"`
	Description string           `json:"description"`
}

// AddIPRule adds a WHITELIST or BLACKLIST entry to a token.
// POST /api/v1/system/token/{tokenId}/ip-rule
func (h *TokenHandler) AddIPRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenID(w, r)
	if !ok {
		return
	}
	var req ipRuleRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	rule, err := h.ipRules.AddRule(r.Context(), id, req.Type, req.IPAddress, req.Description)
	if err != nil {
		writeServiceError(w, err, "add ip rule")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// RemoveIPRule deletes one IP rule of a token.
// DELETE /api/v1/system/token/{tokenId}/ip-rule/{ruleId}
func (h *TokenHandler) RemoveIPRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenID(w, r)
	if !ok {
		return
	}
	ruleID, ok := pathID(r, "ruleId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid rule id: "+chi.URLParam(r, "ruleId"))
		return
	}
	if err := h.ipRules.RemoveRule(r.Context(), id, ruleID); err != nil {
		writeServiceError(w, err, "remove ip rule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": ruleID})
}
