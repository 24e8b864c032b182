package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/service"
)

// DefaultSessionTTL is the operator session lifetime when none is configured.
const DefaultSessionTTL = time.Hour

// SystemHandler serves operator sessions and operator accounts.
type SystemHandler struct {
	store      *config.Store
	authSvc    *service.AuthService
	sessionTTL time.Duration
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(store *config.Store, authSvc *service.AuthService, sessionTTL time.Duration) *SystemHandler {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &SystemHandler{
		store:      store,
		authSvc:    authSvc,
		sessionTTL: sessionTTL,
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates an operator and returns a JWT session token.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	token, admin, err := h.authSvc.Login(r.Context(), req.Email, req.Password, h.sessionTTL)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "Authentication error: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, admin.Session(token, h.sessionTTL))
}

// Logout is a no-op: sessions are stateless JWTs and clients discard them.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session invalidated",
	})
}

// ---------------------------------------------------------------------------
// Operator accounts
// ---------------------------------------------------------------------------

// ListAdmins returns every operator account.
// GET /api/v1/system/admin
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.store.ListAdmins(r.Context())
	if err != nil {
		writeServiceError(w, err, "list admins")
		return
	}
	if admins == nil {
		admins = []model.Admin{}
	}
	writeList(w, admins, &model.ResponseMeta{Count: len(admins)})
}

type createAdminRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Password     string `json:"password"`
	IsSuperAdmin bool   `json:"is_super_admin"`
}

// CreateAdmin adds an operator account.
// POST /api/v1/system/admin
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	admin, err := h.authSvc.CreateAdmin(r.Context(), req.Email, req.Name, req.Password, req.IsSuperAdmin)
	if err != nil {
		writeServiceError(w, err, "create admin")
		return
	}
	writeJSON(w, http.StatusCreated, admin)
}
