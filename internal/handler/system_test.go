package handler

import (
	"net/http"
	"testing"

	"github.com/tollgate/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// Login / Logout
// ---------------------------------------------------------------------------

func TestLogin_ValidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	body := toJSON(t, map[string]string{
		"email":    "Admin@Example.com",
		"password": testPassword,
	})
	rr := env.do(t, "POST", "/api/v1/system/admin/session", body)
	assertStatus(t, rr, http.StatusOK)

	var resp model.AdminSession
	decodeJSON(t, rr, &resp)

	if resp.Token == "" {
		t.Error("expected non-empty session_token")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want %q", resp.TokenType, "bearer")
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if resp.Email != "admin@example.com" {
		t.Errorf("email = %q, want %q", resp.Email, "admin@example.com")
	}

	p, err := env.authSvc.ValidateJWT(t.Context(), resp.Token)
	if err != nil {
		t.Fatalf("issued session does not validate: %v", err)
	}
	if p.AdminID != resp.AdminID {
		t.Errorf("session admin = %d, want %d", p.AdminID, resp.AdminID)
	}
}

func TestLogin_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"wrong password", map[string]string{"email": "admin@example.com", "password": "wrongpassword"}, http.StatusUnauthorized},
		{"unknown email", map[string]string{"email": "nobody@example.com", "password": testPassword}, http.StatusUnauthorized},
		{"missing password", map[string]string{"email": "admin@example.com"}, http.StatusBadRequest},
		{"missing email", map[string]string{"password": testPassword}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/v1/system/admin/session", toJSON(t, tt.body))
			assertStatus(t, rr, tt.want)
		})
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "DELETE", "/api/v1/system/admin/session", nil)
	assertStatus(t, rr, http.StatusOK)
}

// ---------------------------------------------------------------------------
// Operator accounts
// ---------------------------------------------------------------------------

func TestCreateAndListAdmins(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/system/admin", toJSON(t, map[string]interface{}{
		"email":    "noc@example.com",
		"name":     "NOC",
		"password": "longenoughpassword",
	}))
	assertStatus(t, rr, http.StatusCreated)

	var created model.Admin
	decodeJSON(t, rr, &created)
	if created.ID == 0 || created.Email != "noc@example.com" {
		t.Errorf("created = %+v", created)
	}

	rr = env.do(t, "POST", "/api/v1/system/admin", toJSON(t, map[string]interface{}{
		"email":    "noc@example.com",
		"name":     "NOC again",
		"password": "longenoughpassword",
	}))
	assertStatus(t, rr, http.StatusConflict)

	rr = env.do(t, "POST", "/api/v1/system/admin", toJSON(t, map[string]interface{}{
		"email":    "short@example.com",
		"password": "short",
	}))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "GET", "/api/v1/system/admin", nil)
	assertStatus(t, rr, http.StatusOK)
	var list struct {
		Resource []map[string]interface{} `json:"resource"`
		Meta     model.ResponseMeta       `json:"meta"`
	}
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 1 {
		t.Errorf("count = %d, want 1", list.Meta.Count)
	}
	if _, leaked := list.Resource[0]["password_hash"]; leaked {
		t.Error("password hash exposed")
	}
}
