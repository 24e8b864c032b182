package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated operator.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal is the operator behind a /system request.
type Principal struct {
	AdminID int64
	Email   string
}

// Authenticate returns an HTTP middleware that requires an operator session
// JWT in the Authorization header. Gateway API tokens are not accepted here;
// they only open gateway routes.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer session token.")
				return
			}
			p, err := authSvc.ValidateJWT(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid session token")
				return
			}

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, &Principal{
				AdminID: p.AdminID,
				Email:   p.Email,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the authenticated operator from the context.
// Returns nil if no principal is present.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// Actor names the operator for audit fields, or "system" when unknown.
func Actor(ctx context.Context) string {
	if p := GetPrincipal(ctx); p != nil && p.Email != "" {
		return p.Email
	}
	return "system"
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
