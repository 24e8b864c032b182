package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scope is a named permission category gating a group of gateway routes.
type Scope string

const (
	ScopeBilling         Scope = "BILLING"
	ScopeUserside        Scope = "USERSIDE"
	ScopeAnalytics       Scope = "ANALYTICS"
	ScopeShared          Scope = "SHARED"
	ScopeEquipment       Scope = "EQUIPMENT"
	ScopeCabinetIntelekt Scope = "CABINET_INTELEKT"
)

// AllScopes lists every known scope in display order.
var AllScopes = []Scope{
	ScopeBilling,
	ScopeUserside,
	ScopeAnalytics,
	ScopeShared,
	ScopeEquipment,
	ScopeCabinetIntelekt,
}

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	for _, known := range AllScopes {
		if s == known {
			return true
		}
	}
	return false
}

// ParseScopes converts raw strings (case-insensitive) into a deduplicated,
// sorted scope list. Unknown values are rejected.
func ParseScopes(raw []string) ([]Scope, error) {
	seen := make(map[Scope]bool, len(raw))
	out := make([]Scope, 0, len(raw))
	for _, r := range raw {
		s := Scope(strings.ToUpper(strings.TrimSpace(r)))
		if s == "" {
			continue
		}
		if !s.Valid() {
			return nil, fmt.Errorf("unknown scope %q", r)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// APIToken is the identity of a calling project. The raw secret is never
// stored; only its SHA-256 hash and a short non-secret prefix are persisted.
type APIToken struct {
	ID                 int64      `json:"id" db:"id"`
	SecretHash         string     `json:"-" db:"secret_hash"`
	SecretPrefix       string     `json:"secret_prefix" db:"secret_prefix"`
	DisplayName        string     `json:"display_name" db:"display_name"`
	Description        string     `json:"description" db:"description"`
	Scopes             []Scope    `json:"scopes" db:"-"`
	AllowedEndpoints   []string   `json:"allowed_endpoints" db:"-"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute" db:"rate_limit_per_minute"`
	IsActive           bool       `json:"is_active" db:"is_active"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedBy          string     `json:"created_by" db:"created_by"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// HasScope reports whether the token was granted s.
func (t *APIToken) HasScope(s Scope) bool {
	for _, granted := range t.Scopes {
		if granted == s {
			return true
		}
	}
	return false
}

// Expired reports whether the token has an expiry at or before now.
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// TokenPatch is a partial update of a token. Nil fields are left unchanged.
type TokenPatch struct {
	DisplayName        *string    `json:"display_name,omitempty"`
	Description        *string    `json:"description,omitempty"`
	Scopes             []string   `json:"scopes,omitempty"`
	AllowedEndpoints   *[]string  `json:"allowed_endpoints,omitempty"`
	RateLimitPerMinute *int       `json:"rate_limit_per_minute,omitempty"`
	IsActive           *bool      `json:"is_active,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	ClearExpiry        bool       `json:"clear_expiry,omitempty"`
}

// RotationRecord is the immutable audit trail entry for one secret rotation.
type RotationRecord struct {
	ID        int64     `json:"id" db:"id"`
	TokenID   int64     `json:"token_id" db:"token_id"`
	RotatedBy string    `json:"rotated_by" db:"rotated_by"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	RotatedAt time.Time `json:"rotated_at" db:"rotated_at"`
}
