package model

import "time"

// Admin is an operator account. Operators manage gateway tokens, IP rules
// and the blocklist through /api/v1/system; gateway callers never hold one.
type Admin struct {
	ID           int64      `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Name         string     `json:"name" db:"name"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	IsSuperAdmin bool       `json:"is_super_admin" db:"is_super_admin"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// AdminSession is returned by a successful operator login. The session
// token is a JWT accepted only on the system API, never by the gateway.
type AdminSession struct {
	Token        string `json:"session_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	AdminID      int64  `json:"admin_id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	IsSuperAdmin bool   `json:"is_super_admin"`
}

// Session describes a freshly issued session token for a.
func (a *Admin) Session(token string, ttl time.Duration) AdminSession {
	return AdminSession{
		Token:        token,
		TokenType:    "bearer",
		ExpiresIn:    int(ttl / time.Second),
		AdminID:      a.ID,
		Email:        a.Email,
		Name:         a.Name,
		IsSuperAdmin: a.IsSuperAdmin,
	}
}
