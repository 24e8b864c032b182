package model

import "time"

// IPRuleType distinguishes allow-list from deny-list entries.
type IPRuleType string

const (
	IPRuleWhitelist IPRuleType = "WHITELIST"
	IPRuleBlacklist IPRuleType = "BLACKLIST"
)

// Valid reports whether t is a known rule type.
func (t IPRuleType) Valid() bool {
	return t == IPRuleWhitelist || t == IPRuleBlacklist
}

// IPRule is a per-token allow or deny entry for a literal client IP.
type IPRule struct {
	ID          int64      `json:"id" db:"id"`
	TokenID     int64      `json:"token_id" db:"token_id"`
	Type        IPRuleType `json:"type" db:"rule_type"`
	IPAddress   string     `json:"ip_address" db:"ip_address"`
	Description string     `json:"description" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// BlockedIP is a global manual or automatic block that applies to every
// token and to public routes.
type BlockedIP struct {
	ID        int64      `json:"id" db:"id"`
	IPAddress string     `json:"ip_address" db:"ip_address"`
	Reason    string     `json:"reason" db:"reason"`
	BlockedBy string     `json:"blocked_by" db:"blocked_by"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// Active reports whether the block is in force at now.
func (b *BlockedIP) Active(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}
