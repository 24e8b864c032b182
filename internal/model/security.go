package model

import "time"

// EventType classifies a recorded admission decision.
type EventType string

const (
	EventRateLimited  EventType = "RATE_LIMITED"
	EventIPBlocked    EventType = "IP_BLOCKED"
	EventScopeDenied  EventType = "SCOPE_DENIED"
	EventTokenInvalid EventType = "TOKEN_INVALID"
	EventSuspicious   EventType = "SUSPICIOUS"
)

// AllEventTypes lists every event type in display order.
var AllEventTypes = []EventType{
	EventTokenInvalid,
	EventIPBlocked,
	EventRateLimited,
	EventScopeDenied,
	EventSuspicious,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventRateLimited, EventIPBlocked, EventScopeDenied, EventTokenInvalid, EventSuspicious:
		return true
	}
	return false
}

// SecurityEvent is an append-only record of a notable admission decision.
// TokenID is nil for unauthenticated or global-tier rejections.
type SecurityEvent struct {
	ID        int64             `json:"id" db:"id"`
	EventType EventType         `json:"event_type" db:"event_type"`
	TokenID   *int64            `json:"token_id,omitempty" db:"token_id"`
	IPAddress string            `json:"ip_address" db:"ip_address"`
	Endpoint  string            `json:"endpoint" db:"endpoint"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"-"`
}

// EventFilter narrows a security event listing.
type EventFilter struct {
	Type    EventType
	IP      string
	TokenID *int64
	Since   time.Time
	Limit   int
}

// ThreatLevel is a coarse classification of a client IP.
type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "LOW"
	ThreatMedium ThreatLevel = "MEDIUM"
	ThreatHigh   ThreatLevel = "HIGH"
)

// SuspiciousIP aggregates the recent event history of one client IP.
type SuspiciousIP struct {
	IPAddress     string      `json:"ip_address"`
	EventCount    int         `json:"event_count"`
	DistinctTypes int         `json:"distinct_types"`
	EventTypes    []EventType `json:"event_types"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastSeen      time.Time   `json:"last_seen"`
	ThreatLevel   ThreatLevel `json:"threat_level"`
	Blocked       bool        `json:"blocked"`
}

// FailedAttempt is the failed-authentication tally for one client IP.
type FailedAttempt struct {
	IPAddress   string    `json:"ip_address"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}
