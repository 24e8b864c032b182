package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/ratelimit"
)

// Kind classifies why the pipeline rejected a request.
type Kind string

const (
	KindTokenInvalid   Kind = "TOKEN_INVALID"
	KindTokenInactive  Kind = "TOKEN_INACTIVE"
	KindTokenExpired   Kind = "TOKEN_EXPIRED"
	KindIPBlocked      Kind = "IP_BLOCKED"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindScopeDenied    Kind = "SCOPE_DENIED"
	KindEndpointDenied Kind = "ENDPOINT_DENIED"
	// KindUnavailable is an infrastructure failure, not a policy decision.
	KindUnavailable Kind = "UNAVAILABLE"
)

// Rejection is a terminal pipeline outcome. Only Message (and the fields
// exposed by Context) reach the client; Internal is for logs and events.
type Rejection struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter int // seconds, RATE_LIMITED only
	Limit      int // RATE_LIMITED only
	ResetAt    time.Time
	Tier       string
	Required   []model.Scope
	Granted    []model.Scope
	Internal   string
}

func (r *Rejection) Error() string {
	if r.Internal != "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Internal)
	}
	return string(r.Kind)
}

// EventType returns the security event recorded for the rejection.
// Infrastructure failures record nothing.
func (r *Rejection) EventType() (model.EventType, bool) {
	switch r.Kind {
	case KindTokenInvalid, KindTokenInactive, KindTokenExpired:
		return model.EventTokenInvalid, true
	case KindIPBlocked:
		return model.EventIPBlocked, true
	case KindRateLimited:
		return model.EventRateLimited, true
	case KindScopeDenied, KindEndpointDenied:
		return model.EventScopeDenied, true
	}
	return "", false
}

// Context returns the client-visible details of the rejection.
func (r *Rejection) Context() map[string]interface{} {
	switch r.Kind {
	case KindRateLimited:
		return map[string]interface{}{
			"retry_after": r.RetryAfter,
			"limit":       r.Limit,
		}
	case KindScopeDenied:
		return map[string]interface{}{
			"required_scopes": r.Required,
			"granted_scopes":  r.Granted,
		}
	}
	return nil
}

// tokenRejection builds the uniform 401 for every token failure; kind and
// reason differ only internally.
func tokenRejection(kind Kind, reason string) *Rejection {
	return &Rejection{
		Kind:     kind,
		Status:   http.StatusUnauthorized,
		Message:  "Invalid token",
		Internal: reason,
	}
}

func ipRejection(reason string) *Rejection {
	return &Rejection{
		Kind:     KindIPBlocked,
		Status:   http.StatusForbidden,
		Message:  "Access denied for this IP address",
		Internal: reason,
	}
}

func rateRejection(tier string, d ratelimit.Decision) *Rejection {
	retryAfter := d.RetryAfterSeconds()
	return &Rejection{
		Kind:       KindRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    fmt.Sprintf("Rate limit exceeded: %d requests per %s. Retry in %d seconds.", d.Limit, windowText(d.Window), retryAfter),
		RetryAfter: retryAfter,
		Limit:      d.Limit,
		ResetAt:    d.ResetAt,
		Tier:       tier,
		Internal:   tier + " tier",
	}
}

// windowText names a counting window for client messages: "minute" for the
// default window, otherwise its duration ("30s", "2h0m0s").
func windowText(w time.Duration) string {
	switch w {
	case 0, time.Minute:
		return "minute"
	case time.Second:
		return "second"
	case time.Hour:
		return "hour"
	}
	return w.String()
}

func scopeRejection(required, granted []model.Scope) *Rejection {
	return &Rejection{
		Kind:     KindScopeDenied,
		Status:   http.StatusForbidden,
		Message:  "Insufficient scope for this endpoint",
		Required: required,
		Granted:  granted,
	}
}

func endpointRejection(route string) *Rejection {
	return &Rejection{
		Kind:     KindEndpointDenied,
		Status:   http.StatusForbidden,
		Message:  "Token is not allowed to access this endpoint",
		Internal: "endpoint_not_allowed: " + route,
	}
}

func unavailableRejection(stage Stage, err error) *Rejection {
	return &Rejection{
		Kind:     KindUnavailable,
		Status:   http.StatusServiceUnavailable,
		Message:  "Service temporarily unavailable",
		Internal: fmt.Sprintf("%s: %v", stage, err),
	}
}
