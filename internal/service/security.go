package service

import (
	"context"
	"time"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
)

const (
	// DefaultQueryDays is the trailing window used when a query passes none.
	DefaultQueryDays = 7
	// MaxQueryDays bounds how far back the aggregate queries scan.
	MaxQueryDays = 90
)

// Thresholds decide the threat level of an IP. An IP is HIGH when either
// HIGH threshold is reached, else MEDIUM when either MEDIUM threshold is
// reached, else LOW. Raising either input never lowers the level.
type Thresholds struct {
	HighDistinctTypes   int
	HighEventCount      int
	MediumDistinctTypes int
	MediumEventCount    int
}

// DefaultThresholds returns the stock classification policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighDistinctTypes:   3,
		HighEventCount:      50,
		MediumDistinctTypes: 2,
		MediumEventCount:    10,
	}
}

// Classify maps an event count and distinct-type count to a threat level.
func (t Thresholds) Classify(count, distinctTypes int) model.ThreatLevel {
	switch {
	case distinctTypes >= t.HighDistinctTypes || count >= t.HighEventCount:
		return model.ThreatHigh
	case distinctTypes >= t.MediumDistinctTypes || count >= t.MediumEventCount:
		return model.ThreatMedium
	default:
		return model.ThreatLow
	}
}

// SecurityCenter answers the read-side questions operators ask about
// recorded security events.
type SecurityCenter struct {
	store      *config.Store
	ipRules    *IPRuleService
	thresholds Thresholds
	now        func() time.Time
}

func NewSecurityCenter(store *config.Store, ipRules *IPRuleService, thresholds Thresholds) *SecurityCenter {
	return &SecurityCenter{
		store:      store,
		ipRules:    ipRules,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Thresholds returns the classification policy in use.
func (c *SecurityCenter) Thresholds() Thresholds {
	return c.thresholds
}

func (c *SecurityCenter) since(days int) time.Time {
	return c.now().Add(-time.Duration(ClampDays(days)) * 24 * time.Hour)
}

// ClampDays applies the default and the upper bound to a day count.
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return DefaultQueryDays
	case days > MaxQueryDays:
		return MaxQueryDays
	}
	return days
}

// QuerySuspicious groups the events of the last days by client IP and
// classifies each IP. The result is ordered by event count descending.
func (c *SecurityCenter) QuerySuspicious(ctx context.Context, days int) ([]model.SuspiciousIP, error) {
	activity, err := c.store.IPActivitySince(ctx, c.since(days))
	if err != nil {
		return nil, err
	}
	out := make([]model.SuspiciousIP, 0, len(activity))
	for _, a := range activity {
		out = append(out, model.SuspiciousIP{
			IPAddress:     a.IPAddress,
			EventCount:    a.EventCount,
			DistinctTypes: len(a.EventTypes),
			EventTypes:    a.EventTypes,
			FirstSeen:     a.FirstSeen,
			LastSeen:      a.LastSeen,
			ThreatLevel:   c.thresholds.Classify(a.EventCount, len(a.EventTypes)),
			Blocked:       c.ipRules != nil && c.ipRules.IsBlocked(a.IPAddress),
		})
	}
	return out, nil
}

// QueryFailedAttempts ranks client IPs by failed authentications in the
// last days, most attempts first.
func (c *SecurityCenter) QueryFailedAttempts(ctx context.Context, days, limit int) ([]model.FailedAttempt, error) {
	return c.store.FailedAttempts(ctx, c.since(days), limit)
}

// ListEvents returns recorded events matching f, newest first.
func (c *SecurityCenter) ListEvents(ctx context.Context, f model.EventFilter) ([]model.SecurityEvent, error) {
	return c.store.ListSecurityEvents(ctx, f)
}

// PurgeEvents deletes events older than retention.
func (c *SecurityCenter) PurgeEvents(ctx context.Context, retention time.Duration) (int64, error) {
	return c.store.PurgeSecurityEvents(ctx, c.now().Add(-retention))
}
