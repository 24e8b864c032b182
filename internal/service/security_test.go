package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tollgate/tollgate/internal/model"
)

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		count, distinct int
		want            model.ThreatLevel
	}{
		{1, 1, model.ThreatLow},
		{9, 1, model.ThreatLow},
		{10, 1, model.ThreatMedium},
		{2, 2, model.ThreatMedium},
		{49, 2, model.ThreatMedium},
		{50, 1, model.ThreatHigh},
		{3, 3, model.ThreatHigh},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.count, tt.distinct); got != tt.want {
			t.Errorf("Classify(%d, %d) = %s, want %s", tt.count, tt.distinct, got, tt.want)
		}
	}
}

func TestClassifyMonotonic(t *testing.T) {
	th := DefaultThresholds()
	rank := map[model.ThreatLevel]int{model.ThreatLow: 0, model.ThreatMedium: 1, model.ThreatHigh: 2}
	for count := 1; count <= 60; count++ {
		for distinct := 1; distinct <= 5; distinct++ {
			base := rank[th.Classify(count, distinct)]
			if rank[th.Classify(count+1, distinct)] < base {
				t.Fatalf("level dropped when count rose from %d (distinct %d)", count, distinct)
			}
			if rank[th.Classify(count, distinct+1)] < base {
				t.Fatalf("level dropped when distinct rose from %d (count %d)", distinct, count)
			}
		}
	}
}

func TestClampDays(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultQueryDays},
		{-3, DefaultQueryDays},
		{1, 1},
		{30, 30},
		{365, MaxQueryDays},
	}
	for _, tt := range tests {
		if got := ClampDays(tt.in); got != tt.want {
			t.Errorf("ClampDays(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQuerySuspiciousAndFailedAttempts(t *testing.T) {
	store := newTestStore(t)
	ipRules := newTestIPRules(t, store)
	center := NewSecurityCenter(store, ipRules, DefaultThresholds())
	ctx := context.Background()
	now := time.Now()

	var events []model.SecurityEvent
	add := func(n int, typ model.EventType, ip string, age time.Duration) {
		for i := 0; i < n; i++ {
			events = append(events, model.SecurityEvent{
				EventType: typ,
				IPAddress: ip,
				Endpoint:  "/api/v1/billing/users",
				CreatedAt: now.Add(-age),
			})
		}
	}
	// 10.0.0.1 spans three types: HIGH.
	add(2, model.EventTokenInvalid, "10.0.0.1", time.Hour)
	add(1, model.EventRateLimited, "10.0.0.1", time.Hour)
	add(1, model.EventScopeDenied, "10.0.0.1", time.Hour)
	// 10.0.0.2 has twelve failures of one type: MEDIUM.
	add(12, model.EventTokenInvalid, "10.0.0.2", 2*time.Hour)
	// 10.0.0.3 is a single rate-limit hit: LOW.
	add(1, model.EventRateLimited, "10.0.0.3", time.Hour)
	// Outside a one-day window.
	add(5, model.EventTokenInvalid, "10.0.0.4", 72*time.Hour)

	if err := store.InsertSecurityEvents(ctx, events); err != nil {
		t.Fatalf("InsertSecurityEvents: %v", err)
	}
	if _, err := ipRules.Block(ctx, "10.0.0.1", "manual", "ops", 0); err != nil {
		t.Fatalf("Block: %v", err)
	}

	got, err := center.QuerySuspicious(ctx, 1)
	if err != nil {
		t.Fatalf("QuerySuspicious: %v", err)
	}
	want := map[string]struct {
		level   model.ThreatLevel
		count   int
		blocked bool
	}{
		"10.0.0.1": {model.ThreatHigh, 4, true},
		"10.0.0.2": {model.ThreatMedium, 12, false},
		"10.0.0.3": {model.ThreatLow, 1, false},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d IPs, want %d: %+v", len(got), len(want), got)
	}
	for _, s := range got {
		w, ok := want[s.IPAddress]
		if !ok {
			t.Errorf("unexpected IP %s", s.IPAddress)
			continue
		}
		if s.ThreatLevel != w.level || s.EventCount != w.count || s.Blocked != w.blocked {
			t.Errorf("%s: got level=%s count=%d blocked=%v, want %s %d %v",
				s.IPAddress, s.ThreatLevel, s.EventCount, s.Blocked, w.level, w.count, w.blocked)
		}
	}
	if got[0].IPAddress != "10.0.0.2" {
		t.Errorf("expected highest count first, got %s", got[0].IPAddress)
	}

	all, _ := center.QuerySuspicious(ctx, 7)
	if len(all) != 4 {
		t.Errorf("7-day window: got %d IPs, want 4", len(all))
	}

	failed, err := center.QueryFailedAttempts(ctx, 1, 10)
	if err != nil {
		t.Fatalf("QueryFailedAttempts: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("got %d offenders, want 2", len(failed))
	}
	for i, w := range []struct {
		ip string
		n  int
	}{{"10.0.0.2", 12}, {"10.0.0.1", 2}} {
		if failed[i].IPAddress != w.ip || failed[i].Attempts != w.n {
			t.Errorf("rank %d: got %s/%d, want %s/%d", i, failed[i].IPAddress, failed[i].Attempts, w.ip, w.n)
		}
	}
}

func TestPurgeEvents(t *testing.T) {
	store := newTestStore(t)
	center := NewSecurityCenter(store, nil, DefaultThresholds())
	ctx := context.Background()

	var events []model.SecurityEvent
	for i := 0; i < 3; i++ {
		events = append(events, model.SecurityEvent{
			EventType: model.EventRateLimited,
			IPAddress: fmt.Sprintf("10.0.0.%d", i),
			CreatedAt: time.Now().Add(-time.Duration(i*48) * time.Hour),
		})
	}
	if err := store.InsertSecurityEvents(ctx, events); err != nil {
		t.Fatalf("InsertSecurityEvents: %v", err)
	}
	n, err := center.PurgeEvents(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	left, _ := center.ListEvents(ctx, model.EventFilter{})
	if len(left) != 1 {
		t.Errorf("%d events left, want 1", len(left))
	}
}
