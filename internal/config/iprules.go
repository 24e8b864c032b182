package config

import (
	"context"
	"fmt"
	"time"

	"github.com/tollgate/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// Per-token IP rules
// ---------------------------------------------------------------------------

// ListIPRules returns every rule attached to a token.
func (s *Store) ListIPRules(ctx context.Context, tokenID int64) ([]model.IPRule, error) {
	rules := []model.IPRule{}
	err := s.db.SelectContext(ctx, &rules,
		s.db.Rebind("SELECT * FROM ip_rules WHERE token_id = ? ORDER BY id"), tokenID)
	if err != nil {
		return nil, fmt.Errorf("list ip rules: %w", err)
	}
	return rules, nil
}

// CreateIPRule inserts a rule. Adding the same (token, type, ip) twice
// returns ErrConflict.
func (s *Store) CreateIPRule(ctx context.Context, rule *model.IPRule) error {
	rule.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO ip_rules (token_id, rule_type, ip_address, description, created_at)
		VALUES (:token_id, :rule_type, :ip_address, :description, :created_at)`

	id, err := s.insertReturningID(ctx, s.db, q, rule)
	if err != nil {
		return fmt.Errorf("insert ip rule: %w", err)
	}
	rule.ID = id
	return nil
}

// DeleteIPRule removes a rule that belongs to tokenID.
func (s *Store) DeleteIPRule(ctx context.Context, tokenID, ruleID int64) error {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM ip_rules WHERE id = ? AND token_id = ?"), ruleID, tokenID)
	if err != nil {
		return fmt.Errorf("delete ip rule: %w", err)
	}
	return expectOneRow(result, "delete ip rule")
}

// ---------------------------------------------------------------------------
// Global blocklist
// ---------------------------------------------------------------------------

// ListBlockedIPs returns every global block, including expired ones.
func (s *Store) ListBlockedIPs(ctx context.Context) ([]model.BlockedIP, error) {
	blocks := []model.BlockedIP{}
	if err := s.db.SelectContext(ctx, &blocks, "SELECT * FROM blocked_ips ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list blocked ips: %w", err)
	}
	return blocks, nil
}

// CreateBlockedIP adds a global block. An IP may only be blocked once;
// a second block returns ErrConflict.
func (s *Store) CreateBlockedIP(ctx context.Context, block *model.BlockedIP) error {
	block.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO blocked_ips (ip_address, reason, blocked_by, created_at, expires_at)
		VALUES (:ip_address, :reason, :blocked_by, :created_at, :expires_at)`

	id, err := s.insertReturningID(ctx, s.db, q, block)
	if err != nil {
		return fmt.Errorf("insert blocked ip: %w", err)
	}
	block.ID = id
	return nil
}

// DeleteBlockedIP lifts the global block on ip.
func (s *Store) DeleteBlockedIP(ctx context.Context, ip string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM blocked_ips WHERE ip_address = ?"), ip)
	if err != nil {
		return fmt.Errorf("delete blocked ip: %w", err)
	}
	return expectOneRow(result, "delete blocked ip")
}
